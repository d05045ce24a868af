package types

import (
	"cosmossdk.io/math"
)

// MarginAccount is the per-(perpetual, trader) ledger entry. The pool's own
// address owns the AMM side of every trade; it is an ordinary margin account
// with no owner-initiated trades.
type MarginAccount struct {
	Cash     math.LegacyDec
	Position math.LegacyDec
	// EntryFunding snapshots Position * UnitAccumulatedFunding at the last
	// funding settlement, so accrued funding can be reconciled lazily.
	EntryFunding   math.LegacyDec
	TargetLeverage math.LegacyDec
}

func NewMarginAccount() *MarginAccount {
	return &MarginAccount{
		Cash:           math.LegacyZeroDec(),
		Position:       math.LegacyZeroDec(),
		EntryFunding:   math.LegacyZeroDec(),
		TargetLeverage: math.LegacyZeroDec(),
	}
}

// SettleFunding folds the funding accrued since the last settlement into
// cash and re-snapshots EntryFunding. Longs pay when the accumulator rises.
// Must run before any margin read is trusted.
func (a *MarginAccount) SettleFunding(unitAccumulatedFunding math.LegacyDec) {
	owed := a.Position.Mul(unitAccumulatedFunding).Sub(a.EntryFunding)
	if !owed.IsZero() {
		a.Cash = a.Cash.Sub(owed)
	}
	a.EntryFunding = a.Position.Mul(unitAccumulatedFunding)
}

// AvailableCash is cash net of unsettled funding, without mutating the
// account.
func (a *MarginAccount) AvailableCash(unitAccumulatedFunding math.LegacyDec) math.LegacyDec {
	return a.Cash.Sub(a.Position.Mul(unitAccumulatedFunding).Sub(a.EntryFunding))
}

// Margin is cash + position * price, net of unsettled funding.
func (a *MarginAccount) Margin(markPrice, unitAccumulatedFunding math.LegacyDec) math.LegacyDec {
	return a.AvailableCash(unitAccumulatedFunding).Add(a.Position.Mul(markPrice))
}

// ApplyTrade moves the account by (deltaPosition, deltaCash) and keeps the
// funding snapshot consistent with the new position.
func (a *MarginAccount) ApplyTrade(deltaPosition, deltaCash, unitAccumulatedFunding math.LegacyDec) {
	a.SettleFunding(unitAccumulatedFunding)
	a.Position = a.Position.Add(deltaPosition)
	a.Cash = a.Cash.Add(deltaCash)
	a.EntryFunding = a.Position.Mul(unitAccumulatedFunding)
}

// IsEmpty reports whether the account carries no cash and no position and
// may be garbage collected.
func (a *MarginAccount) IsEmpty() bool {
	return a.Cash.IsZero() && a.Position.IsZero()
}

func initialMargin(position, markPrice, rate, keeperGasReward math.LegacyDec) math.LegacyDec {
	if position.IsZero() {
		return math.LegacyZeroDec()
	}
	required := position.Abs().Mul(markPrice).Mul(rate)
	return math.LegacyMaxDec(required, keeperGasReward)
}

// InitialMargin is the margin required to open or increase the position.
func (a *MarginAccount) InitialMargin(markPrice math.LegacyDec, params RiskParams) math.LegacyDec {
	return initialMargin(a.Position, markPrice, params.InitialMarginRate, params.KeeperGasReward)
}

// MaintenanceMargin is the margin below which the account is liquidatable.
func (a *MarginAccount) MaintenanceMargin(markPrice math.LegacyDec, params RiskParams) math.LegacyDec {
	return initialMargin(a.Position, markPrice, params.MaintenanceMarginRate, params.KeeperGasReward)
}

func (a *MarginAccount) IsInitialMarginSafe(markPrice, unitAccumulatedFunding math.LegacyDec, params RiskParams) bool {
	return a.Margin(markPrice, unitAccumulatedFunding).GTE(a.InitialMargin(markPrice, params))
}

func (a *MarginAccount) IsMaintenanceMarginSafe(markPrice, unitAccumulatedFunding math.LegacyDec, params RiskParams) bool {
	return a.Margin(markPrice, unitAccumulatedFunding).GTE(a.MaintenanceMargin(markPrice, params))
}

// IsMarginSafe reports margin >= 0, the weakest solvency predicate.
func (a *MarginAccount) IsMarginSafe(markPrice, unitAccumulatedFunding math.LegacyDec) bool {
	return !a.Margin(markPrice, unitAccumulatedFunding).IsNegative()
}
