package types

import (
	"bytes"
	"sort"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// Perpetual is one instrument inside a shared liquidity pool: risk
// configuration, lifecycle state, oracle-driven prices, the funding
// accumulator and every margin account keyed by trader address.
type Perpetual struct {
	Symbol string
	Params RiskParams
	State  PerpetualState
	Oracle Oracle

	MarkPrice              math.LegacyDec
	IndexPrice             math.LegacyDec
	UnitAccumulatedFunding math.LegacyDec
	FundingRate            math.LegacyDec
	OpenInterest           math.LegacyDec
	// TotalCollateral is the collateral attributed to this perpetual's own
	// book, reconciled against the shared pool cash by rebalancing.
	TotalCollateral math.LegacyDec
	SettlementPrice math.LegacyDec

	accounts map[common.Address]*MarginAccount

	// clearing bookkeeping, populated during EMERGENCY
	clearedAccounts               map[common.Address]struct{}
	TotalMarginWithPosition       math.LegacyDec
	TotalMarginWithoutPosition    math.LegacyDec
	RedemptionRateWithPosition    math.LegacyDec
	RedemptionRateWithoutPosition math.LegacyDec
}

func NewPerpetual(symbol string, oracle Oracle, params RiskParams) (*Perpetual, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Perpetual{
		Symbol:                        symbol,
		Params:                        params,
		State:                         PerpetualState_Initializing,
		Oracle:                        oracle,
		MarkPrice:                     math.LegacyZeroDec(),
		IndexPrice:                    math.LegacyZeroDec(),
		UnitAccumulatedFunding:        math.LegacyZeroDec(),
		FundingRate:                   math.LegacyZeroDec(),
		OpenInterest:                  math.LegacyZeroDec(),
		TotalCollateral:               math.LegacyZeroDec(),
		SettlementPrice:               math.LegacyZeroDec(),
		accounts:                      make(map[common.Address]*MarginAccount),
		clearedAccounts:               make(map[common.Address]struct{}),
		TotalMarginWithPosition:       math.LegacyZeroDec(),
		TotalMarginWithoutPosition:    math.LegacyZeroDec(),
		RedemptionRateWithPosition:    math.LegacyZeroDec(),
		RedemptionRateWithoutPosition: math.LegacyZeroDec(),
	}, nil
}

// Run moves a fully configured perpetual into NORMAL. One-shot.
func (p *Perpetual) Run() error {
	if !p.State.CanTransitionTo(PerpetualState_Normal) {
		return errors.Wrapf(ErrInvalidState, "cannot run perpetual in state %s", p.State)
	}
	if !p.IndexPrice.IsPositive() {
		return errors.Wrap(ErrIndexPriceNotPositive, "perpetual has no price yet")
	}
	p.State = PerpetualState_Normal
	return nil
}

// SetEmergency freezes prices at their last-good values and records the
// settlement price. Price reads become idempotent snapshots from here on.
func (p *Perpetual) SetEmergency() error {
	if !p.State.CanTransitionTo(PerpetualState_Emergency) {
		return errors.Wrapf(ErrInvalidState, "cannot declare emergency in state %s", p.State)
	}
	p.State = PerpetualState_Emergency
	p.SettlementPrice = p.MarkPrice
	p.FundingRate = math.LegacyZeroDec()
	return nil
}

// SetCleared is called once every active account has been cleared.
func (p *Perpetual) SetCleared() error {
	if !p.State.CanTransitionTo(PerpetualState_Cleared) {
		return errors.Wrapf(ErrInvalidState, "cannot clear perpetual in state %s", p.State)
	}
	if p.NumPendingClears() != 0 {
		return errors.Wrapf(ErrInvalidState, "%d accounts still pending clear", p.NumPendingClears())
	}
	p.State = PerpetualState_Cleared
	return nil
}

// UpdatePrice applies an oracle observation. Prices freeze outside NORMAL.
func (p *Perpetual) UpdatePrice(data PriceData) {
	if p.State != PerpetualState_Normal && p.State != PerpetualState_Initializing {
		return
	}
	if data.MarkPrice.IsPositive() {
		p.MarkPrice = data.MarkPrice
	}
	if data.IndexPrice.IsPositive() {
		p.IndexPrice = data.IndexPrice
	}
}

func (p *Perpetual) GetAccount(trader common.Address) *MarginAccount {
	return p.accounts[trader]
}

func (p *Perpetual) GetOrCreateAccount(trader common.Address) *MarginAccount {
	account, ok := p.accounts[trader]
	if !ok {
		account = NewMarginAccount()
		p.accounts[trader] = account
	}
	return account
}

func (p *Perpetual) RemoveAccount(trader common.Address) {
	delete(p.accounts, trader)
}

func (p *Perpetual) NumAccounts() int {
	return len(p.accounts)
}

// SortedAccountAddresses returns account keys in deterministic order.
func (p *Perpetual) SortedAccountAddresses() []common.Address {
	addresses := make([]common.Address, 0, len(p.accounts))
	for addr := range p.accounts {
		addresses = append(addresses, addr)
	}
	sort.SliceStable(addresses, func(i, j int) bool {
		return bytes.Compare(addresses[i].Bytes(), addresses[j].Bytes()) < 0
	})
	return addresses
}

// MarkClearApplied records that trader's account was visited during clearing
// and accumulates its margin into the with-position or without-position
// bucket.
func (p *Perpetual) MarkClearApplied(trader common.Address) error {
	if p.State != PerpetualState_Emergency {
		return errors.Wrapf(ErrInvalidState, "cannot clear in state %s", p.State)
	}
	if _, done := p.clearedAccounts[trader]; done {
		return errors.Wrapf(ErrAlreadyCleared, "trader %s", trader.Hex())
	}
	account, ok := p.accounts[trader]
	if !ok {
		return errors.Wrapf(ErrAccountNotFound, "trader %s", trader.Hex())
	}

	margin := account.Margin(p.SettlementPrice, p.UnitAccumulatedFunding)
	if account.Position.IsZero() {
		p.TotalMarginWithoutPosition = p.TotalMarginWithoutPosition.Add(math.LegacyMaxDec(margin, math.LegacyZeroDec()))
	} else {
		p.TotalMarginWithPosition = p.TotalMarginWithPosition.Add(math.LegacyMaxDec(margin, math.LegacyZeroDec()))
	}
	p.clearedAccounts[trader] = struct{}{}
	return nil
}

// NextAccountToClear yields a deterministic pending account, or false when
// every account has been visited.
func (p *Perpetual) NextAccountToClear() (common.Address, bool) {
	for _, addr := range p.SortedAccountAddresses() {
		if _, done := p.clearedAccounts[addr]; !done {
			return addr, true
		}
	}
	return common.Address{}, false
}

func (p *Perpetual) NumPendingClears() int {
	return len(p.accounts) - len(p.clearedAccounts)
}

// SetRedemptionRates splits the collateral actually backing this perpetual
// into the two payout ratios, floored at 0 and capped at 1. Pure-cash
// accounts are paid first; position-bearing accounts share what remains.
func (p *Perpetual) SetRedemptionRates(totalCollateral math.LegacyDec) {
	zero := math.LegacyZeroDec()
	one := math.LegacyOneDec()
	remaining := math.LegacyMaxDec(totalCollateral, zero)

	if p.TotalMarginWithoutPosition.IsPositive() {
		rate := remaining.Quo(p.TotalMarginWithoutPosition)
		p.RedemptionRateWithoutPosition = math.LegacyMinDec(rate, one)
		remaining = remaining.Sub(p.TotalMarginWithoutPosition.Mul(p.RedemptionRateWithoutPosition))
	} else {
		p.RedemptionRateWithoutPosition = zero
	}

	if p.TotalMarginWithPosition.IsPositive() {
		rate := math.LegacyMaxDec(remaining, zero).Quo(p.TotalMarginWithPosition)
		p.RedemptionRateWithPosition = math.LegacyMinDec(rate, one)
	} else {
		p.RedemptionRateWithPosition = zero
	}
}
