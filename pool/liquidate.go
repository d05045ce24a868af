package pool

import (
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// LiquidationReceipt reports a completed liquidation, trader-signed.
type LiquidationReceipt struct {
	DeltaPosition  math.LegacyDec
	DeltaCash      math.LegacyDec
	Price          math.LegacyDec
	Penalty        math.LegacyDec
	KeeperReward   math.LegacyDec
	InsuranceShare math.LegacyDec
	TraderRebate   math.LegacyDec
}

// LiquidateByAMM closes an unsafe trader's whole position into the AMM at
// the mark price shifted by the penalty rate in the AMM's favor. Any address
// may call it; the keeper reward goes to the caller.
func (p *Pool) LiquidateByAMM(now time.Time, perpetualIndex int, keeper, trader common.Address) (*LiquidationReceipt, error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, account, err := p.liquidatableAccount(now, perpetualIndex, trader, false)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return nil, err
	}
	unitFunding := perp.UnitAccumulatedFunding
	mark := perp.MarkPrice
	rate := perp.Params.LiquidationPenaltyRate

	// a long is bought back below mark, a short is closed out above it; the
	// spread the AMM captures is exactly the penalty
	price := mark.Mul(math.LegacyOneDec().Sub(rate))
	if account.Position.IsNegative() {
		price = mark.Mul(math.LegacyOneDec().Add(rate))
	}
	position := account.Position
	traderDelta := position.Neg()
	traderDeltaCash := position.Mul(price)

	ammAccount := perp.GetOrCreateAccount(p.cfg.PoolAddress)
	oiDelta := longSide(account.Position.Add(traderDelta)).Sub(longSide(account.Position)).
		Add(longSide(ammAccount.Position.Add(position))).
		Sub(longSide(ammAccount.Position))

	account.SettleFunding(unitFunding)
	account.ApplyTrade(traderDelta, traderDeltaCash, unitFunding)
	ammAccount.ApplyTrade(position, traderDeltaCash.Neg(), unitFunding)
	perp.OpenInterest = math.LegacyMaxDec(perp.OpenInterest.Add(oiDelta), math.LegacyZeroDec())

	penalty := mark.Mul(rate).Mul(position.Abs())
	receipt := p.applyPenalty(perp, ammAccount, account, keeper, penalty)
	receipt.DeltaPosition = traderDelta
	receipt.DeltaCash = traderDeltaCash
	receipt.Price = price
	p.settleLiquidated(perp, trader, account, unitFunding)
	p.rebalance(perp)

	p.logger.Info("liquidated by AMM",
		"symbol", perp.Symbol,
		"trader", trader.Hex(),
		"keeper", keeper.Hex(),
		"delta_position", traderDelta.String(),
		"penalty", receipt.Penalty.String(),
	)
	return receipt, nil
}

// LiquidateByTrader transfers part of an unsafe trader's position to the
// liquidator's own margin account at the mark price. amount is the position
// delta handed to the liquidator and must carry the sign of the trader's
// position. A zero limitPrice disables the limit check.
func (p *Pool) LiquidateByTrader(
	now time.Time,
	perpetualIndex int,
	caller, liquidator, trader common.Address,
	amount, limitPrice math.LegacyDec,
	deadline time.Time,
) (*LiquidationReceipt, error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNil() || amount.IsZero() {
		metrics.ReportFuncError(p.svcTags)
		return nil, types.ErrZeroTradeAmount
	}
	if !deadline.IsZero() && now.After(deadline) {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrapf(types.ErrDeadlineExceeded, "deadline %s", deadline)
	}
	if !p.isAuthorized(caller, liquidator, types.PrivilegeLiquidate) {
		metrics.ReportFuncError(p.svcTags)
		return nil, types.ErrUnauthorized
	}
	if liquidator == trader {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrap(types.ErrUnauthorized, "cannot liquidate self")
	}

	perp, account, err := p.liquidatableAccount(now, perpetualIndex, trader, p.cfg.LiquidateAboveMaintenance)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return nil, err
	}
	unitFunding := perp.UnitAccumulatedFunding
	mark := perp.MarkPrice

	if !account.Position.Mul(amount).IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrap(types.ErrInsufficientPosition, "amount must take over the trader's side")
	}
	if amount.Abs().GT(account.Position.Abs()) {
		amount = account.Position
	}
	if !limitPrice.IsNil() && !limitPrice.IsZero() {
		buying := amount.IsPositive()
		if (buying && mark.GT(limitPrice)) || (!buying && mark.LT(limitPrice)) {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrapf(types.ErrPriceExceedsLimit, "mark price %s, limit %s", mark, limitPrice)
		}
	}

	liqAccount := perp.GetOrCreateAccount(liquidator)
	probe := types.MarginAccount{
		Cash:         liqAccount.AvailableCash(unitFunding).Sub(amount.Mul(mark)),
		Position:     liqAccount.Position.Add(amount),
		EntryFunding: liqAccount.Position.Add(amount).Mul(unitFunding),
	}
	if !probe.IsInitialMarginSafe(mark, unitFunding, perp.Params) {
		if liqAccount.IsEmpty() {
			perp.RemoveAccount(liquidator)
		}
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrap(types.ErrMarginUnsafe, "liquidator is unsafe after takeover")
	}

	oiDelta := longSide(account.Position.Sub(amount)).Sub(longSide(account.Position)).
		Add(longSide(liqAccount.Position.Add(amount))).
		Sub(longSide(liqAccount.Position))

	traderDelta := amount.Neg()
	traderDeltaCash := amount.Mul(mark)
	account.SettleFunding(unitFunding)
	account.ApplyTrade(traderDelta, traderDeltaCash, unitFunding)
	liqAccount.SettleFunding(unitFunding)
	liqAccount.ApplyTrade(amount, traderDeltaCash.Neg(), unitFunding)
	perp.OpenInterest = math.LegacyMaxDec(perp.OpenInterest.Add(oiDelta), math.LegacyZeroDec())

	penalty := mark.Mul(perp.Params.LiquidationPenaltyRate).Mul(amount.Abs())
	penalty = math.LegacyMinDec(penalty, math.LegacyMaxDec(account.Margin(mark, unitFunding), math.LegacyZeroDec()))
	receipt := p.applyPenalty(perp, account, account, liquidator, penalty)
	receipt.DeltaPosition = traderDelta
	receipt.DeltaCash = traderDeltaCash
	receipt.Price = mark
	p.settleLiquidated(perp, trader, account, unitFunding)

	p.logger.Info("liquidated by trader",
		"symbol", perp.Symbol,
		"trader", trader.Hex(),
		"liquidator", liquidator.Hex(),
		"delta_position", traderDelta.String(),
		"penalty", receipt.Penalty.String(),
	)
	return receipt, nil
}

// liquidatableAccount validates the perpetual, advances prices and funding,
// and returns the trader's account if it is below the liquidation threshold.
func (p *Pool) liquidatableAccount(now time.Time, perpetualIndex int, trader common.Address, widenWindow bool) (*types.Perpetual, *types.MarginAccount, error) {
	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return nil, nil, err
	}
	if perp.State != types.PerpetualState_Normal {
		return nil, nil, errors.Wrapf(types.ErrInvalidState, "cannot liquidate while %s", perp.State)
	}

	p.advance(now)

	account := perp.GetAccount(trader)
	if account == nil || account.Position.IsZero() {
		return nil, nil, types.ErrAccountNotFound
	}
	unitFunding := perp.UnitAccumulatedFunding
	safe := account.IsMaintenanceMarginSafe(perp.MarkPrice, unitFunding, perp.Params)
	if safe && widenWindow {
		safe = account.IsInitialMarginSafe(perp.MarkPrice, unitFunding, perp.Params)
	}
	if safe {
		return nil, nil, types.ErrTraderSafe
	}
	return perp, account, nil
}

// applyPenalty splits the penalty between the keeper, the insurance fund,
// and a trader rebate, funded out of the payer account. In an AMM
// liquidation the payer is the AMM book that captured the price spread; in a
// trader liquidation the trader pays it directly. The three legs always sum
// to the penalty.
func (p *Pool) applyPenalty(
	perp *types.Perpetual,
	payer, account *types.MarginAccount,
	keeper common.Address,
	penalty math.LegacyDec,
) *LiquidationReceipt {
	keeperReward := math.LegacyMinDec(perp.Params.KeeperGasReward, penalty)
	remainder := penalty.Sub(keeperReward)
	insuranceShare := remainder.Quo(math.LegacyNewDec(2))
	traderRebate := remainder.Sub(insuranceShare)

	payer.Cash = payer.Cash.Sub(penalty)
	account.Cash = account.Cash.Add(traderRebate)
	p.insuranceFund = p.insuranceFund.Add(insuranceShare)
	p.creditFee(keeper, keeperReward)
	perp.TotalCollateral = perp.TotalCollateral.Sub(keeperReward).Sub(insuranceShare)

	return &LiquidationReceipt{
		Penalty:        penalty,
		KeeperReward:   keeperReward,
		InsuranceShare: insuranceShare,
		TraderRebate:   traderRebate,
	}
}

// settleLiquidated covers any margin deficit left on the trader from the
// insurance funds and tears the account down when it is empty. A deficit the
// funds cannot cover freezes the perpetual.
func (p *Pool) settleLiquidated(perp *types.Perpetual, trader common.Address, account *types.MarginAccount, unitFunding math.LegacyDec) {
	margin := account.Margin(perp.MarkPrice, unitFunding)
	if margin.IsNegative() {
		deficit := margin.Neg()
		fromFund := math.LegacyMinDec(deficit, p.insuranceFund)
		p.insuranceFund = p.insuranceFund.Sub(fromFund)
		fromDonated := math.LegacyMinDec(deficit.Sub(fromFund), p.donatedInsuranceFund)
		p.donatedInsuranceFund = p.donatedInsuranceFund.Sub(fromDonated)

		covered := fromFund.Add(fromDonated)
		account.Cash = account.Cash.Add(covered)
		perp.TotalCollateral = perp.TotalCollateral.Add(covered)

		if covered.LT(deficit) {
			p.logger.Error("insurance funds exhausted, freezing perpetual",
				"symbol", perp.Symbol, "uncovered", deficit.Sub(covered).String())
			p.setEmergencyLocked(perp)
			return
		}
	}
	if account.IsEmpty() {
		perp.RemoveAccount(trader)
	}
}
