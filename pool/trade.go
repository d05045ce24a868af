package pool

import (
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// TradeFlags tune a single trade request.
type TradeFlags uint32

const (
	// FlagCloseOnly restricts the trade to reducing the existing position;
	// the amount is clipped to the position size.
	FlagCloseOnly TradeFlags = 1 << iota
	// FlagUseTargetLeverage auto-adjusts the trader's cash after the fill
	// so realized leverage matches the account's target.
	FlagUseTargetLeverage
)

// TradeReceipt reports what a trade actually did, trader-signed: a positive
// DeltaPosition means the trader bought from the AMM.
type TradeReceipt struct {
	DeltaPosition math.LegacyDec
	DeltaCash     math.LegacyDec
	LPFee         math.LegacyDec
	OperatorFee   math.LegacyDec
	VaultFee      math.LegacyDec
	ReferralFee   math.LegacyDec
	Price         math.LegacyDec
}

// QueryTrade prices a trader-signed amount against the AMM without touching
// state. With partialFill the fill is clipped to the max tradable magnitude.
func (p *Pool) QueryTrade(perpetualIndex int, amount math.LegacyDec, partialFill bool) (deltaCash, deltaPosition math.LegacyDec, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, err := p.tradingContext(perpetualIndex)
	if err != nil {
		return math.LegacyDec{}, math.LegacyDec{}, err
	}
	result, err := ctx.TradeWithAMM(amount.Neg(), partialFill)
	if err != nil {
		return math.LegacyDec{}, math.LegacyDec{}, err
	}
	return result.DeltaCash.Neg(), result.DeltaPosition.Neg(), nil
}

// Trade executes a trader-vs-AMM trade. amount is the trader's position
// delta (positive = buy). A zero limitPrice disables the limit check; a zero
// deadline never expires. All validation happens before any state mutation,
// so a failed trade leaves the pool untouched.
func (p *Pool) Trade(
	now time.Time,
	perpetualIndex int,
	caller, trader common.Address,
	amount, limitPrice math.LegacyDec,
	deadline time.Time,
	referrer common.Address,
	flags TradeFlags,
) (*TradeReceipt, error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return nil, err
	}
	if perp.State != types.PerpetualState_Normal {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrapf(types.ErrInvalidState, "cannot trade while %s", perp.State)
	}
	if amount.IsNil() || amount.IsZero() {
		metrics.ReportFuncError(p.svcTags)
		return nil, types.ErrZeroTradeAmount
	}
	if !deadline.IsZero() && now.After(deadline) {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrapf(types.ErrDeadlineExceeded, "deadline %s", deadline)
	}
	if !p.isAuthorized(caller, trader, types.PrivilegeTrade) {
		metrics.ReportFuncError(p.svcTags)
		return nil, types.ErrUnauthorized
	}

	p.advance(now)

	if p.closedMarkets[perpetualIndex] {
		metrics.ReportFuncError(p.svcTags)
		return nil, types.ErrMarketClosed
	}

	unitFunding := perp.UnitAccumulatedFunding
	oldPosition := math.LegacyZeroDec()
	oldCash := math.LegacyZeroDec()
	targetLeverage := perp.Params.DefaultTargetLeverage
	if account := perp.GetAccount(trader); account != nil {
		oldPosition = account.Position
		oldCash = account.AvailableCash(unitFunding)
		if !account.TargetLeverage.IsZero() {
			targetLeverage = account.TargetLeverage
		}
	}

	tradeAmount := amount
	if flags&FlagCloseOnly != 0 {
		if oldPosition.IsZero() || !oldPosition.Mul(amount).IsNegative() {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrap(types.ErrInsufficientPosition, "close-only trade must reduce the position")
		}
		if amount.Abs().GT(oldPosition.Abs()) {
			tradeAmount = oldPosition.Neg()
		}
	}

	ctx, err := p.tradingContext(perpetualIndex)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return nil, err
	}
	result, err := ctx.TradeWithAMM(tradeAmount.Neg(), false)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return nil, err
	}
	traderDelta := result.DeltaPosition.Neg()
	traderDeltaCash := result.DeltaCash.Neg()
	price := traderDeltaCash.Neg().Quo(traderDelta)

	if !limitPrice.IsNil() && !limitPrice.IsZero() {
		buying := traderDelta.IsPositive()
		if (buying && price.GT(limitPrice)) || (!buying && price.LT(limitPrice)) {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrapf(types.ErrPriceExceedsLimit, "fill price %s, limit %s", price, limitPrice)
		}
	}

	// fee split on the traded notional; the referral rebate is carved out of
	// the lp and operator shares
	notional := result.DeltaCash.Abs()
	lpFee := notional.Mul(perp.Params.LPFeeRate)
	operatorFee := notional.Mul(perp.Params.OperatorFeeRate)
	vaultFee := notional.Mul(perp.Params.VaultFeeRate)
	referralFee := math.LegacyZeroDec()
	hasReferrer := referrer != (common.Address{}) && perp.Params.ReferralRebateRate.IsPositive()
	if hasReferrer {
		rebateRate := perp.Params.ReferralRebateRate
		referralFee = lpFee.Add(operatorFee).Mul(rebateRate)
		lpFee = lpFee.Mul(math.LegacyOneDec().Sub(rebateRate))
		operatorFee = operatorFee.Mul(math.LegacyOneDec().Sub(rebateRate))
	}
	totalFee := lpFee.Add(operatorFee).Add(vaultFee).Add(referralFee)

	newPosition := oldPosition.Add(traderDelta)
	newCash := oldCash.Add(traderDeltaCash).Sub(totalFee)

	probe := types.MarginAccount{
		Cash:         newCash,
		Position:     newPosition,
		EntryFunding: newPosition.Mul(unitFunding),
	}

	// target-leverage cash adjustment is part of the prospective account, so
	// a deposit-funded open passes the margin check below
	depositAmount := math.LegacyZeroDec()
	withdrawAmount := math.LegacyZeroDec()
	if flags&FlagUseTargetLeverage != 0 {
		depositAmount, withdrawAmount = leverageAdjustment(probe, perp, targetLeverage)
		probe.Cash = probe.Cash.Add(depositAmount).Sub(withdrawAmount)
	}

	opened := newPosition.Abs().GT(oldPosition.Abs()) || newPosition.Mul(oldPosition).IsNegative()
	if opened {
		if !probe.IsInitialMarginSafe(perp.MarkPrice, unitFunding, perp.Params) {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrap(types.ErrMarginUnsafe, "trader is below initial margin after open")
		}
	} else if !probe.IsMaintenanceMarginSafe(perp.MarkPrice, unitFunding, perp.Params) {
		metrics.ReportFuncError(p.svcTags)
		return nil, errors.Wrap(types.ErrMarginUnsafe, "trader is below maintenance margin after close")
	}

	ammAccount := perp.GetOrCreateAccount(p.cfg.PoolAddress)
	oiDelta := longSide(newPosition).Sub(longSide(oldPosition)).
		Add(longSide(ammAccount.Position.Add(result.DeltaPosition))).
		Sub(longSide(ammAccount.Position))
	if oiDelta.IsPositive() && perp.Params.MaxOpenInterest.IsPositive() {
		if perp.OpenInterest.Add(oiDelta).GT(perp.Params.MaxOpenInterest) {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrapf(types.ErrOpenInterestExceeded,
				"open interest %s", perp.OpenInterest.Add(oiDelta))
		}
	}

	// custody settlement of the leverage adjustment happens before any state
	// is written
	if depositAmount.IsPositive() {
		if err := p.custody.TransferIn(trader, depositAmount); err != nil {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrap(types.ErrTransferFailed, err.Error())
		}
		newCash = newCash.Add(depositAmount)
	}
	if withdrawAmount.IsPositive() {
		if err := p.custody.TransferOut(trader, withdrawAmount); err != nil {
			metrics.ReportFuncError(p.svcTags)
			return nil, errors.Wrap(types.ErrTransferFailed, err.Error())
		}
		newCash = newCash.Sub(withdrawAmount)
	}

	// commit
	account := perp.GetOrCreateAccount(trader)
	account.SettleFunding(unitFunding)
	account.Position = newPosition
	account.Cash = newCash
	account.EntryFunding = newPosition.Mul(unitFunding)

	ammAccount.ApplyTrade(result.DeltaPosition, result.DeltaCash.Add(lpFee), unitFunding)

	perp.OpenInterest = math.LegacyMaxDec(perp.OpenInterest.Add(oiDelta), math.LegacyZeroDec())
	perp.TotalCollateral = perp.TotalCollateral.
		Add(depositAmount).
		Sub(withdrawAmount).
		Sub(operatorFee).
		Sub(vaultFee).
		Sub(referralFee)

	p.creditFee(p.cfg.Operator, operatorFee)
	p.creditFee(p.cfg.Vault, vaultFee)
	if hasReferrer {
		p.creditFee(referrer, referralFee)
	}

	if account.IsEmpty() {
		perp.RemoveAccount(trader)
	}
	p.rebalance(perp)

	p.logger.Info("trade executed",
		"symbol", perp.Symbol,
		"trader", trader.Hex(),
		"delta_position", traderDelta.String(),
		"delta_cash", traderDeltaCash.String(),
		"price", price.String(),
	)
	return &TradeReceipt{
		DeltaPosition: traderDelta,
		DeltaCash:     traderDeltaCash,
		LPFee:         lpFee,
		OperatorFee:   operatorFee,
		VaultFee:      vaultFee,
		ReferralFee:   referralFee,
		Price:         price,
	}, nil
}

// leverageAdjustment computes the cash to deposit or withdraw so the margin
// matches |position|*mark/targetLeverage (plus the keeper reward buffer),
// never dropping below the initial margin requirement. A fully closed
// position withdraws its whole remaining margin.
func leverageAdjustment(probe types.MarginAccount, perp *types.Perpetual, targetLeverage math.LegacyDec) (depositAmount, withdrawAmount math.LegacyDec) {
	zero := math.LegacyZeroDec()
	margin := probe.Cash.Add(probe.Position.Mul(perp.MarkPrice))

	if probe.Position.IsZero() {
		return zero, math.LegacyMaxDec(margin, zero)
	}

	required := probe.Position.Abs().Mul(perp.MarkPrice).Quo(targetLeverage).
		Add(perp.Params.KeeperGasReward)
	required = math.LegacyMaxDec(required, probe.InitialMargin(perp.MarkPrice, perp.Params))

	diff := required.Sub(margin)
	if diff.IsPositive() {
		return diff, zero
	}
	return zero, diff.Neg()
}

func longSide(position math.LegacyDec) math.LegacyDec {
	return math.LegacyMaxDec(position, math.LegacyZeroDec())
}
