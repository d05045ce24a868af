package pool

import (
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// Clear visits the next pending margin account of an emergency perpetual and
// accumulates its margin into the redemption buckets. The caller earns the
// keeper gas reward. Once every account has been visited the perpetual moves
// to CLEARED and the redemption rates are frozen.
func (p *Pool) Clear(now time.Time, perpetualIndex int, keeper common.Address) error {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	if perp.State != types.PerpetualState_Emergency {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrapf(types.ErrInvalidState, "cannot clear while %s", perp.State)
	}

	addr, ok := perp.NextAccountToClear()
	if !ok {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrAlreadyCleared, "no account left to clear")
	}

	// the AMM's own account does not join the redemption buckets; its margin
	// flows back to the shared pool cash
	if addr == p.cfg.PoolAddress {
		p.absorbAMMAccount(perp)
		addr, ok = perp.NextAccountToClear()
		if !ok {
			return p.finalizeClear(perp)
		}
	}

	if err := perp.MarkClearApplied(addr); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return err
	}

	reward := math.LegacyMinDec(perp.Params.KeeperGasReward, math.LegacyMaxDec(perp.TotalCollateral, math.LegacyZeroDec()))
	if reward.IsPositive() {
		p.creditFee(keeper, reward)
		perp.TotalCollateral = perp.TotalCollateral.Sub(reward)
	}

	p.logger.Info("account cleared", "symbol", perp.Symbol, "trader", addr.Hex())

	if perp.NumPendingClears() == 0 {
		return p.finalizeClear(perp)
	}
	return nil
}

func (p *Pool) absorbAMMAccount(perp *types.Perpetual) {
	account := perp.GetAccount(p.cfg.PoolAddress)
	if account == nil {
		return
	}
	margin := account.Margin(perp.SettlementPrice, perp.UnitAccumulatedFunding)
	p.poolCash = p.poolCash.Add(margin)
	perp.TotalCollateral = perp.TotalCollateral.Sub(margin)
	perp.RemoveAccount(p.cfg.PoolAddress)
}

func (p *Pool) finalizeClear(perp *types.Perpetual) error {
	// guards against a clearing pass that never visited the AMM account
	p.absorbAMMAccount(perp)

	if err := perp.SetCleared(); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return err
	}
	perp.SetRedemptionRates(perp.TotalCollateral)

	p.logger.Info("perpetual cleared",
		"symbol", perp.Symbol,
		"rate_with_position", perp.RedemptionRateWithPosition.String(),
		"rate_without_position", perp.RedemptionRateWithoutPosition.String(),
	)
	return nil
}

// SettleableAccounts lists the accounts of a cleared perpetual that still
// hold a payable balance, in deterministic order.
func (p *Pool) SettleableAccounts(perpetualIndex int) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return nil, err
	}
	if perp.State != types.PerpetualState_Cleared {
		return nil, errors.Wrapf(types.ErrNotCleared, "perpetual is %s", perp.State)
	}
	return perp.SortedAccountAddresses(), nil
}

// Settle pays a trader's redeemable margin out of a cleared perpetual and
// removes the account. The payout is the settlement-price margin, floored at
// zero, scaled by the bucket's redemption rate.
func (p *Pool) Settle(now time.Time, perpetualIndex int, caller, trader common.Address) (math.LegacyDec, error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	zero := math.LegacyZeroDec()
	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return zero, err
	}
	if perp.State != types.PerpetualState_Cleared {
		metrics.ReportFuncError(p.svcTags)
		return zero, errors.Wrapf(types.ErrNotCleared, "perpetual is %s", perp.State)
	}
	if !p.isAuthorized(caller, trader, types.PrivilegeWithdraw) {
		metrics.ReportFuncError(p.svcTags)
		return zero, types.ErrUnauthorized
	}
	account := perp.GetAccount(trader)
	if account == nil {
		metrics.ReportFuncError(p.svcTags)
		return zero, errors.Wrapf(types.ErrAccountNotFound, "trader %s", trader.Hex())
	}

	margin := math.LegacyMaxDec(account.Margin(perp.SettlementPrice, perp.UnitAccumulatedFunding), zero)
	rate := perp.RedemptionRateWithPosition
	if account.Position.IsZero() {
		rate = perp.RedemptionRateWithoutPosition
	}
	payout := margin.Mul(rate)

	if payout.IsPositive() {
		if err := p.custody.TransferOut(trader, payout); err != nil {
			metrics.ReportFuncError(p.svcTags)
			return zero, errors.Wrap(types.ErrTransferFailed, err.Error())
		}
	}
	perp.TotalCollateral = perp.TotalCollateral.Sub(payout)
	perp.RemoveAccount(trader)

	p.logger.Info("account settled",
		"symbol", perp.Symbol,
		"trader", trader.Hex(),
		"payout", payout.String(),
	)
	return payout, nil
}
