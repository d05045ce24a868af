package pool

import (
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// Deposit moves collateral from the trader into their margin account. The
// account is created lazily on first deposit.
func (p *Pool) Deposit(now time.Time, perpetualIndex int, caller, trader common.Address, amount math.LegacyDec) error {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	if perp.State != types.PerpetualState_Normal {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrapf(types.ErrInvalidState, "cannot deposit while %s", perp.State)
	}
	if amount.IsNil() || !amount.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrInvalidAmount, "deposit amount must be positive")
	}
	if !p.isAuthorized(caller, trader, types.PrivilegeDeposit) {
		metrics.ReportFuncError(p.svcTags)
		return types.ErrUnauthorized
	}

	p.advance(now)

	if err := p.custody.TransferIn(trader, amount); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrTransferFailed, err.Error())
	}

	account := perp.GetOrCreateAccount(trader)
	account.SettleFunding(perp.UnitAccumulatedFunding)
	account.Cash = account.Cash.Add(amount)
	perp.TotalCollateral = perp.TotalCollateral.Add(amount)

	p.logger.Debug("deposit", "symbol", perp.Symbol, "trader", trader.Hex(), "amount", amount.String())
	return nil
}

// Withdraw returns collateral to the trader; the account must stay
// initial-margin safe afterwards.
func (p *Pool) Withdraw(now time.Time, perpetualIndex int, caller, trader common.Address, amount math.LegacyDec) error {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	if perp.State != types.PerpetualState_Normal {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrapf(types.ErrInvalidState, "cannot withdraw while %s", perp.State)
	}
	if amount.IsNil() || !amount.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrInvalidAmount, "withdraw amount must be positive")
	}
	if !p.isAuthorized(caller, trader, types.PrivilegeWithdraw) {
		metrics.ReportFuncError(p.svcTags)
		return types.ErrUnauthorized
	}

	p.advance(now)

	account := perp.GetAccount(trader)
	if account == nil {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrapf(types.ErrAccountNotFound, "trader %s", trader.Hex())
	}
	account.SettleFunding(perp.UnitAccumulatedFunding)

	remaining := account.Cash.Sub(amount)
	probe := types.MarginAccount{
		Cash:         remaining,
		Position:     account.Position,
		EntryFunding: account.EntryFunding,
	}
	if !probe.IsInitialMarginSafe(perp.MarkPrice, perp.UnitAccumulatedFunding, perp.Params) {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrMarginUnsafe, "withdrawal would break initial margin")
	}

	if err := p.custody.TransferOut(trader, amount); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrTransferFailed, err.Error())
	}

	account.Cash = remaining
	perp.TotalCollateral = perp.TotalCollateral.Sub(amount)
	if account.IsEmpty() {
		perp.RemoveAccount(trader)
	}

	p.logger.Debug("withdraw", "symbol", perp.Symbol, "trader", trader.Hex(), "amount", amount.String())
	return nil
}
