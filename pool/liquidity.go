package pool

import (
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// AddLiquidity deposits cash into the shared liquidity pool and mints share
// tokens priced off the pool margin before the deposit.
func (p *Pool) AddLiquidity(now time.Time, trader common.Address, cashToAdd math.LegacyDec) (math.LegacyDec, error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, types.ErrPoolNotRunning
	}
	if cashToAdd.IsNil() || !cashToAdd.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidAmount, "cash to add must be positive")
	}

	p.advance(now)

	if p.anyPerpetualIn(types.PerpetualState_Emergency) {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidState, "a perpetual is in emergency")
	}

	ctx, err := p.poolContext()
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, err
	}
	shareToMint, err := ctx.ShareToMint(p.shareTotalSupply, cashToAdd)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, err
	}
	if !shareToMint.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidAmount, "share to mint is zero")
	}

	if err := p.custody.TransferIn(trader, cashToAdd); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyDec{}, errors.Wrap(types.ErrTransferFailed, err.Error())
	}

	p.poolCash = p.poolCash.Add(cashToAdd)
	p.mintShare(trader, shareToMint)

	p.logger.Info("liquidity added",
		"trader", trader.Hex(),
		"cash", cashToAdd.String(),
		"share", shareToMint.String(),
	)
	return shareToMint, nil
}

// RemoveLiquidity burns share tokens and pays out pool cash. Exactly one of
// shareToRemove and cashToReturn must be positive; the other is derived from
// the pool margin. Removal is rejected when it would leave the AMM unsafe or
// over its leverage cap.
func (p *Pool) RemoveLiquidity(now time.Time, trader common.Address, shareToRemove, cashToReturn math.LegacyDec) (burnedShare, returnedCash math.LegacyDec, err error) {
	metrics.ReportFuncCall(p.svcTags)
	defer metrics.ReportFuncTiming(p.svcTags)()
	p.mu.Lock()
	defer p.mu.Unlock()

	zero := math.LegacyZeroDec()
	if shareToRemove.IsNil() {
		shareToRemove = zero
	}
	if cashToReturn.IsNil() {
		cashToReturn = zero
	}
	if shareToRemove.IsPositive() == cashToReturn.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return zero, zero, errors.Wrap(types.ErrInvalidAmount,
			"exactly one of share and cash must be positive")
	}
	if p.shareTotalSupply.IsZero() {
		metrics.ReportFuncError(p.svcTags)
		return zero, zero, types.ErrZeroShareSupply
	}

	p.advance(now)

	if p.anyPerpetualIn(types.PerpetualState_Emergency) {
		metrics.ReportFuncError(p.svcTags)
		return zero, zero, errors.Wrap(types.ErrInvalidState, "a perpetual is in emergency")
	}

	if p.allPerpetualsCleared() {
		burnedShare, returnedCash, err = p.removeAfterClear(trader, shareToRemove, cashToReturn)
	} else {
		burnedShare, returnedCash, err = p.removeRunning(trader, shareToRemove, cashToReturn)
	}
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return zero, zero, err
	}

	if err := p.custody.TransferOut(trader, returnedCash); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return zero, zero, errors.Wrap(types.ErrTransferFailed, err.Error())
	}
	p.burnShare(trader, burnedShare)

	p.logger.Info("liquidity removed",
		"trader", trader.Hex(),
		"share", burnedShare.String(),
		"cash", returnedCash.String(),
	)
	return burnedShare, returnedCash, nil
}

func (p *Pool) removeRunning(trader common.Address, shareToRemove, cashToReturn math.LegacyDec) (math.LegacyDec, math.LegacyDec, error) {
	zero := math.LegacyZeroDec()
	ctx, err := p.poolContext()
	if err != nil {
		return zero, zero, err
	}

	if shareToRemove.IsPositive() {
		cashToReturn, err = ctx.CashToReturn(p.shareTotalSupply, shareToRemove)
	} else {
		shareToRemove, err = ctx.ShareToRemove(p.shareTotalSupply, cashToReturn)
	}
	if err != nil {
		return zero, zero, err
	}
	if shareToRemove.GT(p.shareBalance(trader)) {
		return zero, zero, errors.Wrap(types.ErrInvalidAmount, "insufficient share balance")
	}
	if cashToReturn.GT(p.poolCash) {
		return zero, zero, errors.Wrap(types.ErrInvalidAmount, "insufficient pool cash")
	}
	if err := ctx.CheckRemovalSafety(cashToReturn); err != nil {
		return zero, zero, err
	}
	p.poolCash = p.poolCash.Sub(cashToReturn)

	// once an instrument has settled, the insurance funds are released to
	// leaving LPs in proportion to the shares burned
	if p.anyPerpetualIn(types.PerpetualState_Cleared) {
		fraction := shareToRemove.Quo(p.shareTotalSupply)
		fromInsurance := p.insuranceFund.Mul(fraction)
		fromDonated := p.donatedInsuranceFund.Mul(fraction)
		p.insuranceFund = p.insuranceFund.Sub(fromInsurance)
		p.donatedInsuranceFund = p.donatedInsuranceFund.Sub(fromDonated)
		cashToReturn = cashToReturn.Add(fromInsurance).Add(fromDonated)
	}
	return shareToRemove, cashToReturn, nil
}

// removeAfterClear pays LPs pro rata from what remains once every perpetual
// has settled, insurance funds included.
func (p *Pool) removeAfterClear(trader common.Address, shareToRemove, cashToReturn math.LegacyDec) (math.LegacyDec, math.LegacyDec, error) {
	zero := math.LegacyZeroDec()
	residual := p.poolCash.Add(p.insuranceFund).Add(p.donatedInsuranceFund)
	if !residual.IsPositive() {
		return zero, zero, types.ErrShareTokenNoValue
	}

	if shareToRemove.IsPositive() {
		cashToReturn = residual.Mul(shareToRemove).Quo(p.shareTotalSupply)
	} else {
		shareToRemove = cashToReturn.Mul(p.shareTotalSupply).Quo(residual)
	}
	if shareToRemove.GT(p.shareBalance(trader)) {
		return zero, zero, errors.Wrap(types.ErrInvalidAmount, "insufficient share balance")
	}

	// drain the insurance funds ahead of pool cash
	fromDonated := math.LegacyMinDec(cashToReturn, p.donatedInsuranceFund)
	p.donatedInsuranceFund = p.donatedInsuranceFund.Sub(fromDonated)
	fromInsurance := math.LegacyMinDec(cashToReturn.Sub(fromDonated), p.insuranceFund)
	p.insuranceFund = p.insuranceFund.Sub(fromInsurance)
	p.poolCash = p.poolCash.Sub(cashToReturn.Sub(fromDonated).Sub(fromInsurance))
	return shareToRemove, cashToReturn, nil
}

// DonateLiquidity adds cash to the donated insurance fund. Donations mint no
// shares and cannot be withdrawn while any perpetual is live.
func (p *Pool) DonateLiquidity(now time.Time, donor common.Address, amount math.LegacyDec) error {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNil() || !amount.IsPositive() {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrInvalidAmount, "donation must be positive")
	}
	if err := p.custody.TransferIn(donor, amount); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrTransferFailed, err.Error())
	}
	p.donatedInsuranceFund = p.donatedInsuranceFund.Add(amount)

	p.logger.Info("liquidity donated", "donor", donor.Hex(), "amount", amount.String())
	return nil
}

// ShareBalance returns the trader's share token balance.
func (p *Pool) ShareBalance(trader common.Address) math.LegacyDec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shareBalance(trader)
}

// ShareTotalSupply returns the outstanding share token supply.
func (p *Pool) ShareTotalSupply() math.LegacyDec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shareTotalSupply
}

func (p *Pool) shareBalance(trader common.Address) math.LegacyDec {
	if balance, ok := p.shareBalances[trader]; ok {
		return balance
	}
	return math.LegacyZeroDec()
}

func (p *Pool) mintShare(trader common.Address, amount math.LegacyDec) {
	p.shareBalances[trader] = p.shareBalance(trader).Add(amount)
	p.shareTotalSupply = p.shareTotalSupply.Add(amount)
}

func (p *Pool) burnShare(trader common.Address, amount math.LegacyDec) {
	remaining := p.shareBalance(trader).Sub(amount)
	if remaining.IsZero() {
		delete(p.shareBalances, trader)
	} else {
		p.shareBalances[trader] = remaining
	}
	p.shareTotalSupply = p.shareTotalSupply.Sub(amount)
}

func (p *Pool) anyPerpetualIn(state types.PerpetualState) bool {
	for _, perp := range p.perpetuals {
		if perp.State == state {
			return true
		}
	}
	return false
}

func (p *Pool) allPerpetualsCleared() bool {
	if len(p.perpetuals) == 0 {
		return false
	}
	for _, perp := range p.perpetuals {
		if perp.State != types.PerpetualState_Cleared {
			return false
		}
	}
	return true
}
