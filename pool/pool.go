package pool

import (
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/amm"
	"github.com/yashnaman/mai-protocol-v3-sub000/funding"
	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// Config is the pool-level wiring that does not belong to any single
// perpetual.
type Config struct {
	// PoolAddress keys the AMM's own margin account in every perpetual.
	PoolAddress common.Address
	Operator    common.Address
	Vault       common.Address

	// LiquidateAboveMaintenance lets LiquidateByTrader fire while the
	// trader's margin sits between maintenance and initial margin.
	LiquidateAboveMaintenance bool
}

// Pool is one shared-collateral liquidity pool holding several perpetuals.
// Every public operation runs to completion under the pool lock; there is no
// partial interleaving of two operations (single-writer model).
type Pool struct {
	mu      sync.Mutex
	logger  log.Logger
	svcTags metrics.Tags

	cfg        Config
	custody    types.Custody
	authorizer types.Authorizer

	perpetuals    []*types.Perpetual
	closedMarkets []bool
	syncedPrices  []bool

	running              bool
	poolCash             math.LegacyDec
	insuranceFund        math.LegacyDec
	donatedInsuranceFund math.LegacyDec

	shareTotalSupply math.LegacyDec
	shareBalances    map[common.Address]math.LegacyDec

	claimableFees map[common.Address]math.LegacyDec

	lastFundingTime time.Time
}

func New(cfg Config, custody types.Custody, authorizer types.Authorizer, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pool{
		logger:               logger.With("module", types.ModuleName),
		svcTags:              metrics.Tags{"svc": "perp_pool"},
		cfg:                  cfg,
		custody:              custody,
		authorizer:           authorizer,
		poolCash:             math.LegacyZeroDec(),
		insuranceFund:        math.LegacyZeroDec(),
		donatedInsuranceFund: math.LegacyZeroDec(),
		shareTotalSupply:     math.LegacyZeroDec(),
		shareBalances:        make(map[common.Address]math.LegacyDec),
		claimableFees:        make(map[common.Address]math.LegacyDec),
	}
}

// CreatePerpetual registers a new instrument. The perpetual stays in
// INITIALIZING until RunPerpetual moves it to NORMAL.
func (p *Pool) CreatePerpetual(symbol string, oracle types.Oracle, params types.RiskParams) (int, error) {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := types.NewPerpetual(symbol, oracle, params)
	if err != nil {
		metrics.ReportFuncError(p.svcTags)
		return 0, err
	}
	perp.GetOrCreateAccount(p.cfg.PoolAddress)
	p.perpetuals = append(p.perpetuals, perp)
	p.closedMarkets = append(p.closedMarkets, false)
	p.syncedPrices = append(p.syncedPrices, false)

	p.logger.Info("perpetual created", "symbol", symbol, "index", len(p.perpetuals)-1)
	return len(p.perpetuals) - 1, nil
}

// Run marks the pool operational. Liquidity can only be added to a running
// pool.
func (p *Pool) Run() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
}

// RunPerpetual moves a configured perpetual into NORMAL after a first
// successful price sync.
func (p *Pool) RunPerpetual(now time.Time, perpetualIndex int) error {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	p.refreshPrice(now, perpetualIndex, perp)
	if err := perp.Run(); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return err
	}
	p.logger.Info("perpetual running", "symbol", perp.Symbol)
	return nil
}

func (p *Pool) perpetual(index int) (*types.Perpetual, error) {
	if index < 0 || index >= len(p.perpetuals) {
		return nil, errors.Wrapf(types.ErrPerpetualNotFound, "index %d", index)
	}
	return p.perpetuals[index], nil
}

// refreshPrice pulls one oracle observation into the perpetual. A terminated
// oracle forces EMERGENCY. Returns false when the oracle could not be read.
func (p *Pool) refreshPrice(now time.Time, index int, perp *types.Perpetual) bool {
	if perp.State != types.PerpetualState_Normal && perp.State != types.PerpetualState_Initializing {
		p.syncedPrices[index] = true
		return true
	}
	data, err := perp.Oracle.GetPrice(now)
	if err != nil {
		p.logger.Error("oracle read failed", "symbol", perp.Symbol, "err", err)
		p.syncedPrices[index] = false
		return false
	}
	perp.UpdatePrice(data)
	p.closedMarkets[index] = data.IsMarketClosed
	p.syncedPrices[index] = true

	if data.IsTerminated && perp.State == types.PerpetualState_Normal {
		p.setEmergencyLocked(perp)
	}
	return true
}

// advance refreshes prices and settles funding up to now. It is the one
// place time moves forward; every mutating operation calls it first.
func (p *Pool) advance(now time.Time) {
	for i, perp := range p.perpetuals {
		p.refreshPrice(now, i, perp)
	}

	if p.lastFundingTime.IsZero() {
		p.lastFundingTime = now
		return
	}
	elapsed := int64(now.Sub(p.lastFundingTime) / time.Second)
	if elapsed <= 0 {
		return
	}
	p.lastFundingTime = now

	// accrue at the rates that were in force over the elapsed window
	for _, perp := range p.perpetuals {
		if perp.State != types.PerpetualState_Normal {
			continue
		}
		delta := funding.AccumulatedFundingDelta(perp.FundingRate, perp.IndexPrice, elapsed)
		perp.UnitAccumulatedFunding = perp.UnitAccumulatedFunding.Add(delta)
	}
	p.updateFundingRates()
}

// updateFundingRates recomputes each NORMAL perpetual's funding rate from
// the AMM skew against the pool margin.
func (p *Pool) updateFundingRates() {
	exposure, slots := p.exposure()
	ctx, err := amm.NewContext(exposure, -1)
	if err != nil {
		p.logger.Error("funding rate skipped", "err", err)
		return
	}
	poolMargin, err := ctx.PoolMargin(math.LegacyZeroDec())
	if err != nil {
		// unsafe pool: saturate every skewed instrument
		poolMargin = math.LegacyZeroDec()
	}
	for index, slot := range slots {
		if slot < 0 {
			continue
		}
		perp := p.perpetuals[index]
		ammAccount := perp.GetAccount(p.cfg.PoolAddress)
		perp.FundingRate = funding.Rate(
			perp.Params.FundingRateFactor,
			perp.Params.FundingRateLimit,
			perp.IndexPrice,
			ammAccount.Position,
			poolMargin,
		)
	}
}

// exposure builds the AMM-side snapshot over every NORMAL perpetual.
// slots[i] is perpetual i's position inside the snapshot, -1 when excluded.
func (p *Pool) exposure() (amm.PoolExposure, []int) {
	slots := make([]int, len(p.perpetuals))
	out := amm.PoolExposure{
		AvailableCash: p.poolCash,
		Perpetuals:    make([]amm.PerpetualExposure, 0, len(p.perpetuals)),
	}
	for i, perp := range p.perpetuals {
		if perp.State != types.PerpetualState_Normal {
			slots[i] = -1
			continue
		}
		ammAccount := perp.GetOrCreateAccount(p.cfg.PoolAddress)
		out.AvailableCash = out.AvailableCash.Add(ammAccount.AvailableCash(perp.UnitAccumulatedFunding))
		slots[i] = len(out.Perpetuals)
		out.Perpetuals = append(out.Perpetuals, amm.PerpetualExposure{
			IndexPrice:            perp.IndexPrice,
			Position:              ammAccount.Position,
			OpenSlippageFactor:    perp.Params.OpenSlippageFactor,
			CloseSlippageFactor:   perp.Params.CloseSlippageFactor,
			AMMMaxLeverage:        perp.Params.AMMMaxLeverage,
			MaintenanceMarginRate: perp.Params.MaintenanceMarginRate,
			HalfSpread:            perp.Params.HalfSpread,
			MaxClosePriceDiscount: perp.Params.MaxClosePriceDiscount,
		})
	}
	return out, slots
}

func (p *Pool) tradingContext(perpetualIndex int) (*amm.Context, error) {
	exposure, slots := p.exposure()
	if slots[perpetualIndex] < 0 {
		return nil, errors.Wrapf(types.ErrInvalidState, "perpetual %d is not trading", perpetualIndex)
	}
	return amm.NewContext(exposure, slots[perpetualIndex])
}

func (p *Pool) poolContext() (*amm.Context, error) {
	exposure, _ := p.exposure()
	return amm.NewContext(exposure, -1)
}

// rebalance reconciles one perpetual's AMM margin account against its
// initial-margin target; the surplus or deficit flows to or from the shared
// pool cash so each instrument's book stays independently solvent.
func (p *Pool) rebalance(perp *types.Perpetual) {
	ammAccount := perp.GetOrCreateAccount(p.cfg.PoolAddress)
	ammAccount.SettleFunding(perp.UnitAccumulatedFunding)

	margin := ammAccount.Margin(perp.MarkPrice, perp.UnitAccumulatedFunding)
	target := ammAccount.InitialMargin(perp.MarkPrice, perp.Params)
	surplus := margin.Sub(target)

	switch {
	case surplus.IsPositive():
		ammAccount.Cash = ammAccount.Cash.Sub(surplus)
		perp.TotalCollateral = perp.TotalCollateral.Sub(surplus)
		p.poolCash = p.poolCash.Add(surplus)
	case surplus.IsNegative():
		need := surplus.Neg()
		available := math.LegacyMaxDec(p.poolCash, math.LegacyZeroDec())
		take := math.LegacyMinDec(need, available)
		if take.IsPositive() {
			p.poolCash = p.poolCash.Sub(take)
			ammAccount.Cash = ammAccount.Cash.Add(take)
			perp.TotalCollateral = perp.TotalCollateral.Add(take)
		}
	}
}

// setEmergencyLocked freezes a perpetual. The AMM book is rebalanced first
// so the instrument keeps exactly the collateral backing its own risk.
func (p *Pool) setEmergencyLocked(perp *types.Perpetual) {
	p.rebalance(perp)
	if err := perp.SetEmergency(); err != nil {
		p.logger.Error("emergency transition failed", "symbol", perp.Symbol, "err", err)
		return
	}
	p.logger.Info("perpetual entered emergency",
		"symbol", perp.Symbol, "settlement_price", perp.SettlementPrice.String())
}

// SetEmergency is the operator-initiated emergency declaration.
func (p *Pool) SetEmergency(caller common.Address, perpetualIndex int) error {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Operator {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrUnauthorized, "only the operator may declare emergency")
	}
	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	if perp.State != types.PerpetualState_Normal {
		return errors.Wrapf(types.ErrInvalidState, "perpetual is %s", perp.State)
	}
	p.setEmergencyLocked(perp)
	return nil
}

// UpdateRiskParams is the governance hook for risk parameter updates.
func (p *Pool) UpdateRiskParams(caller common.Address, perpetualIndex int, params types.RiskParams) error {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Operator {
		metrics.ReportFuncError(p.svcTags)
		return errors.Wrap(types.ErrUnauthorized, "only the operator may update risk parameters")
	}
	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return err
	}
	perp.Params = params
	p.logger.Info("risk parameters updated", "symbol", perp.Symbol)
	return nil
}

func (p *Pool) isAuthorized(caller, trader common.Address, privilege types.Privilege) bool {
	if caller == trader {
		return true
	}
	if p.authorizer == nil {
		return false
	}
	return p.authorizer.IsGranted(trader, caller, privilege)
}

func (p *Pool) creditFee(recipient common.Address, amount math.LegacyDec) {
	if amount.IsZero() {
		return
	}
	current, ok := p.claimableFees[recipient]
	if !ok {
		current = math.LegacyZeroDec()
	}
	p.claimableFees[recipient] = current.Add(amount)
}

// ClaimableFee reports the accrued operator/vault/referral fees of an
// address.
func (p *Pool) ClaimableFee(recipient common.Address) math.LegacyDec {
	p.mu.Lock()
	defer p.mu.Unlock()
	fee, ok := p.claimableFees[recipient]
	if !ok {
		return math.LegacyZeroDec()
	}
	return fee
}

// ClaimFee pays out the accrued fees of the caller.
func (p *Pool) ClaimFee(recipient common.Address) (math.LegacyDec, error) {
	metrics.ReportFuncCall(p.svcTags)
	p.mu.Lock()
	defer p.mu.Unlock()

	fee, ok := p.claimableFees[recipient]
	if !ok || !fee.IsPositive() {
		return math.LegacyZeroDec(), errors.Wrap(types.ErrInvalidAmount, "no claimable fee")
	}
	if err := p.custody.TransferOut(recipient, fee); err != nil {
		metrics.ReportFuncError(p.svcTags)
		return math.LegacyZeroDec(), errors.Wrap(types.ErrTransferFailed, err.Error())
	}
	delete(p.claimableFees, recipient)
	return fee, nil
}

// InsuranceFund returns the two insurance accumulators.
func (p *Pool) InsuranceFund() (fund, donated math.LegacyDec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insuranceFund, p.donatedInsuranceFund
}

// GetPoolMargin computes the current pool margin; fails when the AMM is
// unsafe.
func (p *Pool) GetPoolMargin() (math.LegacyDec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, err := p.poolContext()
	if err != nil {
		return math.LegacyDec{}, err
	}
	return ctx.PoolMargin(math.LegacyZeroDec())
}
