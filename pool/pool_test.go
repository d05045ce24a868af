package pool

import (
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

var (
	poolAddr   = common.BytesToAddress([]byte{0xAA})
	operator   = common.BytesToAddress([]byte{0x01})
	vault      = common.BytesToAddress([]byte{0x02})
	lpAddr     = common.BytesToAddress([]byte{0x10})
	trader     = common.BytesToAddress([]byte{0x11})
	liquidator = common.BytesToAddress([]byte{0x12})
	keeper     = common.BytesToAddress([]byte{0x13})
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

type stubOracle struct {
	mark, index math.LegacyDec
	closed      bool
	terminated  bool
	err         error
}

func (o *stubOracle) GetPrice(asOf time.Time) (types.PriceData, error) {
	if o.err != nil {
		return types.PriceData{}, o.err
	}
	return types.PriceData{
		MarkPrice:      o.mark,
		IndexPrice:     o.index,
		IsMarketClosed: o.closed,
		IsTerminated:   o.terminated,
	}, nil
}

func (o *stubOracle) setPrice(s string) {
	o.mark = math.LegacyMustNewDecFromStr(s)
	o.index = o.mark
}

type stubCustody struct {
	in, out map[common.Address]math.LegacyDec
}

func newStubCustody() *stubCustody {
	return &stubCustody{
		in:  make(map[common.Address]math.LegacyDec),
		out: make(map[common.Address]math.LegacyDec),
	}
}

func (c *stubCustody) add(m map[common.Address]math.LegacyDec, trader common.Address, amount math.LegacyDec) {
	current, ok := m[trader]
	if !ok {
		current = math.LegacyZeroDec()
	}
	m[trader] = current.Add(amount)
}

func (c *stubCustody) TransferIn(trader common.Address, amount math.LegacyDec) error {
	c.add(c.in, trader, amount)
	return nil
}

func (c *stubCustody) TransferOut(trader common.Address, amount math.LegacyDec) error {
	c.add(c.out, trader, amount)
	return nil
}

func (c *stubCustody) netIn(trader common.Address) math.LegacyDec {
	in, ok := c.in[trader]
	if !ok {
		in = math.LegacyZeroDec()
	}
	out, ok := c.out[trader]
	if !ok {
		out = math.LegacyZeroDec()
	}
	return in.Sub(out)
}

func poolRiskParams() types.RiskParams {
	return types.RiskParams{
		InitialMarginRate:      dec("0.1"),
		MaintenanceMarginRate:  dec("0.05"),
		OperatorFeeRate:        dec("0.001"),
		LPFeeRate:              dec("0.001"),
		VaultFeeRate:           dec("0.001"),
		ReferralRebateRate:     dec("0.2"),
		LiquidationPenaltyRate: dec("0.05"),
		KeeperGasReward:        dec("0.5"),
		InsuranceFundRate:      dec("0.5"),
		HalfSpread:             dec("0"),
		OpenSlippageFactor:     dec("0.01"),
		CloseSlippageFactor:    dec("0.01"),
		MaxClosePriceDiscount:  dec("0.2"),
		FundingRateLimit:       dec("0.01"),
		FundingRateFactor:      dec("0.005"),
		AMMMaxLeverage:         dec("5"),
		DefaultTargetLeverage:  dec("5"),
		MaxOpenInterest:        dec("0"),
	}
}

type fixture struct {
	t       *testing.T
	pool    *Pool
	oracle  *stubOracle
	custody *stubCustody
	perp    int
	now     time.Time
}

func newFixture(t *testing.T, liquidateAbove bool) *fixture {
	t.Helper()
	oracle := &stubOracle{}
	oracle.setPrice("100")
	custody := newStubCustody()
	p := New(Config{
		PoolAddress:               poolAddr,
		Operator:                  operator,
		Vault:                     vault,
		LiquidateAboveMaintenance: liquidateAbove,
	}, custody, nil, nil)

	index, err := p.CreatePerpetual("ETH-PERP", oracle, poolRiskParams())
	require.NoError(t, err)
	p.Run()

	now := time.Unix(1700000000, 0)
	require.NoError(t, p.RunPerpetual(now, index))

	_, err = p.AddLiquidity(now, lpAddr, dec("10000"))
	require.NoError(t, err)

	return &fixture{t: t, pool: p, oracle: oracle, custody: custody, perp: index, now: now}
}

func (f *fixture) buy(who common.Address, deposit, amount string) *TradeReceipt {
	f.t.Helper()
	require.NoError(f.t, f.pool.Deposit(f.now, f.perp, who, who, dec(deposit)))
	receipt, err := f.pool.Trade(f.now, f.perp, who, who, dec(amount), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.NoError(f.t, err)
	return receipt
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1000")))
	assert.True(t, f.custody.netIn(trader).Equal(dec("1000")))

	require.NoError(t, f.pool.Withdraw(f.now, f.perp, trader, trader, dec("400")))

	// overdrawing fails before any transfer
	err := f.pool.Withdraw(f.now, f.perp, trader, trader, dec("700"))
	require.ErrorIs(t, err, types.ErrMarginUnsafe)

	require.NoError(t, f.pool.Withdraw(f.now, f.perp, trader, trader, dec("600")))
	assert.True(t, f.custody.netIn(trader).IsZero())

	// the emptied account is gone
	_, err = f.pool.GetAccountSnapshot(f.perp, trader)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, false)

	err := f.pool.Deposit(f.now, f.perp, trader, trader, math.LegacyZeroDec())
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	// caller may not move someone else's collateral without a grant
	err = f.pool.Deposit(f.now, f.perp, keeper, trader, dec("1"))
	require.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = f.pool.GetAccountSnapshot(f.perp, trader)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestTradeOpenLong(t *testing.T) {
	f := newFixture(t, false)
	receipt := f.buy(trader, "1000", "1")

	// flat pool margin 10000: deltaCash = 0.01*100^2/(2*10000) + 100
	assert.True(t, receipt.Price.Equal(dec("100.005")), "price %s", receipt.Price)
	assert.True(t, receipt.DeltaPosition.Equal(dec("1")))
	assert.True(t, receipt.DeltaCash.Equal(dec("-100.005")))

	account, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	assert.True(t, account.Position.Equal(dec("1")))

	ammAccount, err := f.pool.GetAccountSnapshot(f.perp, poolAddr)
	require.NoError(t, err)
	assert.True(t, ammAccount.Position.Equal(dec("-1")))

	// operator and vault fees accrue as claimables, lp fee stays in the book
	assert.True(t, f.pool.ClaimableFee(operator).Equal(receipt.OperatorFee))
	assert.True(t, f.pool.ClaimableFee(vault).Equal(receipt.VaultFee))
	assert.True(t, receipt.ReferralFee.IsZero())

	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	assert.True(t, snapshot.OpenInterest.Equal(dec("1")))
}

func TestTradeRebalancesAMMToInitialMargin(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "1000", "1")

	ammAccount, err := f.pool.GetAccountSnapshot(f.perp, poolAddr)
	require.NoError(t, err)
	// short 1 at mark 100 with initial margin rate 0.1
	assert.True(t, ammAccount.Margin.Equal(dec("10")), "amm margin %s", ammAccount.Margin)
}

func TestTradeCloseRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "1000", "1")

	receipt, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("-1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.NoError(t, err)
	assert.True(t, receipt.DeltaPosition.Equal(dec("-1")))

	account, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	assert.True(t, account.Position.IsZero())
	// the round trip costs spread and fees
	assert.True(t, account.Cash.LT(dec("1000")))

	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	assert.True(t, snapshot.OpenInterest.IsZero())
}

func TestTradeLimitPrice(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1000")))

	_, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), dec("100"), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrPriceExceedsLimit)

	_, err = f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), dec("101"), time.Time{}, common.Address{}, 0)
	require.NoError(t, err)
}

func TestTradeValidation(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1000")))

	_, err := f.pool.Trade(f.now, f.perp, trader, trader, math.LegacyZeroDec(), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrZeroTradeAmount)

	expired := f.now.Add(-time.Minute)
	_, err = f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), expired, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrDeadlineExceeded)

	_, err = f.pool.Trade(f.now, f.perp, keeper, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	// close-only on a flat account
	_, err = f.pool.Trade(f.now, f.perp, trader, trader, dec("-1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, FlagCloseOnly)
	require.ErrorIs(t, err, types.ErrInsufficientPosition)

	_, err = f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.NoError(t, err)

	// close-only never flips the position
	receipt, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("-5"), math.LegacyZeroDec(), time.Time{}, common.Address{}, FlagCloseOnly)
	require.NoError(t, err)
	assert.True(t, receipt.DeltaPosition.Equal(dec("-1")))
}

func TestTradeOpenRequiresInitialMargin(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("5")))

	_, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrMarginUnsafe)

	// the target-leverage flag tops the account up instead
	receipt, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, FlagUseTargetLeverage)
	require.NoError(t, err)
	require.True(t, receipt.DeltaPosition.Equal(dec("1")))

	account, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	assert.True(t, account.IsInitialSafe)
	// leverage 5 with keeper reward buffer: margin = 100/5 + 0.5
	assert.True(t, account.Margin.Equal(dec("20.5")), "margin %s", account.Margin)
}

func TestTradeReferralRebate(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1000")))
	referrer := common.BytesToAddress([]byte{0x14})

	receipt, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, referrer, 0)
	require.NoError(t, err)

	require.True(t, receipt.ReferralFee.IsPositive())
	assert.True(t, f.pool.ClaimableFee(referrer).Equal(receipt.ReferralFee))

	// the rebate is carved out of the lp+operator shares at the rebate rate
	notional := receipt.DeltaCash.Abs()
	grossLPAndOperator := notional.Mul(dec("0.002"))
	assert.True(t, receipt.ReferralFee.Equal(grossLPAndOperator.Mul(dec("0.2"))))
}

func TestOpenInterestCap(t *testing.T) {
	f := newFixture(t, false)
	params := poolRiskParams()
	params.MaxOpenInterest = dec("0.5")
	require.NoError(t, f.pool.UpdateRiskParams(operator, f.perp, params))

	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1000")))
	_, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrOpenInterestExceeded)
}

func TestFundingAccrualLongPays(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "5000", "10")

	// first boundary sets the rate from the AMM short skew
	f.now = f.now.Add(24 * time.Hour)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1")))
	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	require.True(t, snapshot.FundingRate.IsPositive(), "rate %s", snapshot.FundingRate)

	before, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)

	// second boundary accrues at that rate; the long pays
	f.now = f.now.Add(24 * time.Hour)
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1")))

	snapshot, err = f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	require.True(t, snapshot.UnitAccumulatedFunding.IsPositive())

	after, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	assert.True(t, after.AvailableCash.LT(before.AvailableCash.Add(dec("1"))),
		"before %s after %s", before.AvailableCash, after.AvailableCash)
}

func TestRemoveLiquidityRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	require.True(t, f.pool.ShareTotalSupply().Equal(dec("10000")))
	require.True(t, f.pool.ShareBalance(lpAddr).Equal(dec("10000")))

	// flat pool: shares redeem 1:1
	burned, returned, err := f.pool.RemoveLiquidity(f.now, lpAddr, dec("4000"), math.LegacyZeroDec())
	require.NoError(t, err)
	assert.True(t, burned.Equal(dec("4000")))
	assert.True(t, returned.Equal(dec("4000")))

	burned, returned, err = f.pool.RemoveLiquidity(f.now, lpAddr, math.LegacyZeroDec(), dec("1000"))
	require.NoError(t, err)
	assert.True(t, returned.Equal(dec("1000")))
	assert.True(t, burned.Sub(dec("1000")).Abs().LT(dec("0.000001")), "burned %s", burned)
}

func TestRemoveLiquidityValidation(t *testing.T) {
	f := newFixture(t, false)

	_, _, err := f.pool.RemoveLiquidity(f.now, lpAddr, dec("1"), dec("1"))
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	_, _, err = f.pool.RemoveLiquidity(f.now, lpAddr, math.LegacyZeroDec(), math.LegacyZeroDec())
	require.ErrorIs(t, err, types.ErrInvalidAmount)

	// more shares than the holder owns
	_, _, err = f.pool.RemoveLiquidity(f.now, lpAddr, dec("10001"), math.LegacyZeroDec())
	require.ErrorIs(t, err, types.ErrInvalidAmount)
}

func TestRemoveLiquidityBlockedByAMMExposure(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "50000", "400")

	// position margin 400*100/5 = 8000: draining the pool must fail
	_, _, err := f.pool.RemoveLiquidity(f.now, lpAddr, dec("9900"), math.LegacyZeroDec())
	require.Error(t, err)
}

func TestDonateLiquidity(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pool.DonateLiquidity(f.now, keeper, dec("250")))

	_, donated := f.pool.InsuranceFund()
	assert.True(t, donated.Equal(dec("250")))
	// donations mint no shares
	assert.True(t, f.pool.ShareTotalSupply().Equal(dec("10000")))
}

func TestRemoveLiquidityReleasesInsuranceWhenCleared(t *testing.T) {
	f := newFixture(t, false)

	oracle2 := &stubOracle{}
	oracle2.setPrice("50")
	second, err := f.pool.CreatePerpetual("BTC-PERP", oracle2, poolRiskParams())
	require.NoError(t, err)
	require.NoError(t, f.pool.RunPerpetual(f.now, second))

	require.NoError(t, f.pool.DonateLiquidity(f.now, keeper, dec("300")))
	require.NoError(t, f.pool.SetEmergency(operator, second))
	for {
		snapshot, err := f.pool.GetPerpetualSnapshot(second)
		require.NoError(t, err)
		if snapshot.State == types.PerpetualState_Cleared {
			break
		}
		require.NoError(t, f.pool.Clear(f.now, second, keeper))
	}

	// the first perpetual still trades; burning a tenth of the shares takes
	// a tenth of the released funds along
	burned, returned, err := f.pool.RemoveLiquidity(f.now, lpAddr, dec("1000"), math.LegacyZeroDec())
	require.NoError(t, err)
	assert.True(t, burned.Equal(dec("1000")))
	assert.True(t, returned.Equal(dec("1030")), "returned %s", returned)

	_, donated := f.pool.InsuranceFund()
	assert.True(t, donated.Equal(dec("270")))
}

func TestLiquidateByAMMPenaltyConservation(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "15", "1")

	_, err := f.pool.LiquidateByAMM(f.now, f.perp, keeper, trader)
	require.ErrorIs(t, err, types.ErrTraderSafe)

	f.oracle.setPrice("89")
	receipt, err := f.pool.LiquidateByAMM(f.now, f.perp, keeper, trader)
	require.NoError(t, err)

	// the long is bought back at mark discounted by the penalty rate
	assert.True(t, receipt.Price.Equal(dec("84.55")), "price %s", receipt.Price)
	assert.True(t, receipt.DeltaPosition.Equal(dec("-1")))
	assert.True(t, receipt.DeltaCash.Equal(dec("84.55")))
	assert.True(t, receipt.Penalty.Equal(dec("4.45")))
	assert.True(t, receipt.KeeperReward.Equal(dec("0.5")))
	assert.True(t, receipt.InsuranceShare.Equal(dec("1.975")))

	total := receipt.KeeperReward.Add(receipt.InsuranceShare).Add(receipt.TraderRebate)
	assert.True(t, total.Equal(receipt.Penalty), "split %s of %s", total, receipt.Penalty)

	fund, _ := f.pool.InsuranceFund()
	assert.True(t, fund.Equal(receipt.InsuranceShare))
	assert.True(t, f.pool.ClaimableFee(keeper).Equal(receipt.KeeperReward))

	account, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	assert.True(t, account.Position.IsZero())
	assert.False(t, account.Margin.IsNegative())
}

func TestLiquidateByAMMShortClosesAboveMark(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "15", "-1")

	f.oracle.setPrice("110")
	receipt, err := f.pool.LiquidateByAMM(f.now, f.perp, keeper, trader)
	require.NoError(t, err)

	// the short buys back at mark marked up by the penalty rate
	assert.True(t, receipt.Price.Equal(dec("115.5")), "price %s", receipt.Price)
	assert.True(t, receipt.DeltaPosition.Equal(dec("1")))
	assert.True(t, receipt.DeltaCash.Equal(dec("-115.5")))
	assert.True(t, receipt.Penalty.Equal(dec("5.5")))

	total := receipt.KeeperReward.Add(receipt.InsuranceShare).Add(receipt.TraderRebate)
	assert.True(t, total.Equal(receipt.Penalty))

	// the AMM absorbed the short and is flat again
	ammAccount, err := f.pool.GetAccountSnapshot(f.perp, poolAddr)
	require.NoError(t, err)
	assert.True(t, ammAccount.Position.IsZero())
}

func TestLiquidateByTraderPenaltyConservation(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "15", "1")
	require.NoError(t, f.pool.Deposit(f.now, f.perp, liquidator, liquidator, dec("100")))

	f.oracle.setPrice("89")
	receipt, err := f.pool.LiquidateByTrader(f.now, f.perp, liquidator, liquidator, trader, dec("1"), math.LegacyZeroDec(), time.Time{})
	require.NoError(t, err)

	assert.True(t, receipt.Price.Equal(dec("89")))
	total := receipt.KeeperReward.Add(receipt.InsuranceShare).Add(receipt.TraderRebate)
	assert.True(t, total.Equal(receipt.Penalty))

	liqAccount, err := f.pool.GetAccountSnapshot(f.perp, liquidator)
	require.NoError(t, err)
	assert.True(t, liqAccount.Position.Equal(dec("1")))

	// the AMM's book is untouched by a trader-side liquidation
	ammAccount, err := f.pool.GetAccountSnapshot(f.perp, poolAddr)
	require.NoError(t, err)
	assert.True(t, ammAccount.Position.Equal(dec("-1")))
}

func TestLiquidateByTraderPolicyFlag(t *testing.T) {
	// margin between maintenance and initial: cash -85.305 + mark 93 = 7.695,
	// maintenance 4.65, initial 9.3
	strict := newFixture(t, false)
	strict.buy(trader, "15", "1")
	require.NoError(t, strict.pool.Deposit(strict.now, strict.perp, liquidator, liquidator, dec("100")))
	strict.oracle.setPrice("93")
	_, err := strict.pool.LiquidateByTrader(strict.now, strict.perp, liquidator, liquidator, trader, dec("1"), math.LegacyZeroDec(), time.Time{})
	require.ErrorIs(t, err, types.ErrTraderSafe)

	lenient := newFixture(t, true)
	lenient.buy(trader, "15", "1")
	require.NoError(t, lenient.pool.Deposit(lenient.now, lenient.perp, liquidator, liquidator, dec("100")))
	lenient.oracle.setPrice("93")
	_, err = lenient.pool.LiquidateByTrader(lenient.now, lenient.perp, liquidator, liquidator, trader, dec("1"), math.LegacyZeroDec(), time.Time{})
	require.NoError(t, err)
}

func TestLiquidateSelfRejected(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "15", "1")
	f.oracle.setPrice("89")

	_, err := f.pool.LiquidateByTrader(f.now, f.perp, trader, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{})
	require.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestOracleTerminationForcesEmergency(t *testing.T) {
	f := newFixture(t, false)
	f.oracle.terminated = true

	// the termination is observed on the next price refresh
	require.NoError(t, f.pool.Deposit(f.now, f.perp, trader, trader, dec("1")))

	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	assert.Equal(t, types.PerpetualState_Emergency, snapshot.State)
	assert.True(t, snapshot.SettlementPrice.Equal(dec("100")))

	err = f.pool.Deposit(f.now, f.perp, trader, trader, dec("1"))
	require.ErrorIs(t, err, types.ErrInvalidState)

	// liquidity is frozen until the perpetual settles
	_, err = f.pool.AddLiquidity(f.now, lpAddr, dec("100"))
	require.ErrorIs(t, err, types.ErrInvalidState)
	_, _, err = f.pool.RemoveLiquidity(f.now, lpAddr, dec("100"), math.LegacyZeroDec())
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEmergencyClearSettle(t *testing.T) {
	f := newFixture(t, false)
	f.buy(trader, "1000", "1")

	require.ErrorIs(t, f.pool.SetEmergency(trader, f.perp), types.ErrUnauthorized)
	require.NoError(t, f.pool.SetEmergency(operator, f.perp))

	// trading is frozen from here on
	_, err := f.pool.Trade(f.now, f.perp, trader, trader, dec("1"), math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
	require.ErrorIs(t, err, types.ErrInvalidState)

	// clear every account, then the state flips to CLEARED
	for {
		err := f.pool.Clear(f.now, f.perp, keeper)
		if err != nil {
			require.ErrorIs(t, err, types.ErrAlreadyCleared)
			break
		}
		snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
		require.NoError(t, err)
		if snapshot.State == types.PerpetualState_Cleared {
			break
		}
	}

	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	require.Equal(t, types.PerpetualState_Cleared, snapshot.State)

	settleable, err := f.pool.SettleableAccounts(f.perp)
	require.NoError(t, err)
	require.Contains(t, settleable, trader)

	account, err := f.pool.GetAccountSnapshot(f.perp, trader)
	require.NoError(t, err)
	marginAtSettlement := account.AvailableCash.Add(account.Position.Mul(snapshot.SettlementPrice))

	payout, err := f.pool.Settle(f.now, f.perp, trader, trader)
	require.NoError(t, err)
	assert.False(t, payout.IsNegative())
	assert.True(t, payout.LTE(marginAtSettlement))
	assert.True(t, f.custody.out[trader].Equal(payout))

	// settling twice fails
	_, err = f.pool.Settle(f.now, f.perp, trader, trader)
	require.ErrorIs(t, err, types.ErrAccountNotFound)
}

func TestSettleRequiresClearedState(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.pool.Settle(f.now, f.perp, trader, trader)
	require.ErrorIs(t, err, types.ErrNotCleared)

	require.ErrorIs(t, f.pool.Clear(f.now, f.perp, keeper), types.ErrInvalidState)
}

func TestClaimFee(t *testing.T) {
	f := newFixture(t, false)
	receipt := f.buy(trader, "1000", "1")

	claimed, err := f.pool.ClaimFee(operator)
	require.NoError(t, err)
	assert.True(t, claimed.Equal(receipt.OperatorFee))
	assert.True(t, f.custody.out[operator].Equal(claimed))

	_, err = f.pool.ClaimFee(operator)
	require.ErrorIs(t, err, types.ErrInvalidAmount)
}

func TestQueryTradeDoesNotMutate(t *testing.T) {
	f := newFixture(t, false)

	deltaCash, deltaPosition, err := f.pool.QueryTrade(f.perp, dec("1"), false)
	require.NoError(t, err)
	assert.True(t, deltaPosition.Equal(dec("1")))
	assert.True(t, deltaCash.Equal(dec("-100.005")), "delta cash %s", deltaCash)

	snapshot, err := f.pool.GetPerpetualSnapshot(f.perp)
	require.NoError(t, err)
	assert.True(t, snapshot.OpenInterest.IsZero())

	ammAccount, err := f.pool.GetAccountSnapshot(f.perp, poolAddr)
	require.NoError(t, err)
	assert.True(t, ammAccount.Position.IsZero())
}
