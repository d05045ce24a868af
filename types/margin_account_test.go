package types

import (
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func testRiskParams() RiskParams {
	return RiskParams{
		InitialMarginRate:      dec("0.1"),
		MaintenanceMarginRate:  dec("0.05"),
		OperatorFeeRate:        dec("0.001"),
		LPFeeRate:              dec("0.001"),
		VaultFeeRate:           dec("0.001"),
		ReferralRebateRate:     dec("0"),
		LiquidationPenaltyRate: dec("0.005"),
		KeeperGasReward:        dec("0.5"),
		InsuranceFundRate:      dec("0.5"),
		HalfSpread:             dec("0"),
		OpenSlippageFactor:     dec("1"),
		CloseSlippageFactor:    dec("1"),
		MaxClosePriceDiscount:  dec("0.2"),
		FundingRateLimit:       dec("0.01"),
		FundingRateFactor:      dec("0.005"),
		AMMMaxLeverage:         dec("5"),
		DefaultTargetLeverage:  dec("5"),
		MaxOpenInterest:        dec("0"),
	}
}

func TestSettleFundingLongPays(t *testing.T) {
	account := NewMarginAccount()
	account.Cash = dec("1000")
	account.Position = dec("10")

	// accumulator rises by 0.3 per unit: the long owes 3
	account.SettleFunding(dec("0.3"))
	assert.True(t, account.Cash.Equal(dec("997")), "cash %s", account.Cash)
	assert.True(t, account.EntryFunding.Equal(dec("3")))

	// settling again at the same accumulator is a no-op
	account.SettleFunding(dec("0.3"))
	assert.True(t, account.Cash.Equal(dec("997")))
}

func TestSettleFundingShortReceives(t *testing.T) {
	account := NewMarginAccount()
	account.Cash = dec("1000")
	account.Position = dec("-10")

	account.SettleFunding(dec("0.3"))
	assert.True(t, account.Cash.Equal(dec("1003")), "cash %s", account.Cash)
}

func TestAvailableCashMatchesSettlement(t *testing.T) {
	account := NewMarginAccount()
	account.Cash = dec("1000")
	account.Position = dec("10")

	preview := account.AvailableCash(dec("0.3"))
	account.SettleFunding(dec("0.3"))
	assert.True(t, preview.Equal(account.Cash))
}

func TestApplyTradeKeepsFundingSnapshot(t *testing.T) {
	account := NewMarginAccount()
	account.Cash = dec("1000")

	account.ApplyTrade(dec("2"), dec("-201"), dec("0.5"))
	assert.True(t, account.Position.Equal(dec("2")))
	assert.True(t, account.Cash.Equal(dec("799")))
	assert.True(t, account.EntryFunding.Equal(dec("1")))

	margin := account.Margin(dec("100"), dec("0.5"))
	assert.True(t, margin.Equal(dec("999")), "margin %s", margin)
}

func TestMarginSafety(t *testing.T) {
	params := testRiskParams()
	mark := dec("100")
	zero := math.LegacyZeroDec()

	account := &MarginAccount{Cash: dec("-89"), Position: dec("1"), EntryFunding: zero}
	// margin 11, initial 10, maintenance 5
	assert.True(t, account.IsInitialMarginSafe(mark, zero, params))
	assert.True(t, account.IsMaintenanceMarginSafe(mark, zero, params))

	account.Cash = dec("-91")
	assert.False(t, account.IsInitialMarginSafe(mark, zero, params))
	assert.True(t, account.IsMaintenanceMarginSafe(mark, zero, params))

	account.Cash = dec("-96")
	assert.False(t, account.IsMaintenanceMarginSafe(mark, zero, params))
	assert.True(t, account.IsMarginSafe(mark, zero))

	account.Cash = dec("-101")
	assert.False(t, account.IsMarginSafe(mark, zero))
}

func TestMarginRequirementsFlooredByKeeperReward(t *testing.T) {
	params := testRiskParams()
	account := &MarginAccount{Cash: dec("1"), Position: dec("0.01"), EntryFunding: dec("0")}

	// notional 1, rate-based requirement 0.1, floored at the keeper reward
	im := account.InitialMargin(dec("100"), params)
	require.True(t, im.Equal(dec("0.5")), "initial margin %s", im)

	flat := &MarginAccount{Cash: dec("1"), Position: dec("0"), EntryFunding: dec("0")}
	assert.True(t, flat.InitialMargin(dec("100"), params).IsZero())
}

func TestIsEmpty(t *testing.T) {
	account := NewMarginAccount()
	assert.True(t, account.IsEmpty())
	account.Cash = dec("1")
	assert.False(t, account.IsEmpty())
}
