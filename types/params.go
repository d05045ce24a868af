package types

import (
	"cosmossdk.io/errors"
	"cosmossdk.io/math"
)

// RiskParams holds the per-perpetual risk configuration. All rates are
// 18-digit fixed-point decimals. Updated only through governance.
type RiskParams struct {
	InitialMarginRate     math.LegacyDec
	MaintenanceMarginRate math.LegacyDec

	OperatorFeeRate    math.LegacyDec
	LPFeeRate          math.LegacyDec
	VaultFeeRate       math.LegacyDec
	ReferralRebateRate math.LegacyDec

	LiquidationPenaltyRate math.LegacyDec
	KeeperGasReward        math.LegacyDec
	InsuranceFundRate      math.LegacyDec

	HalfSpread            math.LegacyDec
	OpenSlippageFactor    math.LegacyDec
	CloseSlippageFactor   math.LegacyDec
	MaxClosePriceDiscount math.LegacyDec

	FundingRateLimit  math.LegacyDec
	FundingRateFactor math.LegacyDec

	AMMMaxLeverage        math.LegacyDec
	DefaultTargetLeverage math.LegacyDec
	MaxOpenInterest       math.LegacyDec
}

// Validate rejects configurations that would make the pricing model
// ill-defined. Called once at perpetual creation and on every governance
// update.
func (p RiskParams) Validate() error {
	requireNonNegative := map[string]math.LegacyDec{
		"operator fee rate":        p.OperatorFeeRate,
		"lp fee rate":              p.LPFeeRate,
		"vault fee rate":           p.VaultFeeRate,
		"referral rebate rate":     p.ReferralRebateRate,
		"liquidation penalty rate": p.LiquidationPenaltyRate,
		"keeper gas reward":        p.KeeperGasReward,
		"insurance fund rate":      p.InsuranceFundRate,
		"half spread":              p.HalfSpread,
		"close slippage factor":    p.CloseSlippageFactor,
		"max close price discount": p.MaxClosePriceDiscount,
		"funding rate limit":       p.FundingRateLimit,
		"funding rate factor":      p.FundingRateFactor,
		"max open interest":        p.MaxOpenInterest,
	}
	for name, v := range requireNonNegative {
		if v.IsNil() || v.IsNegative() {
			return errors.Wrapf(ErrInvalidRiskParams, "%s must be non-negative", name)
		}
	}

	if p.InitialMarginRate.IsNil() || !p.InitialMarginRate.IsPositive() {
		return errors.Wrap(ErrInvalidRiskParams, "initial margin rate must be positive")
	}
	if p.MaintenanceMarginRate.IsNil() || !p.MaintenanceMarginRate.IsPositive() {
		return errors.Wrap(ErrInvalidRiskParams, "maintenance margin rate must be positive")
	}
	if p.MaintenanceMarginRate.GT(p.InitialMarginRate) {
		return errors.Wrap(ErrInvalidRiskParams, "maintenance margin rate exceeds initial margin rate")
	}
	if p.InitialMarginRate.GT(math.LegacyOneDec()) {
		return errors.Wrap(ErrInvalidRiskParams, "initial margin rate exceeds one")
	}
	if p.OpenSlippageFactor.IsNil() || !p.OpenSlippageFactor.IsPositive() {
		return errors.Wrap(ErrInvalidRiskParams, "open slippage factor must be positive")
	}
	if p.CloseSlippageFactor.GT(p.OpenSlippageFactor) {
		return errors.Wrap(ErrInvalidRiskParams, "close slippage factor exceeds open slippage factor")
	}
	if p.MaxClosePriceDiscount.GTE(math.LegacyOneDec()) {
		return errors.Wrap(ErrInvalidRiskParams, "max close price discount must be less than one")
	}
	if p.HalfSpread.GTE(math.LegacyOneDec()) {
		return errors.Wrap(ErrInvalidRiskParams, "half spread must be less than one")
	}
	if p.AMMMaxLeverage.IsNil() || !p.AMMMaxLeverage.IsPositive() {
		return errors.Wrap(ErrInvalidRiskParams, "AMM max leverage must be positive")
	}
	if p.DefaultTargetLeverage.IsNil() || !p.DefaultTargetLeverage.IsPositive() {
		return errors.Wrap(ErrInvalidRiskParams, "default target leverage must be positive")
	}

	return nil
}
