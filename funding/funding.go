package funding

import (
	"cosmossdk.io/math"
)

// FundingInterval is the accrual period of the funding rate, in seconds.
const FundingInterval = 60 * 60 * 24

// AccumulatedFundingDelta is the amount added to a perpetual's unit
// accumulated funding for elapsed seconds at the current rate:
//
//	delta = fundingRate * indexPrice * elapsed / fundingInterval
//
// Longs pay when the rate is positive.
func AccumulatedFundingDelta(fundingRate, indexPrice math.LegacyDec, elapsedSeconds int64) math.LegacyDec {
	if elapsedSeconds <= 0 || fundingRate.IsZero() {
		return math.LegacyZeroDec()
	}
	return fundingRate.Mul(indexPrice).MulInt64(elapsedSeconds).QuoInt64(FundingInterval)
}

// Rate derives a perpetual's next funding rate from the AMM's position skew
// against the pool margin:
//
//	rate = clamp(factor * (-indexPrice*position/poolMargin), +/-limit)
//
// An AMM short (traders net long) yields a positive rate. When the pool
// margin is not positive the rate saturates at the limit on the side that
// shrinks the skew.
func Rate(factor, limit, indexPrice, position, poolMargin math.LegacyDec) math.LegacyDec {
	if position.IsZero() {
		return math.LegacyZeroDec()
	}
	if !poolMargin.IsPositive() {
		if position.IsNegative() {
			return limit
		}
		return limit.Neg()
	}
	rate := factor.Mul(indexPrice.Mul(position).Quo(poolMargin).Neg())
	rate = math.LegacyMinDec(rate, limit)
	rate = math.LegacyMaxDec(rate, limit.Neg())
	return rate
}
