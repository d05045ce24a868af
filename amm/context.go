package amm

import (
	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// PerpetualExposure is the slice of pool state the pricing engine needs from
// one perpetual: the AMM's position, the index price and the curve
// parameters.
type PerpetualExposure struct {
	IndexPrice            math.LegacyDec
	Position              math.LegacyDec
	OpenSlippageFactor    math.LegacyDec
	CloseSlippageFactor   math.LegacyDec
	AMMMaxLeverage        math.LegacyDec
	MaintenanceMarginRate math.LegacyDec
	HalfSpread            math.LegacyDec
	MaxClosePriceDiscount math.LegacyDec
}

// PoolExposure is the full AMM-side snapshot of a liquidity pool: the cash
// the AMM can draw on and its exposure in every perpetual.
type PoolExposure struct {
	AvailableCash math.LegacyDec
	Perpetuals    []PerpetualExposure
}

// Context is the prepared input of every pricing computation. The traded
// perpetual is singled out; the remaining perpetuals are folded into the
// aggregates so a trade in one instrument is limited by headroom in the
// others.
type Context struct {
	AvailableCash math.LegacyDec

	// traded perpetual, zero-valued when the context is pool-wide
	Traded    PerpetualExposure
	hasTraded bool

	// aggregates over the other perpetuals
	PositionValue     math.LegacyDec // sum of indexPrice * position
	SquareValue       math.LegacyDec // sum of openSlippage * (indexPrice * position)^2
	PositionMargin    math.LegacyDec // sum of indexPrice * |position| / ammMaxLeverage
	MaintenanceMargin math.LegacyDec // sum of indexPrice * |position| * maintenanceMarginRate
}

// NewContext prepares a pricing context for the perpetual at tradedIndex.
// Pass a negative tradedIndex for pool-wide computations (share valuation,
// funding). Every index price must be positive.
func NewContext(pool PoolExposure, tradedIndex int) (*Context, error) {
	ctx := &Context{
		AvailableCash:     pool.AvailableCash,
		PositionValue:     math.LegacyZeroDec(),
		SquareValue:       math.LegacyZeroDec(),
		PositionMargin:    math.LegacyZeroDec(),
		MaintenanceMargin: math.LegacyZeroDec(),
	}
	if tradedIndex >= len(pool.Perpetuals) {
		return nil, errors.Wrapf(types.ErrPerpetualNotFound, "index %d of %d", tradedIndex, len(pool.Perpetuals))
	}

	for i, perp := range pool.Perpetuals {
		if !perp.IndexPrice.IsPositive() {
			return nil, errors.Wrapf(types.ErrIndexPriceNotPositive, "perpetual %d", i)
		}
		if i == tradedIndex {
			ctx.Traded = perp
			ctx.hasTraded = true
			continue
		}
		positionValue := perp.IndexPrice.Mul(perp.Position)
		ctx.PositionValue = ctx.PositionValue.Add(positionValue)
		ctx.SquareValue = ctx.SquareValue.Add(perp.OpenSlippageFactor.Mul(positionValue).Mul(positionValue))
		notional := positionValue.Abs()
		ctx.PositionMargin = ctx.PositionMargin.Add(notional.Quo(perp.AMMMaxLeverage))
		ctx.MaintenanceMargin = ctx.MaintenanceMargin.Add(notional.Mul(perp.MaintenanceMarginRate))
	}
	return ctx, nil
}

// marginBalance returns b = availableCash + sum(indexPrice * position) over
// every perpetual, including the traded one.
func (c *Context) marginBalance() math.LegacyDec {
	b := c.AvailableCash.Add(c.PositionValue)
	if c.hasTraded {
		b = b.Add(c.Traded.IndexPrice.Mul(c.Traded.Position))
	}
	return b
}

// squareValueWith returns sum(beta * (indexPrice * position)^2) over every
// perpetual, pricing the traded one with the given slippage factor.
func (c *Context) squareValueWith(tradedSlippage math.LegacyDec) math.LegacyDec {
	s := c.SquareValue
	if c.hasTraded {
		positionValue := c.Traded.IndexPrice.Mul(c.Traded.Position)
		s = s.Add(tradedSlippage.Mul(positionValue).Mul(positionValue))
	}
	return s
}

// IsAMMSafe reports whether a non-negative real pool margin exists for the
// current exposure, pricing the traded perpetual's square term with the
// given slippage factor.
func (c *Context) IsAMMSafe(tradedSlippage math.LegacyDec) bool {
	b := c.marginBalance()
	if b.IsNegative() {
		return false
	}
	return b.Mul(b).GTE(c.squareValueWith(tradedSlippage).MulInt64(2))
}

// PoolMargin returns the unique non-negative root M of
//
//	M^2 - b*M + S/2 = 0,  b = cash + sum(P*N),  S = sum(beta*(P*N)^2)
//
// which reduces to availableCash exactly when every AMM position is zero.
func (c *Context) PoolMargin(tradedSlippage math.LegacyDec) (math.LegacyDec, error) {
	b := c.marginBalance()
	s := c.squareValueWith(tradedSlippage)

	discriminant := b.Mul(b).Sub(s.MulInt64(2))
	if b.IsNegative() || discriminant.IsNegative() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrAMMUnsafe,
			"margin balance %s, square value %s", b, s)
	}
	root, err := discriminant.ApproxSqrt()
	if err != nil {
		return math.LegacyDec{}, errors.Wrap(types.ErrNegativeSqrt, err.Error())
	}
	return b.Add(root).QuoInt64(2), nil
}

// PoolMarginForTrade prices the traded square term with the open slippage
// factor, the canonical choice for safety checks and share valuation.
func (c *Context) PoolMarginForTrade() (math.LegacyDec, error) {
	if c.hasTraded {
		return c.PoolMargin(c.Traded.OpenSlippageFactor)
	}
	return c.PoolMargin(math.LegacyZeroDec())
}

// totalMaintenanceMargin covers every perpetual including the traded one.
func (c *Context) totalMaintenanceMargin() math.LegacyDec {
	mm := c.MaintenanceMargin
	if c.hasTraded {
		notional := c.Traded.IndexPrice.Mul(c.Traded.Position).Abs()
		mm = mm.Add(notional.Mul(c.Traded.MaintenanceMarginRate))
	}
	return mm
}

// totalPositionMargin covers every perpetual including the traded one.
func (c *Context) totalPositionMargin() math.LegacyDec {
	pm := c.PositionMargin
	if c.hasTraded {
		notional := c.Traded.IndexPrice.Mul(c.Traded.Position).Abs()
		pm = pm.Add(notional.Quo(c.Traded.AMMMaxLeverage))
	}
	return pm
}

// IsMaxLeverageSafe reports whether the pool margin covers the margin the
// AMM's open positions require at each perpetual's max leverage.
func (c *Context) IsMaxLeverageSafe(poolMargin math.LegacyDec) bool {
	return poolMargin.GTE(c.totalPositionMargin())
}

// IsMaintenanceMarginSafe reports whether the pool margin covers the
// maintenance margin of the AMM's open positions.
func (c *Context) IsMaintenanceMarginSafe(poolMargin math.LegacyDec) bool {
	return poolMargin.GTE(c.totalMaintenanceMargin())
}

// WithCash returns a copy of the context with availableCash shifted by
// delta. Aggregates are unchanged since positions do not move.
func (c *Context) WithCash(delta math.LegacyDec) *Context {
	copied := *c
	copied.AvailableCash = c.AvailableCash.Add(delta)
	return &copied
}
