package amm

import (
	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// TradeResult is the outcome of pricing one trade against the AMM.
// DeltaPosition is the AMM's position change (negative when the AMM sells),
// DeltaCash the AMM's cash change (positive when the trader pays).
type TradeResult struct {
	DeltaCash     math.LegacyDec
	DeltaPosition math.LegacyDec
}

// splitAmount splits a position delta into the part that closes the current
// position (moves it toward zero) and the part that opens on the other side.
func splitAmount(position, amount math.LegacyDec) (closePart, openPart math.LegacyDec) {
	zero := math.LegacyZeroDec()
	if position.IsZero() || amount.IsZero() || position.Mul(amount).IsPositive() {
		return zero, amount
	}
	if amount.Abs().LTE(position.Abs()) {
		return amount, zero
	}
	return position.Neg(), amount.Add(position)
}

// computeDeltaCash walks the bonding curve for the AMM position moving from
// position0 to position1:
//
//	deltaCash = beta*P^2*(N1^2 - N0^2)/(2M) - P*(N1 - N0)
func computeDeltaCash(poolMargin, indexPrice, position0, position1, slippage math.LegacyDec) (math.LegacyDec, error) {
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
	}
	value0 := indexPrice.Mul(position0)
	value1 := indexPrice.Mul(position1)
	curve := slippage.Mul(value1.Mul(value1).Sub(value0.Mul(value0))).Quo(poolMargin).QuoInt64(2)
	return curve.Sub(value1.Sub(value0)), nil
}

// midPrice is the marginal AMM price at the given position:
//
//	p(N) = P * (1 - beta*P*N/M)
func midPrice(poolMargin, indexPrice, position, slippage math.LegacyDec) math.LegacyDec {
	skew := slippage.Mul(indexPrice).Mul(position).Quo(poolMargin)
	return indexPrice.Mul(math.LegacyOneDec().Sub(skew))
}

// MaxPosition returns the largest position magnitude the AMM may hold in the
// traded perpetual on the given side without breaching its own safety bound,
// the per-perpetual max leverage, or (long side) offering a non-positive
// price.
func (c *Context) MaxPosition(poolMargin math.LegacyDec, isLongSide bool) (math.LegacyDec, error) {
	if !c.hasTraded {
		return math.LegacyDec{}, errors.Wrap(types.ErrPerpetualNotFound, "context has no traded perpetual")
	}
	indexPrice := c.Traded.IndexPrice
	if !indexPrice.IsPositive() {
		return math.LegacyDec{}, types.ErrIndexPriceNotPositive
	}
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
	}
	beta := c.Traded.OpenSlippageFactor
	zero := math.LegacyZeroDec()

	// safety bound: beta*(P*N)^2 <= 2M^2 - S_other
	radicand := poolMargin.Mul(poolMargin).MulInt64(2).Sub(c.SquareValue).Quo(beta)
	if !radicand.IsPositive() {
		return zero, nil
	}
	edge, err := radicand.ApproxSqrt()
	if err != nil {
		return math.LegacyDec{}, errors.Wrap(types.ErrNegativeSqrt, err.Error())
	}
	maxPosition := edge.Quo(indexPrice)

	// leverage bound: the smaller root of
	//   beta*x^2/(2M) - x/lambda + A >= 0,  x = P*|N|,
	//   A = M - positionMargin_other + S_other/(2M)
	lambda := c.Traded.AMMMaxLeverage
	headroom := poolMargin.Sub(c.PositionMargin).Add(c.SquareValue.Quo(poolMargin).QuoInt64(2))
	if !headroom.IsPositive() {
		return zero, nil
	}
	one := math.LegacyOneDec()
	invLambda := one.Quo(lambda)
	discriminant := invLambda.Mul(invLambda).Sub(beta.MulInt64(2).Mul(headroom).Quo(poolMargin))
	if !discriminant.IsNegative() {
		root, err := discriminant.ApproxSqrt()
		if err != nil {
			return math.LegacyDec{}, errors.Wrap(types.ErrNegativeSqrt, err.Error())
		}
		leverageEdge := poolMargin.Quo(beta).Mul(invLambda.Sub(root)).Quo(indexPrice)
		maxPosition = math.LegacyMinDec(maxPosition, math.LegacyMaxDec(leverageEdge, zero))
	}

	// the AMM must keep quoting a positive price while long
	if isLongSide {
		priceEdge := poolMargin.Quo(beta).Quo(indexPrice)
		maxPosition = math.LegacyMinDec(maxPosition, priceEdge)
	}
	return maxPosition, nil
}

// TradeWithAMM prices the AMM position delta `amount` (negative = the AMM
// sells, i.e. the trader buys). The closing part of the delta is priced with
// the close slippage factor, the opening part with the open one. When
// partialFill is set, an opening request beyond the max tradable magnitude
// is clipped instead of rejected; closing is always allowed.
func (c *Context) TradeWithAMM(amount math.LegacyDec, partialFill bool) (TradeResult, error) {
	if !c.hasTraded {
		return TradeResult{}, errors.Wrap(types.ErrPerpetualNotFound, "context has no traded perpetual")
	}
	if amount.IsNil() || amount.IsZero() {
		return TradeResult{}, types.ErrZeroTradeAmount
	}

	closePart, openPart := splitAmount(c.Traded.Position, amount)

	closeCash, err := c.closePosition(closePart)
	if err != nil {
		return TradeResult{}, err
	}

	// advance the context past the closing leg
	work := *c
	work.AvailableCash = c.AvailableCash.Add(closeCash)
	work.Traded.Position = c.Traded.Position.Add(closePart)

	openCash, openFilled, err := work.openPosition(openPart, partialFill)
	if err != nil {
		return TradeResult{}, err
	}

	return TradeResult{
		DeltaCash:     closeCash.Add(openCash),
		DeltaPosition: closePart.Add(openFilled),
	}, nil
}

// closePosition prices the leg that moves the AMM position toward zero.
// A safe AMM quotes the curve with a half-spread clamp; an unsafe AMM quotes
// a flat discount off the index so closing stays possible without worsening
// the position at a price favorable to the trader.
func (c *Context) closePosition(closeAmount math.LegacyDec) (math.LegacyDec, error) {
	zero := math.LegacyZeroDec()
	if closeAmount.IsZero() {
		return zero, nil
	}
	indexPrice := c.Traded.IndexPrice
	beta := c.Traded.CloseSlippageFactor
	one := math.LegacyOneDec()

	position1 := c.Traded.Position.Add(closeAmount)

	var deltaCash math.LegacyDec
	if c.IsAMMSafe(beta) {
		poolMargin, err := c.PoolMargin(beta)
		if err != nil {
			return zero, err
		}
		if !poolMargin.IsPositive() {
			return zero, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
		}
		deltaCash, err = computeDeltaCash(poolMargin, indexPrice, c.Traded.Position, position1, beta)
		if err != nil {
			return zero, err
		}
		// the trader never gets a better price than mid +/- half spread
		bestPrice := midPrice(poolMargin, indexPrice, c.Traded.Position, beta)
		bestPrice = applyHalfSpread(bestPrice, c.Traded.HalfSpread, closeAmount)
		deltaCash = math.LegacyMaxDec(deltaCash, bestPrice.Mul(closeAmount).Neg())

		// the AMM must stay maintenance-safe after giving up the margin
		after := c.WithCash(deltaCash)
		after.Traded.Position = position1
		afterMargin, err := after.PoolMargin(beta)
		if err != nil {
			return zero, errors.Wrap(types.ErrAMMMaintenanceUnsafe, err.Error())
		}
		if !after.IsMaintenanceMarginSafe(afterMargin) {
			return zero, errors.Wrapf(types.ErrAMMMaintenanceUnsafe,
				"pool margin %s after close", afterMargin)
		}
	} else {
		// flat pricing off the index while unsafe
		discount := c.Traded.MaxClosePriceDiscount
		var price math.LegacyDec
		if closeAmount.IsNegative() {
			price = indexPrice.Mul(one.Add(discount))
		} else {
			price = indexPrice.Mul(one.Sub(discount))
		}
		return price.Mul(closeAmount).Neg(), nil
	}

	// clip the average close price into index * (1 +/- maxClosePriceDiscount)
	discount := c.Traded.MaxClosePriceDiscount
	averagePrice := deltaCash.Quo(closeAmount).Neg()
	clipped := math.LegacyMinDec(
		math.LegacyMaxDec(averagePrice, indexPrice.Mul(one.Sub(discount))),
		indexPrice.Mul(one.Add(discount)),
	)
	if !clipped.Equal(averagePrice) {
		deltaCash = clipped.Mul(closeAmount).Neg()
	}
	return deltaCash, nil
}

// openPosition prices the leg that grows the AMM's exposure. Requires a safe
// AMM and clips (or rejects) requests past MaxPosition.
func (c *Context) openPosition(openAmount math.LegacyDec, partialFill bool) (deltaCash, filled math.LegacyDec, err error) {
	zero := math.LegacyZeroDec()
	if openAmount.IsZero() {
		return zero, zero, nil
	}
	beta := c.Traded.OpenSlippageFactor

	if !c.IsAMMSafe(beta) {
		if partialFill {
			return zero, zero, nil
		}
		return zero, zero, types.ErrAMMUnsafeWhenOpen
	}
	poolMargin, err := c.PoolMargin(beta)
	if err != nil {
		return zero, zero, err
	}
	if !poolMargin.IsPositive() {
		return zero, zero, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
	}

	isLongSide := openAmount.IsPositive()
	maxPosition, err := c.MaxPosition(poolMargin, isLongSide)
	if err != nil {
		return zero, zero, err
	}

	position0 := c.Traded.Position
	position1 := position0.Add(openAmount)
	if position1.Abs().GT(maxPosition) {
		if !partialFill {
			return zero, zero, errors.Wrapf(types.ErrExceedsMaxAmount,
				"target position %s, max %s", position1, maxPosition)
		}
		if isLongSide {
			position1 = maxPosition
		} else {
			position1 = maxPosition.Neg()
		}
	}
	filled = position1.Sub(position0)
	if filled.IsZero() || filled.Mul(openAmount).IsNegative() {
		// no headroom left on this side
		return zero, zero, nil
	}

	deltaCash, err = computeDeltaCash(poolMargin, c.Traded.IndexPrice, position0, position1, beta)
	if err != nil {
		return zero, zero, err
	}
	bestPrice := applyHalfSpread(c.Traded.IndexPrice, c.Traded.HalfSpread, filled)
	deltaCash = math.LegacyMaxDec(deltaCash, bestPrice.Mul(filled).Neg())
	return deltaCash, filled, nil
}

// applyHalfSpread shifts a reference price against the trader: up when the
// AMM sells (negative delta), down when it buys.
func applyHalfSpread(price, halfSpread, ammDelta math.LegacyDec) math.LegacyDec {
	one := math.LegacyOneDec()
	if ammDelta.IsNegative() {
		return price.Mul(one.Add(halfSpread))
	}
	return price.Mul(one.Sub(halfSpread))
}
