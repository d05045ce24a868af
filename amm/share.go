package amm

import (
	"cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// Share-token valuation. Shares are priced at poolMargin/totalShare before
// the deposit or withdrawal, so mint and burn are exact inverses for the
// same state.
//
// Cash and pool margin are linked through b(M) = M + S/(2M) with S fixed,
// since changing cash moves b one-for-one and leaves every position term
// untouched.

func (c *Context) cashForPoolMargin(target math.LegacyDec) (math.LegacyDec, error) {
	if !target.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "target pool margin %s", target)
	}
	s := c.squareValueWith(math.LegacyZeroDec())
	return target.Add(s.Quo(target).QuoInt64(2)).Sub(c.PositionValue), nil
}

// ShareToMint values cashToAdd in share tokens. An empty supply mints 1:1
// against the resulting pool margin; a priced supply mints proportionally to
// the pool-margin growth.
func (c *Context) ShareToMint(totalShare, cashToAdd math.LegacyDec) (math.LegacyDec, error) {
	if c.hasTraded {
		return math.LegacyDec{}, errors.Wrap(types.ErrPerpetualNotFound, "share valuation requires a pool-wide context")
	}
	if cashToAdd.IsNil() || !cashToAdd.IsPositive() {
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidAmount, "cash to add must be positive")
	}
	zero := math.LegacyZeroDec()

	after := c.WithCash(cashToAdd)
	newPoolMargin, err := after.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}

	if totalShare.IsZero() {
		if !newPoolMargin.IsPositive() {
			return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", newPoolMargin)
		}
		return newPoolMargin, nil
	}

	poolMargin, err := c.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrShareTokenNoValue, "pool margin %s with share supply %s", poolMargin, totalShare)
	}
	return newPoolMargin.Sub(poolMargin).Mul(totalShare).Quo(poolMargin), nil
}

// CashToAdd inverts ShareToMint: the cash required to mint shareToMint
// shares at the current state.
func (c *Context) CashToAdd(totalShare, shareToMint math.LegacyDec) (math.LegacyDec, error) {
	if c.hasTraded {
		return math.LegacyDec{}, errors.Wrap(types.ErrPerpetualNotFound, "share valuation requires a pool-wide context")
	}
	if shareToMint.IsNil() || !shareToMint.IsPositive() {
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidAmount, "share to mint must be positive")
	}
	zero := math.LegacyZeroDec()

	if totalShare.IsZero() {
		// 1:1 mint: reach a pool margin equal to the minted shares
		target := shareToMint
		currentCash, err := c.cashForPoolMargin(target)
		if err != nil {
			return math.LegacyDec{}, err
		}
		return currentCash.Sub(c.AvailableCash), nil
	}

	poolMargin, err := c.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrShareTokenNoValue, "pool margin %s with share supply %s", poolMargin, totalShare)
	}
	target := poolMargin.Mul(totalShare.Add(shareToMint)).Quo(totalShare)
	targetCash, err := c.cashForPoolMargin(target)
	if err != nil {
		return math.LegacyDec{}, err
	}
	currentCash, err := c.cashForPoolMargin(poolMargin)
	if err != nil {
		return math.LegacyDec{}, err
	}
	return targetCash.Sub(currentCash), nil
}

// CashToReturn values shareToRemove in cash. The caller re-checks pool
// safety with the cash actually removed.
func (c *Context) CashToReturn(totalShare, shareToRemove math.LegacyDec) (math.LegacyDec, error) {
	if c.hasTraded {
		return math.LegacyDec{}, errors.Wrap(types.ErrPerpetualNotFound, "share valuation requires a pool-wide context")
	}
	if !totalShare.IsPositive() {
		return math.LegacyDec{}, types.ErrZeroShareSupply
	}
	if shareToRemove.IsNil() || !shareToRemove.IsPositive() || shareToRemove.GT(totalShare) {
		return math.LegacyDec{}, errors.Wrapf(types.ErrInvalidAmount, "share to remove %s of %s", shareToRemove, totalShare)
	}
	zero := math.LegacyZeroDec()

	poolMargin, err := c.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
	}

	remaining := totalShare.Sub(shareToRemove)
	if remaining.IsZero() {
		// final holder drains the whole margin balance
		return c.marginBalance(), nil
	}
	target := poolMargin.Mul(remaining).Quo(totalShare)
	targetCash, err := c.cashForPoolMargin(target)
	if err != nil {
		return math.LegacyDec{}, err
	}
	currentCash, err := c.cashForPoolMargin(poolMargin)
	if err != nil {
		return math.LegacyDec{}, err
	}
	cashToReturn := currentCash.Sub(targetCash)
	if cashToReturn.IsNegative() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrInvalidAmount, "cash to return %s is negative", cashToReturn)
	}
	return cashToReturn, nil
}

// ShareToRemove inverts CashToReturn: the shares that must be burned to
// withdraw cashToReturn.
func (c *Context) ShareToRemove(totalShare, cashToReturn math.LegacyDec) (math.LegacyDec, error) {
	if c.hasTraded {
		return math.LegacyDec{}, errors.Wrap(types.ErrPerpetualNotFound, "share valuation requires a pool-wide context")
	}
	if !totalShare.IsPositive() {
		return math.LegacyDec{}, types.ErrZeroShareSupply
	}
	if cashToReturn.IsNil() || !cashToReturn.IsPositive() {
		return math.LegacyDec{}, errors.Wrap(types.ErrInvalidAmount, "cash to return must be positive")
	}
	zero := math.LegacyZeroDec()

	poolMargin, err := c.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}
	if !poolMargin.IsPositive() {
		return math.LegacyDec{}, errors.Wrapf(types.ErrPoolMarginNotPositive, "pool margin %s", poolMargin)
	}

	after := c.WithCash(cashToReturn.Neg())
	newPoolMargin, err := after.PoolMargin(zero)
	if err != nil {
		return math.LegacyDec{}, err
	}
	return poolMargin.Sub(newPoolMargin).Mul(totalShare).Quo(poolMargin), nil
}

// CheckRemovalSafety verifies the pool remains solvent after cash has been
// removed: the AMM must still be safe and the remaining pool margin must
// cover every perpetual's leverage requirement.
func (c *Context) CheckRemovalSafety(cashRemoved math.LegacyDec) error {
	after := c.WithCash(cashRemoved.Neg())
	zero := math.LegacyZeroDec()
	if !after.IsAMMSafe(zero) {
		return errors.Wrap(types.ErrAMMUnsafe, "AMM is unsafe after removing liquidity")
	}
	poolMargin, err := after.PoolMargin(zero)
	if err != nil {
		return err
	}
	if !after.IsMaxLeverageSafe(poolMargin) {
		return errors.Wrapf(types.ErrExceedsMaxLeverage,
			"pool margin %s below position margin %s", poolMargin, after.totalPositionMargin())
	}
	return nil
}
