package types

import (
	"cosmossdk.io/errors"
)

// perpetual pool module sentinel errors
var (
	ErrInvalidState          = errors.Register(ModuleName, 2, "invalid perpetual state")
	ErrPoolNotRunning        = errors.Register(ModuleName, 3, "pool is not running")
	ErrZeroTradeAmount       = errors.Register(ModuleName, 4, "trading amount is zero")
	ErrInvalidAmount         = errors.Register(ModuleName, 5, "amount is invalid")
	ErrDeadlineExceeded      = errors.Register(ModuleName, 6, "deadline exceeded")
	ErrUnauthorized          = errors.Register(ModuleName, 7, "unauthorized caller")
	ErrIndexPriceNotPositive = errors.Register(ModuleName, 8, "index price must be positive")
	ErrAMMUnsafe             = errors.Register(ModuleName, 9, "AMM is unsafe")
	ErrAMMUnsafeWhenOpen     = errors.Register(ModuleName, 10, "AMM is unsafe when open")
	ErrAMMMaintenanceUnsafe  = errors.Register(ModuleName, 11, "AMM is mm unsafe")
	ErrPoolMarginNotPositive = errors.Register(ModuleName, 12, "pool margin must be positive")
	ErrExceedsMaxAmount      = errors.Register(ModuleName, 13, "trade amount exceeds max amount")
	ErrShareTokenNoValue     = errors.Register(ModuleName, 14, "share token has no value")
	ErrZeroShareSupply       = errors.Register(ModuleName, 15, "total supply of share token is zero")
	ErrMarginUnsafe          = errors.Register(ModuleName, 16, "margin unsafe")
	ErrTraderSafe            = errors.Register(ModuleName, 17, "trader is safe")
	ErrPriceExceedsLimit     = errors.Register(ModuleName, 18, "price exceeds limit")
	ErrInsufficientPosition  = errors.Register(ModuleName, 19, "insufficient position to close")
	ErrOpenInterestExceeded  = errors.Register(ModuleName, 20, "open interest exceeds limit")
	ErrMarketClosed          = errors.Register(ModuleName, 21, "market is closed")
	ErrNegativeSqrt          = errors.Register(ModuleName, 22, "square root of negative number")
	ErrInvalidRiskParams     = errors.Register(ModuleName, 23, "invalid risk parameters")
	ErrAccountNotFound       = errors.Register(ModuleName, 24, "margin account not found")
	ErrExceedsMaxLeverage    = errors.Register(ModuleName, 25, "AMM exceeds max leverage")
	ErrPerpetualNotFound     = errors.Register(ModuleName, 26, "perpetual not found")
	ErrNotCleared            = errors.Register(ModuleName, 27, "perpetual not cleared")
	ErrAlreadyCleared        = errors.Register(ModuleName, 28, "account already cleared")
	ErrTransferFailed        = errors.Register(ModuleName, 29, "collateral transfer failed")
)
