package types

import (
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// PriceData is one oracle observation.
type PriceData struct {
	MarkPrice      math.LegacyDec
	IndexPrice     math.LegacyDec
	IsMarketClosed bool
	IsTerminated   bool
}

// Oracle supplies mark/index prices for one underlying. The engine calls it
// once per settlement point; a terminated oracle forces the perpetual into
// EMERGENCY.
type Oracle interface {
	GetPrice(asOf time.Time) (PriceData, error)
}

// Custody moves collateral between traders and the pool. Failures propagate
// as the failure of the surrounding operation.
type Custody interface {
	TransferIn(trader common.Address, amount math.LegacyDec) error
	TransferOut(trader common.Address, amount math.LegacyDec) error
}

// Authorizer answers delegated authorization checks for acting on behalf of
// another trader. Privileges follow the trade/withdraw split of the source
// system.
type Authorizer interface {
	IsGranted(trader, caller common.Address, privilege Privilege) bool
}

type Privilege int

const (
	PrivilegeDeposit Privilege = iota + 1
	PrivilegeWithdraw
	PrivilegeTrade
	PrivilegeLiquidate
)
