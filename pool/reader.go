package pool

import (
	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

// AccountSnapshot is a read-only view of a margin account with funding
// settled against the latest accumulator.
type AccountSnapshot struct {
	Trader            common.Address
	Cash              math.LegacyDec
	Position          math.LegacyDec
	Margin            math.LegacyDec
	AvailableCash     math.LegacyDec
	TargetLeverage    math.LegacyDec
	IsInitialSafe     bool
	IsMaintenanceSafe bool
}

// PerpetualSnapshot is a read-only view of one perpetual. IsSynced is false
// until the oracle has been read at least once after creation.
type PerpetualSnapshot struct {
	Index                  int
	Symbol                 string
	State                  types.PerpetualState
	MarkPrice              math.LegacyDec
	IndexPrice             math.LegacyDec
	SettlementPrice        math.LegacyDec
	FundingRate            math.LegacyDec
	UnitAccumulatedFunding math.LegacyDec
	OpenInterest           math.LegacyDec
	TotalCollateral        math.LegacyDec
	NumAccounts            int
	IsMarketClosed         bool
	IsSynced               bool
	Params                 types.RiskParams
}

// PoolSnapshot is a read-only view of the whole pool.
type PoolSnapshot struct {
	Running              bool
	PoolCash             math.LegacyDec
	PoolMargin           math.LegacyDec
	InsuranceFund        math.LegacyDec
	DonatedInsuranceFund math.LegacyDec
	ShareTotalSupply     math.LegacyDec
	Perpetuals           []PerpetualSnapshot
}

// GetPoolSnapshot captures the pool state. PoolMargin is zero when no
// perpetual is live or the AMM is unsafe.
func (p *Pool) GetPoolSnapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := PoolSnapshot{
		Running:              p.running,
		PoolCash:             p.poolCash,
		PoolMargin:           math.LegacyZeroDec(),
		InsuranceFund:        p.insuranceFund,
		DonatedInsuranceFund: p.donatedInsuranceFund,
		ShareTotalSupply:     p.shareTotalSupply,
		Perpetuals:           make([]PerpetualSnapshot, 0, len(p.perpetuals)),
	}
	if ctx, err := p.poolContext(); err == nil {
		if poolMargin, err := ctx.PoolMargin(math.LegacyZeroDec()); err == nil {
			snapshot.PoolMargin = poolMargin
		}
	}
	for i := range p.perpetuals {
		snapshot.Perpetuals = append(snapshot.Perpetuals, p.perpetualSnapshot(i))
	}
	return snapshot
}

// GetPerpetualSnapshot captures one perpetual.
func (p *Pool) GetPerpetualSnapshot(perpetualIndex int) (PerpetualSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.perpetual(perpetualIndex); err != nil {
		return PerpetualSnapshot{}, err
	}
	return p.perpetualSnapshot(perpetualIndex), nil
}

func (p *Pool) perpetualSnapshot(index int) PerpetualSnapshot {
	perp := p.perpetuals[index]
	return PerpetualSnapshot{
		Index:                  index,
		Symbol:                 perp.Symbol,
		State:                  perp.State,
		MarkPrice:              perp.MarkPrice,
		IndexPrice:             perp.IndexPrice,
		SettlementPrice:        perp.SettlementPrice,
		FundingRate:            perp.FundingRate,
		UnitAccumulatedFunding: perp.UnitAccumulatedFunding,
		OpenInterest:           perp.OpenInterest,
		TotalCollateral:        perp.TotalCollateral,
		NumAccounts:            perp.NumAccounts(),
		IsMarketClosed:         p.closedMarkets[index],
		IsSynced:               p.syncedPrices[index],
		Params:                 perp.Params,
	}
}

// GetAccountSnapshot captures a trader's margin account in one perpetual.
func (p *Pool) GetAccountSnapshot(perpetualIndex int, trader common.Address) (AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	perp, err := p.perpetual(perpetualIndex)
	if err != nil {
		return AccountSnapshot{}, err
	}
	account := perp.GetAccount(trader)
	if account == nil {
		return AccountSnapshot{}, errors.Wrapf(types.ErrAccountNotFound, "trader %s", trader.Hex())
	}
	unitFunding := perp.UnitAccumulatedFunding
	return AccountSnapshot{
		Trader:            trader,
		Cash:              account.Cash,
		Position:          account.Position,
		Margin:            account.Margin(perp.MarkPrice, unitFunding),
		AvailableCash:     account.AvailableCash(unitFunding),
		TargetLeverage:    account.TargetLeverage,
		IsInitialSafe:     account.IsInitialMarginSafe(perp.MarkPrice, unitFunding, perp.Params),
		IsMaintenanceSafe: account.IsMaintenanceMarginSafe(perp.MarkPrice, unitFunding, perp.Params),
	}, nil
}
