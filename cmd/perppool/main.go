package main

import (
	"fmt"
	"os"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/yashnaman/mai-protocol-v3-sub000/pool"
	"github.com/yashnaman/mai-protocol-v3-sub000/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "perppool",
		Short:        "Perpetual AMM pool engine tools",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// staticOracle quotes a fixed price, enough for local simulation.
type staticOracle struct {
	price math.LegacyDec
}

func (o *staticOracle) GetPrice(asOf time.Time) (types.PriceData, error) {
	return types.PriceData{MarkPrice: o.price, IndexPrice: o.price}, nil
}

// ledgerCustody tracks net collateral flows in memory.
type ledgerCustody struct {
	flows map[common.Address]math.LegacyDec
}

func (c *ledgerCustody) apply(trader common.Address, amount math.LegacyDec) {
	current, ok := c.flows[trader]
	if !ok {
		current = math.LegacyZeroDec()
	}
	c.flows[trader] = current.Add(amount)
}

func (c *ledgerCustody) TransferIn(trader common.Address, amount math.LegacyDec) error {
	c.apply(trader, amount)
	return nil
}

func (c *ledgerCustody) TransferOut(trader common.Address, amount math.LegacyDec) error {
	c.apply(trader, amount.Neg())
	return nil
}

func simulateCmd() *cobra.Command {
	var (
		indexPrice string
		liquidity  string
		tradeSize  string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a local pool with one perpetual and a series of trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle := &staticOracle{price: math.LegacyMustNewDecFromStr(indexPrice)}
			custody := &ledgerCustody{flows: make(map[common.Address]math.LegacyDec)}
			logger := log.NewLogger(os.Stderr)

			p := pool.New(pool.Config{
				PoolAddress: common.BytesToAddress([]byte{0xAA}),
				Operator:    common.BytesToAddress([]byte{0x01}),
				Vault:       common.BytesToAddress([]byte{0x02}),
			}, custody, nil, logger)

			params := types.RiskParams{
				InitialMarginRate:      math.LegacyMustNewDecFromStr("0.1"),
				MaintenanceMarginRate:  math.LegacyMustNewDecFromStr("0.05"),
				OperatorFeeRate:        math.LegacyMustNewDecFromStr("0.0005"),
				LPFeeRate:              math.LegacyMustNewDecFromStr("0.0005"),
				VaultFeeRate:           math.LegacyMustNewDecFromStr("0.0005"),
				ReferralRebateRate:     math.LegacyZeroDec(),
				LiquidationPenaltyRate: math.LegacyMustNewDecFromStr("0.005"),
				KeeperGasReward:        math.LegacyMustNewDecFromStr("0.5"),
				InsuranceFundRate:      math.LegacyMustNewDecFromStr("0.5"),
				HalfSpread:             math.LegacyMustNewDecFromStr("0.001"),
				OpenSlippageFactor:     math.LegacyMustNewDecFromStr("0.01"),
				CloseSlippageFactor:    math.LegacyMustNewDecFromStr("0.01"),
				MaxClosePriceDiscount:  math.LegacyMustNewDecFromStr("0.2"),
				FundingRateLimit:       math.LegacyMustNewDecFromStr("0.01"),
				FundingRateFactor:      math.LegacyMustNewDecFromStr("0.005"),
				AMMMaxLeverage:         math.LegacyMustNewDecFromStr("5"),
				DefaultTargetLeverage:  math.LegacyMustNewDecFromStr("5"),
				MaxOpenInterest:        math.LegacyZeroDec(),
			}

			index, err := p.CreatePerpetual("SIM-PERP", oracle, params)
			if err != nil {
				return err
			}
			p.Run()

			now := time.Now()
			if err := p.RunPerpetual(now, index); err != nil {
				return err
			}

			lp := common.BytesToAddress([]byte{0x10})
			if _, err := p.AddLiquidity(now, lp, math.LegacyMustNewDecFromStr(liquidity)); err != nil {
				return err
			}

			trader := common.BytesToAddress([]byte{0x11})
			amount := math.LegacyMustNewDecFromStr(tradeSize)
			margin := amount.Abs().Mul(oracle.price).MulInt64(int64(steps))
			if err := p.Deposit(now, index, trader, trader, margin); err != nil {
				return err
			}

			for step := 0; step < steps; step++ {
				now = now.Add(time.Hour)
				receipt, err := p.Trade(now, index, trader, trader, amount, math.LegacyZeroDec(), time.Time{}, common.Address{}, 0)
				if err != nil {
					return err
				}
				fmt.Printf("step %d: filled %s at %s\n", step+1, receipt.DeltaPosition, receipt.Price)
			}

			snapshot := p.GetPoolSnapshot()
			fmt.Printf("pool cash: %s\n", snapshot.PoolCash)
			fmt.Printf("pool margin: %s\n", snapshot.PoolMargin)
			for _, perp := range snapshot.Perpetuals {
				fmt.Printf("perpetual %s: state=%s mark=%s funding=%s oi=%s\n",
					perp.Symbol, perp.State, perp.MarkPrice, perp.FundingRate, perp.OpenInterest)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&indexPrice, "index-price", "100", "oracle index price")
	cmd.Flags().StringVar(&liquidity, "liquidity", "100000", "initial pool liquidity")
	cmd.Flags().StringVar(&tradeSize, "trade-size", "1", "signed trade size per step")
	cmd.Flags().IntVar(&steps, "steps", 5, "number of trades to run")
	return cmd
}
