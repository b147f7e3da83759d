package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
)

// simulatedAsset stands in for the asset when none is configured.
var simulatedAsset = common.HexToAddress("0x00000000000000000000000000000000000000a1")

// SimulatedSource is one operator-supplied consultation. Price and QuoteTokenLiquidity are
// in whole quote units; TokenLiquidity is a raw amount.
type SimulatedSource struct {
	Name                string
	Price               decimal.Decimal
	TokenLiquidity      decimal.Decimal
	QuoteTokenLiquidity decimal.Decimal
	Age                 time.Duration
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Sources []SimulatedSource
}

// Simulate 通过配置的聚合策略与时间戳策略模拟一次聚合。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	obs, results, err := a.simulate(ctx, opts)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tPrice\tQuote Liquidity\tTimestamp\tStatus")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t%s\n", r.Source, sanitizeInline(r.Err.Error()))
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\tok\n",
			r.Source,
			formatDecimal(numeric.ToDecimal(&r.Observation.Price, a.Config.Oracle.QuoteDecimals), 6),
			formatDecimal(numeric.ToDecimal(&r.Observation.QuoteTokenLiquidity, a.Config.Oracle.QuoteDecimals), 6),
			r.Observation.Timestamp,
		)
	}
	writer.Flush()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "\nstrategy: %s  timestamp_policy: %s\n", a.Config.Oracle.Strategy, a.Config.Oracle.TimestampPolicy)
	fmt.Fprintf(a.Out, "price: %s\n", formatDecimal(numeric.ToDecimal(&obs.Price, a.Config.Oracle.QuoteDecimals), 6))
	fmt.Fprintf(a.Out, "token_liquidity: %s\n", obs.TokenLiquidity.Dec())
	fmt.Fprintf(a.Out, "quote_token_liquidity: %s\n", formatDecimal(numeric.ToDecimal(&obs.QuoteTokenLiquidity, a.Config.Oracle.QuoteDecimals), 6))
	fmt.Fprintf(a.Out, "timestamp: %d\n", obs.Timestamp)
	return nil
}

func (a *App) simulate(ctx context.Context, opts SimulateOptions) (observation.Observation, []aggregator.Result, error) {
	if len(opts.Sources) == 0 {
		return observation.Observation{}, nil, errors.New("at least one --source is required")
	}
	oc := a.Config.Oracle
	clk := clock.NewManual(a.Clock.Now())
	now, err := observation.ToTimestamp(clk.Now())
	if err != nil {
		return observation.Observation{}, nil, err
	}

	asset := simulatedAsset
	if len(oc.Assets) > 0 {
		asset = oc.Assets[0].Address
	}

	adapters := make([]source.Adapter, 0, len(opts.Sources))
	for _, s := range opts.Sources {
		price, err := numeric.FromDecimal(s.Price, oc.QuoteDecimals)
		if err != nil {
			return observation.Observation{}, nil, fmt.Errorf("%s price: %w", s.Name, err)
		}
		tokenLiq, err := numeric.FromDecimal(s.TokenLiquidity, 0)
		if err != nil {
			return observation.Observation{}, nil, fmt.Errorf("%s token liquidity: %w", s.Name, err)
		}
		quoteLiq, err := numeric.FromDecimal(s.QuoteTokenLiquidity, oc.QuoteDecimals)
		if err != nil {
			return observation.Observation{}, nil, fmt.Errorf("%s quote liquidity: %w", s.Name, err)
		}
		age := uint32(s.Age / time.Second)
		if age >= now {
			return observation.Observation{}, nil, fmt.Errorf("%s: age %s too large", s.Name, s.Age)
		}
		obs, err := observation.New(price, tokenLiq, quoteLiq, now-age)
		if err != nil {
			return observation.Observation{}, nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		m := source.NewMemory(s.Name, oc.QuoteDecimals, clk)
		m.Set(asset, obs)
		adapters = append(adapters, m)
	}

	strategy, err := aggregator.ParseStrategy(oc.Strategy)
	if err != nil {
		return observation.Observation{}, nil, err
	}
	agg, err := aggregator.New(aggregator.Config{
		Name:             oc.Name,
		QuoteToken:       oc.QuoteToken,
		QuoteDecimals:    oc.QuoteDecimals,
		General:          adapters,
		TimestampPolicy:  aggregator.TimestampPolicy(oc.TimestampPolicy),
		Strategy:         strategy,
		Gate:             gate.Periodic{Period: 1},
		MinimumResponses: oc.MinimumResponses,
		SourceMaxAge:     oc.SourceMaxAgeSeconds(),
	}, clk, a.Logger)
	if err != nil {
		return observation.Observation{}, nil, err
	}
	return agg.Aggregate(ctx, asset)
}
