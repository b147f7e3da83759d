package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"oracle-engine/internal/app"
)

var simulateSources []string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次多数据源聚合",
	Example: `  oracled simulate --source a:1000:1000 --source b:2000:1000
  oracled simulate --source a:1000:1000:5:30s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateSources) == 0 {
			return errors.New("至少需要一个 --source")
		}
		opts := app.SimulateOptions{}
		for _, raw := range simulateSources {
			s, err := parseSimulatedSource(raw)
			if err != nil {
				return err
			}
			opts.Sources = append(opts.Sources, s)
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringArrayVar(&simulateSources, "source", nil, "name:price:quote_liquidity[:token_liquidity[:age]]")
}

// parseSimulatedSource parses name:price:quote_liquidity[:token_liquidity[:age]].
func parseSimulatedSource(raw string) (app.SimulatedSource, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 || len(parts) > 5 {
		return app.SimulatedSource{}, fmt.Errorf("invalid --source %q: want name:price:quote_liquidity[:token_liquidity[:age]]", raw)
	}
	s := app.SimulatedSource{Name: strings.TrimSpace(parts[0])}
	if s.Name == "" {
		return app.SimulatedSource{}, fmt.Errorf("invalid --source %q: empty name", raw)
	}

	var err error
	if s.Price, err = parseNonNegative(parts[1]); err != nil {
		return app.SimulatedSource{}, fmt.Errorf("%s price: %w", s.Name, err)
	}
	if s.QuoteTokenLiquidity, err = parseNonNegative(parts[2]); err != nil {
		return app.SimulatedSource{}, fmt.Errorf("%s quote liquidity: %w", s.Name, err)
	}
	if len(parts) > 3 {
		if s.TokenLiquidity, err = parseNonNegative(parts[3]); err != nil {
			return app.SimulatedSource{}, fmt.Errorf("%s token liquidity: %w", s.Name, err)
		}
	}
	if len(parts) > 4 {
		if s.Age, err = time.ParseDuration(parts[4]); err != nil {
			return app.SimulatedSource{}, fmt.Errorf("%s age: %w", s.Name, err)
		}
		if s.Age < 0 {
			return app.SimulatedSource{}, fmt.Errorf("%s age: must not be negative", s.Name)
		}
	}
	return s, nil
}

func parseNonNegative(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}
