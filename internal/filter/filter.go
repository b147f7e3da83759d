// Package filter derives observations from a window of historical observations.
package filter

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
)

var (
	// ErrInvalidConfig indicates a filter or window constructed with invalid arguments.
	ErrInvalidConfig = errors.New("filter: invalid configuration")
	// ErrUnknownFilter indicates an unsupported filter kind.
	ErrUnknownFilter = errors.New("filter: unknown filter")
	// ErrZeroPrice indicates a zero price inside a volatility window.
	ErrZeroPrice = errors.New("filter: zero price in window")
)

// Filter kinds accepted by configuration.
const (
	KindMedian     = "median"
	KindVolatility = "volatility"
)

// returnPrecision is the fixed-point scale of price ratios between consecutive observations.
const returnPrecision = 18

// divPrecision bounds intermediate decimal divisions.
const divPrecision = 40

// Window selects Amount observations at indices Offset, Offset+Increment, ... newest-first.
type Window struct {
	Amount    int
	Offset    int
	Increment int
}

// Required returns how many stored observations the window needs.
func (w Window) Required() int {
	return w.Offset + (w.Amount-1)*w.Increment + 1
}

// Validate checks the window against the smallest amount a filter accepts.
func (w Window) Validate(minAmount int) error {
	if w.Amount < minAmount || w.Amount < 1 {
		return fmt.Errorf("%w: amount %d below %d", ErrInvalidConfig, w.Amount, max(minAmount, 1))
	}
	if w.Increment < 1 {
		return fmt.Errorf("%w: increment must be at least 1", ErrInvalidConfig)
	}
	if w.Offset < 0 {
		return fmt.Errorf("%w: offset cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Filter computes one observation from a window ordered newest-first.
type Filter interface {
	Kind() string
	// MinAmount is the smallest window the filter accepts.
	MinAmount() int
	Apply(window []observation.Observation) (observation.Observation, error)
}

// Median takes the median of each field independently.
type Median struct{}

// Kind implements Filter.
func (Median) Kind() string { return KindMedian }

// MinAmount implements Filter.
func (Median) MinAmount() int { return 1 }

// Apply implements Filter. The timestamp is the newest in the window.
func (Median) Apply(window []observation.Observation) (observation.Observation, error) {
	if len(window) == 0 {
		return observation.Observation{}, fmt.Errorf("%w: empty window", ErrInvalidConfig)
	}
	prices := make([]uint256.Int, len(window))
	tokenLiquidity := make([]uint256.Int, len(window))
	quoteLiquidity := make([]uint256.Int, len(window))
	var newest uint32
	for i, o := range window {
		prices[i] = o.Price
		tokenLiquidity[i] = o.TokenLiquidity
		quoteLiquidity[i] = o.QuoteTokenLiquidity
		newest = max(newest, o.Timestamp)
	}
	return observation.New(numeric.Median(prices), numeric.Median(tokenLiquidity), numeric.Median(quoteLiquidity), newest)
}

// Statistic selects what Volatility reports.
type Statistic string

const (
	// StatisticStdDev is the population standard deviation of returns.
	StatisticStdDev Statistic = "stddev"
	// StatisticMean is the mean return.
	StatisticMean Statistic = "mean"
)

// MeanType selects how returns are measured.
type MeanType string

const (
	// MeanArithmetic uses simple returns, ratio - 1.
	MeanArithmetic MeanType = "arithmetic"
	// MeanGeometric uses log returns, ln(ratio).
	MeanGeometric MeanType = "geometric"
)

// Volatility reports a statistic over the returns between consecutive observations, in
// percent, scaled by 10^Decimals into the price field. Negative means floor at zero.
// Liquidity comes from the newest observation.
type Volatility struct {
	Statistic Statistic
	MeanType  MeanType
	Decimals  uint8
}

// NewVolatility validates and builds a Volatility filter; empty values select stddev and
// geometric returns.
func NewVolatility(statistic, meanType string, decimals uint8) (Volatility, error) {
	v := Volatility{
		Statistic: Statistic(strings.ToLower(strings.TrimSpace(statistic))),
		MeanType:  MeanType(strings.ToLower(strings.TrimSpace(meanType))),
		Decimals:  decimals,
	}
	if v.Statistic == "" {
		v.Statistic = StatisticStdDev
	}
	if v.MeanType == "" {
		v.MeanType = MeanGeometric
	}
	if v.Statistic != StatisticStdDev && v.Statistic != StatisticMean {
		return Volatility{}, fmt.Errorf("%w: statistic %q", ErrInvalidConfig, statistic)
	}
	if v.MeanType != MeanArithmetic && v.MeanType != MeanGeometric {
		return Volatility{}, fmt.Errorf("%w: mean type %q", ErrInvalidConfig, meanType)
	}
	if _, err := numeric.Pow10(decimals); err != nil {
		return Volatility{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return v, nil
}

// Kind implements Filter.
func (Volatility) Kind() string { return KindVolatility }

// MinAmount implements Filter.
func (Volatility) MinAmount() int { return 2 }

// Apply implements Filter.
func (v Volatility) Apply(window []observation.Observation) (observation.Observation, error) {
	if len(window) < 2 {
		return observation.Observation{}, fmt.Errorf("%w: volatility needs at least 2 observations, got %d", ErrInvalidConfig, len(window))
	}
	returns, err := v.Returns(window)
	if err != nil {
		return observation.Observation{}, err
	}

	var stat decimal.Decimal
	switch v.Statistic {
	case StatisticMean:
		stat = mean(returns)
	default:
		stat = stddev(returns)
	}
	if stat.IsNegative() {
		stat = decimal.Zero
	}
	price, err := numeric.FromDecimal(stat.Shift(2), v.Decimals)
	if err != nil {
		return observation.Observation{}, err
	}

	newest := window[0]
	for _, o := range window[1:] {
		if o.Timestamp > newest.Timestamp {
			newest = o
		}
	}
	return observation.New(price, &newest.TokenLiquidity, &newest.QuoteTokenLiquidity, newest.Timestamp)
}

// Returns computes the returns between consecutive observations of a newest-first window,
// oldest pair first.
func (v Volatility) Returns(window []observation.Observation) ([]decimal.Decimal, error) {
	chronological := slices.Clone(window)
	slices.Reverse(chronological)
	scale := numeric.MustPow10(returnPrecision)

	out := make([]decimal.Decimal, 0, len(chronological)-1)
	for i := 1; i < len(chronological); i++ {
		prev, cur := &chronological[i-1].Price, &chronological[i].Price
		if prev.IsZero() || cur.IsZero() {
			return nil, fmt.Errorf("%w: position %d", ErrZeroPrice, i)
		}
		ratio, err := numeric.MulDiv(cur, scale, prev)
		if err != nil {
			return nil, fmt.Errorf("return %d: %w", i, err)
		}
		r := numeric.ToDecimal(ratio, returnPrecision)
		if v.MeanType == MeanGeometric {
			ln, err := r.Ln(divPrecision)
			if err != nil {
				return nil, fmt.Errorf("return %d: %w", i, err)
			}
			out = append(out, ln)
			continue
		}
		out = append(out, r.Sub(decimal.NewFromInt(1)))
	}
	return out, nil
}

func mean(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, xs...).DivRound(decimal.NewFromInt(int64(len(xs))), divPrecision)
}

func stddev(xs []decimal.Decimal) decimal.Decimal {
	m := mean(xs)
	sq := decimal.Zero
	for _, x := range xs {
		d := x.Sub(m)
		sq = sq.Add(d.Mul(d))
	}
	return sqrt(sq.DivRound(decimal.NewFromInt(int64(len(xs))), divPrecision))
}

// sqrt refines a float64 estimate with Newton iterations.
func sqrt(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return decimal.Zero
	}
	z := decimal.NewFromFloat(math.Sqrt(x.InexactFloat64()))
	if z.IsZero() {
		z = x
	}
	two := decimal.NewFromInt(2)
	for range 6 {
		z = z.Add(x.DivRound(z, divPrecision)).DivRound(two, divPrecision)
	}
	return z.Round(divPrecision / 2)
}

// Parse builds a filter from configuration values.
func Parse(kind, statistic, meanType string, decimals uint8) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMedian:
		return Median{}, nil
	case KindVolatility:
		return NewVolatility(statistic, meanType, decimals)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, kind)
	}
}

var (
	_ Filter = Median{}
	_ Filter = Volatility{}
)
