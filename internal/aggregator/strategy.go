package aggregator

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
)

// Strategy names accepted by ParseStrategy.
const (
	StrategyHarmonicMean = "harmonic_mean"
	StrategyMedian       = "median"
	StrategyWeightedMean = "weighted_mean"
)

// harmonicPrecision is the internal fixed-point precision of weighted inverse prices.
const harmonicPrecision = 36

// Candidate is a successful, normalized source consultation.
type Candidate struct {
	Source      string
	Observation observation.Observation
}

// Strategy combines candidate prices into one price. A zero result means no usable signal.
type Strategy interface {
	Name() string
	Price(candidates []Candidate) (*uint256.Int, error)
}

// ParseStrategy maps a configured name to a Strategy; empty selects the harmonic mean.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyHarmonicMean:
		return HarmonicMean{}, nil
	case StrategyMedian:
		return Median{}, nil
	case StrategyWeightedMean:
		return WeightedMean{}, nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: harmonic_mean, median, weighted_mean)", ErrUnknownStrategy, name)
	}
}

// HarmonicMean is the quote-liquidity-weighted harmonic mean Σw / Σ(w/p). Candidates with
// a zero price or zero quote liquidity do not contribute. Both divisions round down.
type HarmonicMean struct{}

// Name implements Strategy.
func (HarmonicMean) Name() string { return StrategyHarmonicMean }

// Price implements Strategy.
func (HarmonicMean) Price(candidates []Candidate) (*uint256.Int, error) {
	precision := numeric.MustPow10(harmonicPrecision)
	sumWeight := new(uint256.Int)
	sumWeightedInverse := new(uint256.Int)
	var overflow bool
	for _, c := range candidates {
		p, w := &c.Observation.Price, &c.Observation.QuoteTokenLiquidity
		if p.IsZero() || w.IsZero() {
			continue
		}
		inverse, err := numeric.MulDiv(w, precision, p)
		if err != nil {
			return nil, fmt.Errorf("%s: weighted inverse: %w", c.Source, err)
		}
		if _, overflow = sumWeightedInverse.AddOverflow(sumWeightedInverse, inverse); overflow {
			return nil, fmt.Errorf("%w: weighted inverse sum", numeric.ErrOverflow)
		}
		if _, overflow = sumWeight.AddOverflow(sumWeight, w); overflow {
			return nil, fmt.Errorf("%w: weight sum", numeric.ErrOverflow)
		}
	}
	if sumWeightedInverse.IsZero() {
		return new(uint256.Int), nil
	}
	return numeric.MulDiv(sumWeight, precision, sumWeightedInverse)
}

// Median is the median candidate price; even counts average the two middle prices.
type Median struct{}

// Name implements Strategy.
func (Median) Name() string { return StrategyMedian }

// Price implements Strategy.
func (Median) Price(candidates []Candidate) (*uint256.Int, error) {
	prices := make([]uint256.Int, 0, len(candidates))
	for _, c := range candidates {
		if c.Observation.Price.IsZero() {
			continue
		}
		prices = append(prices, c.Observation.Price)
	}
	return numeric.Median(prices), nil
}

// WeightedMean is the quote-liquidity-weighted arithmetic mean Σ(w·p) / Σw.
type WeightedMean struct{}

// Name implements Strategy.
func (WeightedMean) Name() string { return StrategyWeightedMean }

// Price implements Strategy.
func (WeightedMean) Price(candidates []Candidate) (*uint256.Int, error) {
	sumWeight := new(uint256.Int)
	sumWeighted := new(uint256.Int)
	for _, c := range candidates {
		p, w := &c.Observation.Price, &c.Observation.QuoteTokenLiquidity
		if p.IsZero() || w.IsZero() {
			continue
		}
		product, overflow := new(uint256.Int).MulOverflow(p, w)
		if overflow {
			return nil, fmt.Errorf("%s: %w: weighted price", c.Source, numeric.ErrOverflow)
		}
		if _, overflow = sumWeighted.AddOverflow(sumWeighted, product); overflow {
			return nil, fmt.Errorf("%w: weighted price sum", numeric.ErrOverflow)
		}
		sumWeight.Add(sumWeight, w)
	}
	if sumWeight.IsZero() {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Div(sumWeighted, sumWeight), nil
}

var (
	_ Strategy = HarmonicMean{}
	_ Strategy = Median{}
	_ Strategy = WeightedMean{}
)
