// Package gate decides when a new observation may be recorded for an asset.
//
// Policies only ever answer yes or no; they never fail, so they are safe to call from
// read-only contexts and concurrently from many callers.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPeriod indicates a zero or negative periodic window.
	ErrInvalidPeriod = errors.New("gate: period must be greater than zero")
	// ErrInvalidThreshold indicates a non-positive change threshold.
	ErrInvalidThreshold = errors.New("gate: update threshold must be greater than zero")
	// ErrInvalidDelays indicates maxUpdateDelay < minUpdateDelay.
	ErrInvalidDelays = errors.New("gate: max update delay must not be less than min update delay")
)

var hundred = decimal.NewFromInt(100)

// State is the prior state a policy evaluates.
type State struct {
	HasObservation  bool
	ObservationTime uint32
	LastUpdateTime  uint32
	LastValues      []uint256.Int
}

// Policy decides whether an update is due.
type Policy interface {
	// NeedsUpdate reports whether a new observation should be recorded at now. current holds
	// the live values, parallel to state.LastValues; it may be nil when RequiresCurrent is false.
	NeedsUpdate(state State, current []uint256.Int, now uint32) bool
	// RequiresCurrent reports whether NeedsUpdate inspects live values.
	RequiresCurrent() bool
}

// Periodic permits an update once Period seconds have elapsed since the last observation.
type Periodic struct {
	Period uint32
}

// NewPeriodic validates and builds a Periodic policy.
func NewPeriodic(period time.Duration) (Periodic, error) {
	secs := int64(period / time.Second)
	if secs <= 0 || secs > int64(^uint32(0)) {
		return Periodic{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	return Periodic{Period: uint32(secs)}, nil
}

// NeedsUpdate implements Policy. An elapsed time equal to the period counts as due.
func (p Periodic) NeedsUpdate(state State, _ []uint256.Int, now uint32) bool {
	if !state.HasObservation {
		return true
	}
	if now < state.ObservationTime {
		return false
	}
	return now-state.ObservationTime >= p.Period
}

// RequiresCurrent implements Policy.
func (Periodic) RequiresCurrent() bool { return false }

// Threshold permits an update once MinUpdateDelay has elapsed and either a tracked value moved
// by at least ThresholdPct percent or MaxUpdateDelay (the heartbeat) has elapsed.
type Threshold struct {
	ThresholdPct   decimal.Decimal
	MinUpdateDelay uint32
	MaxUpdateDelay uint32
}

// NewThreshold validates and builds a Threshold policy.
func NewThreshold(thresholdPct decimal.Decimal, minDelay, maxDelay time.Duration) (Threshold, error) {
	if !thresholdPct.IsPositive() {
		return Threshold{}, fmt.Errorf("%w: %s", ErrInvalidThreshold, thresholdPct.String())
	}
	if minDelay < 0 || maxDelay < minDelay || maxDelay < time.Second {
		return Threshold{}, fmt.Errorf("%w: min %s max %s", ErrInvalidDelays, minDelay, maxDelay)
	}
	return Threshold{
		ThresholdPct:   thresholdPct,
		MinUpdateDelay: uint32(minDelay / time.Second),
		MaxUpdateDelay: uint32(maxDelay / time.Second),
	}, nil
}

// ThresholdFromPartsPerTenMillion converts a threshold expressed in parts per ten million
// (1e7 = 100%) to the percent form Threshold uses.
func ThresholdFromPartsPerTenMillion(pptm uint32) decimal.Decimal {
	return decimal.NewFromInt(int64(pptm)).Div(decimal.NewFromInt(100_000))
}

// NeedsUpdate implements Policy.
func (p Threshold) NeedsUpdate(state State, current []uint256.Int, now uint32) bool {
	if !state.HasObservation {
		return true
	}
	if now < state.LastUpdateTime {
		return false
	}
	elapsed := now - state.LastUpdateTime
	if elapsed >= p.MaxUpdateDelay {
		return true
	}
	if elapsed < p.MinUpdateDelay {
		return false
	}
	for i := range current {
		if i >= len(state.LastValues) {
			break
		}
		if ChangeExceeds(&state.LastValues[i], &current[i], p.ThresholdPct) {
			return true
		}
	}
	return false
}

// RequiresCurrent implements Policy.
func (Threshold) RequiresCurrent() bool { return true }

// ChangePct returns |current-last|*100/last. ok is false when last is zero and current is not,
// which callers treat as an unbounded change.
func ChangePct(last, current *uint256.Int) (pct decimal.Decimal, ok bool) {
	if last.IsZero() {
		if current.IsZero() {
			return decimal.Zero, true
		}
		return decimal.Zero, false
	}
	var diff uint256.Int
	if current.Gt(last) {
		diff.Sub(current, last)
	} else {
		diff.Sub(last, current)
	}
	num := decimal.NewFromBigInt(diff.ToBig(), 0).Mul(hundred)
	return num.Div(decimal.NewFromBigInt(last.ToBig(), 0)), true
}

// ChangeExceeds reports whether the move from last to current is at least thresholdPct percent.
func ChangeExceeds(last, current *uint256.Int, thresholdPct decimal.Decimal) bool {
	pct, ok := ChangePct(last, current)
	if !ok {
		return true
	}
	return pct.GreaterThanOrEqual(thresholdPct)
}

var (
	_ Policy = Periodic{}
	_ Policy = Threshold{}
)
