package gate

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(v ...uint64) []uint256.Int {
	out := make([]uint256.Int, len(v))
	for i, x := range v {
		out[i].SetUint64(x)
	}
	return out
}

func TestPeriodicEqualityBoundary(t *testing.T) {
	const period, last = 60, 1_000
	p, err := NewPeriodic(period * time.Second)
	require.NoError(t, err)

	state := State{HasObservation: true, ObservationTime: last, LastUpdateTime: last}
	assert.False(t, p.NeedsUpdate(state, nil, last+period-1))
	assert.True(t, p.NeedsUpdate(state, nil, last+period))
	assert.True(t, p.NeedsUpdate(state, nil, last+period+1))
}

func TestPeriodicWithoutObservation(t *testing.T) {
	p := Periodic{Period: 3600}
	assert.True(t, p.NeedsUpdate(State{}, nil, 1))
}

func TestNewPeriodicRejectsZero(t *testing.T) {
	_, err := NewPeriodic(0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = NewPeriodic(500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestThresholdConstruction(t *testing.T) {
	_, err := NewThreshold(decimal.Zero, time.Second, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = NewThreshold(decimal.NewFromInt(1), time.Minute, time.Second)
	assert.ErrorIs(t, err, ErrInvalidDelays)

	_, err = NewThreshold(decimal.NewFromInt(1), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidDelays, "a zero heartbeat would permit an update every call")

	_, err = NewThreshold(decimal.NewFromInt(1), 0, 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidDelays)

	p, err := NewThreshold(decimal.NewFromInt(1), 30*time.Second, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), p.MinUpdateDelay)
	assert.Equal(t, uint32(3600), p.MaxUpdateDelay)
}

func TestThresholdPolicy(t *testing.T) {
	p := Threshold{ThresholdPct: decimal.NewFromInt(1), MinUpdateDelay: 30, MaxUpdateDelay: 3600}
	const last = 10_000
	state := State{HasObservation: true, ObservationTime: last, LastUpdateTime: last, LastValues: values(1_000)}

	t.Run("no prior observation", func(t *testing.T) {
		assert.True(t, p.NeedsUpdate(State{}, values(1_000), last))
	})
	t.Run("large move before min delay is rate limited", func(t *testing.T) {
		assert.False(t, p.NeedsUpdate(state, values(2_000), last+29))
	})
	t.Run("move at threshold after min delay", func(t *testing.T) {
		assert.True(t, p.NeedsUpdate(state, values(1_010), last+30))
		assert.True(t, p.NeedsUpdate(state, values(990), last+30))
	})
	t.Run("move below threshold", func(t *testing.T) {
		assert.False(t, p.NeedsUpdate(state, values(1_009), last+31))
	})
	t.Run("heartbeat forces update without change", func(t *testing.T) {
		assert.False(t, p.NeedsUpdate(state, values(1_000), last+3599))
		assert.True(t, p.NeedsUpdate(state, values(1_000), last+3600))
	})
	t.Run("any tracked value can trigger", func(t *testing.T) {
		multi := state
		multi.LastValues = values(1_000, 50)
		assert.True(t, p.NeedsUpdate(multi, values(1_000, 60), last+60))
	})
}

func TestChangePctFromZero(t *testing.T) {
	zero := uint256.NewInt(0)
	_, ok := ChangePct(zero, uint256.NewInt(1))
	assert.False(t, ok)
	assert.True(t, ChangeExceeds(zero, uint256.NewInt(1), decimal.NewFromInt(50)))
	assert.False(t, ChangeExceeds(zero, zero, decimal.NewFromInt(1)))
}

func TestThresholdFromPartsPerTenMillion(t *testing.T) {
	assert.True(t, ThresholdFromPartsPerTenMillion(10_000_000).Equal(decimal.NewFromInt(100)))
	assert.True(t, ThresholdFromPartsPerTenMillion(100_000).Equal(decimal.NewFromInt(1)))
}
