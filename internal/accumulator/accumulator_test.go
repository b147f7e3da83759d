package accumulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

var asset = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")

const start = 1_000

type fixture struct {
	clock *clock.Manual
	feed  *source.Memory
	acc   *Accumulator
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(start, 0))
	feed := source.NewMemory("feed", 6, clk)
	if cfg.Name == "" {
		cfg.Name = "twap"
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.Periodic{Period: 60}
	}
	acc, err := New(cfg, FromAdapter(feed), clk, zerolog.Nop())
	require.NoError(t, err)
	return fixture{clock: clk, feed: feed, acc: acc}
}

func (f fixture) setPrice(t *testing.T, price uint64) {
	t.Helper()
	now, err := observation.ToTimestamp(f.clock.Now())
	require.NoError(t, err)
	obs, err := observation.New(uint256.NewInt(price), uint256.NewInt(10), uint256.NewInt(price*10), now)
	require.NoError(t, err)
	f.feed.Set(asset, obs)
}

func TestComputeAverage(t *testing.T) {
	from := numeric.NewWrapping(uint256.NewInt(1_000))
	to := numeric.NewWrapping(uint256.NewInt(4_000))
	avg, err := ComputeAverage(from, to, 30, uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), avg.Uint64())

	scaled, err := ComputeAverage(from, to, 30, numeric.MustPow10(18))
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000", scaled.Dec())

	_, err = ComputeAverage(from, to, 0, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrZeroElapsed)
}

func TestComputeAverageAcrossWrap(t *testing.T) {
	nearMax := new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), uint256.NewInt(9))
	from := numeric.NewWrapping(nearMax)
	to := from.Add(uint256.NewInt(30))
	assert.Equal(t, uint64(20), to.Value().Uint64(), "cumulative should have wrapped")

	avg, err := ComputeAverage(from, to, 3, uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), avg.Uint64())
}

func TestAccumulatorIntegratesOverTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	data := updatedata.Encode(asset)

	f.setPrice(t, 100)
	require.True(t, f.acc.CanUpdate(ctx, data))
	changed, err := f.acc.Update(ctx, data)
	require.NoError(t, err)
	require.True(t, changed)

	first, err := f.acc.Cumulative(asset)
	require.NoError(t, err)
	assert.Equal(t, uint32(start), first.Timestamp)

	f.clock.Advance(59 * time.Second)
	f.setPrice(t, 200)
	assert.False(t, f.acc.NeedsUpdate(ctx, data))
	changed, err = f.acc.Update(ctx, data)
	require.NoError(t, err)
	assert.False(t, changed)

	f.clock.Advance(time.Second)
	changed, err = f.acc.Update(ctx, data)
	require.NoError(t, err)
	require.True(t, changed)

	st, ok := f.acc.State(asset)
	require.True(t, ok)
	assert.Equal(t, "6000", st.CumulativePrice.String())
	assert.Equal(t, uint64(200), st.LastObservation.Price.Uint64())

	f.clock.Advance(30 * time.Second)
	second, err := f.acc.Cumulative(asset)
	require.NoError(t, err)
	assert.Equal(t, uint32(start+90), second.Timestamp)
	assert.Equal(t, "12000", second.Price.String())

	avg, err := ConsultAverage(first, second)
	require.NoError(t, err)
	assert.Equal(t, uint64(133), avg.Price.Uint64())
	assert.Equal(t, uint64(10), avg.TokenLiquidity.Uint64())
	assert.Equal(t, uint64(1333), avg.QuoteTokenLiquidity.Uint64())

	_, err = ConsultAverage(second, first)
	assert.ErrorIs(t, err, ErrZeroElapsed)
}

func TestAccumulatorConsult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.acc.Consult(ctx, asset, 0)
	assert.ErrorIs(t, err, observation.ErrMissingObservation)

	f.setPrice(t, 42)
	_, err = f.acc.Update(ctx, updatedata.Encode(asset))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	obs, err := f.acc.Consult(ctx, asset, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), obs.Price.Uint64())

	f.clock.Advance(time.Second)
	_, err = f.acc.Consult(ctx, asset, 10)
	assert.ErrorIs(t, err, observation.ErrStaleObservation)

	assert.Equal(t, []common.Address{asset}, f.acc.Assets())
}

func TestAccumulatorThresholdTracksLiquidity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{
		Gate:    gate.Threshold{ThresholdPct: decimal.NewFromInt(10), MinUpdateDelay: 0, MaxUpdateDelay: 3600},
		Tracked: TrackLiquidity,
	})
	data := updatedata.Encode(asset)

	f.setPrice(t, 100)
	_, err := f.acc.Update(ctx, data)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	now, _ := observation.ToTimestamp(f.clock.Now())
	moved, err := observation.New(uint256.NewInt(150), uint256.NewInt(10), uint256.NewInt(1_000), now)
	require.NoError(t, err)
	f.feed.Set(asset, moved)
	assert.False(t, f.acc.NeedsUpdate(ctx, data), "price moves alone must not trigger a liquidity gate")

	moved.TokenLiquidity.SetUint64(12)
	f.feed.Set(asset, moved)
	assert.True(t, f.acc.NeedsUpdate(ctx, data))
}

func TestAccumulatorValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TimestampTolerance: 5, MaxDeviationPct: decimal.NewFromInt(2)})
	f.setPrice(t, 1_000)

	changed, err := f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_000), start+6))
	require.NoError(t, err)
	assert.False(t, changed, "timestamp outside tolerance")

	changed, err = f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_021), start))
	require.NoError(t, err)
	assert.False(t, changed, "deviation above limit")

	_, ok := f.acc.State(asset)
	assert.False(t, ok, "rejected updates leave no state behind")

	changed, err = f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_020), start-5))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestAccumulatorSamplerFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	boom := errors.New("rpc down")
	f.feed.SetError(boom)

	assert.False(t, f.acc.CanUpdate(ctx, updatedata.Encode(asset)))
	changed, err := f.acc.Update(ctx, updatedata.Encode(asset))
	assert.ErrorIs(t, err, boom)
	assert.False(t, changed)

	_, err = f.acc.Update(ctx, []byte("garbage"))
	assert.ErrorIs(t, err, updatedata.ErrInvalidUpdateData)
}

func TestNewValidation(t *testing.T) {
	sampler := SamplerFunc(func(context.Context, common.Address) (observation.Observation, error) {
		return observation.Observation{}, nil
	})
	_, err := New(Config{Gate: gate.Periodic{Period: 1}}, sampler, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Name: "x"}, sampler, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Name: "x", Gate: gate.Periodic{Period: 1}, Tracked: "volume"}, sampler, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAccumulatorRejectsSameSecondUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{
		Gate: gate.Threshold{ThresholdPct: decimal.NewFromInt(1), MinUpdateDelay: 0, MaxUpdateDelay: 1},
	})
	data := updatedata.Encode(asset)

	f.setPrice(t, 1_000)
	changed, err := f.acc.Update(ctx, data)
	require.NoError(t, err)
	require.True(t, changed)

	f.setPrice(t, 5_000)
	require.True(t, f.acc.NeedsUpdate(ctx, data), "the gate alone lets the move through")
	changed, err = f.acc.Update(ctx, data)
	require.NoError(t, err)
	assert.False(t, changed)

	st, ok := f.acc.State(asset)
	require.True(t, ok)
	assert.Equal(t, uint64(1_000), st.LastObservation.Price.Uint64())
	assert.Equal(t, uint32(start), st.LastObservation.Timestamp)

	f.clock.Advance(time.Second)
	changed, err = f.acc.Update(ctx, data)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestAccumulatorRejectsStaleSuppliedTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TimestampTolerance: 120, MaxDeviationPct: decimal.NewFromInt(50)})

	f.setPrice(t, 1_000)
	changed, err := f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_000), start))
	require.NoError(t, err)
	require.True(t, changed)

	f.clock.Advance(time.Minute)
	f.setPrice(t, 1_100)
	changed, err = f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_100), start))
	require.NoError(t, err)
	assert.False(t, changed, "supplied timestamp equal to the stored one")

	changed, err = f.acc.Update(ctx, updatedata.EncodeWithValue(asset, uint256.NewInt(1_100), start+60))
	require.NoError(t, err)
	assert.True(t, changed)
}
