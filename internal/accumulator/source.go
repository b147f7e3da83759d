package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

// KindAverage is the registry kind of accumulator-backed time-weighted sources.
const KindAverage = "accumulator.average"

// ErrUnknownAccumulator indicates an average source naming an accumulator that does not exist.
var ErrUnknownAccumulator = errors.New("accumulator: unknown accumulator")

// AverageOptions parameterise an average source.
type AverageOptions struct {
	Accumulator string        `mapstructure:"accumulator"`
	Period      time.Duration `mapstructure:"period"`
}

type averageState struct {
	snapshot Snapshot
	obs      observation.Observation
}

// AverageSource serves the time-weighted averages of an accumulator. Each update takes a
// cumulative snapshot once Period has elapsed; the served observation is the average between
// the previous snapshot and the current one.
type AverageSource struct {
	name   string
	acc    *Accumulator
	gate   gate.Periodic
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[common.Address]*averageState
}

// NewAverageSource builds an average source over acc.
func NewAverageSource(name string, acc *Accumulator, period time.Duration, clk clock.Clock, logger zerolog.Logger) (*AverageSource, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: accumulator is required", ErrInvalidConfig)
	}
	window, err := gate.NewPeriodic(period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &AverageSource{
		name:   name,
		acc:    acc,
		gate:   window,
		clock:  clk,
		logger: logger.With().Str("component", "average_source").Str("source", name).Logger(),
		states: make(map[common.Address]*averageState),
	}, nil
}

// Name implements source.Adapter.
func (s *AverageSource) Name() string { return s.name }

// QuoteDecimals implements source.Adapter.
func (s *AverageSource) QuoteDecimals() uint8 { return s.acc.QuoteDecimals() }

// Consult implements source.Adapter with the last computed average.
func (s *AverageSource) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	s.mu.RLock()
	var obs observation.Observation
	if st, ok := s.states[asset]; ok {
		obs = st.obs
	}
	s.mu.RUnlock()
	if err := observation.CheckFresh(obs, now, maxAge); err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}
	return obs, nil
}

// CanUpdate implements source.Updater.
func (s *AverageSource) CanUpdate(_ context.Context, data []byte) bool {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	if _, ok := s.acc.State(asset); !ok {
		return false
	}
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate.NeedsUpdate(s.gateState(asset), nil, now)
}

// Update implements source.Updater. The first update only records a snapshot.
func (s *AverageSource) Update(_ context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false, err
	}
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gate.NeedsUpdate(s.gateState(asset), nil, now) {
		return false, nil
	}
	snap, err := s.acc.Cumulative(asset)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}

	st, ok := s.states[asset]
	if !ok {
		s.states[asset] = &averageState{snapshot: snap}
		return true, nil
	}
	if snap.Timestamp <= st.snapshot.Timestamp {
		return false, nil
	}

	avg, err := ConsultAverage(st.snapshot, snap)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	obs, err := observation.New(&avg.Price, &avg.TokenLiquidity, &avg.QuoteTokenLiquidity, snap.Timestamp)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	st.snapshot = snap
	st.obs = obs
	s.logger.Debug().Str("asset", asset.Hex()).Str("price", obs.Price.Dec()).Msg("average updated")
	return true, nil
}

func (s *AverageSource) gateState(asset common.Address) gate.State {
	st, ok := s.states[asset]
	if !ok {
		return gate.State{}
	}
	return gate.State{
		HasObservation:  true,
		ObservationTime: st.snapshot.Timestamp,
		LastUpdateTime:  st.snapshot.Timestamp,
		LastValues:      []uint256.Int{st.obs.Price},
	}
}

// Lookup resolves an accumulator by name.
type Lookup func(name string) (*Accumulator, bool)

// RegisterAverage adds the average source kind to reg. Accumulators are resolved when a
// source is created.
func RegisterAverage(reg *source.Registry, lookup Lookup, clk clock.Clock, logger zerolog.Logger) {
	reg.Register(KindAverage, func(name string, options map[string]any) (source.Adapter, error) {
		var opts AverageOptions
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		acc, ok := lookup(opts.Accumulator)
		if !ok {
			return nil, fmt.Errorf("%s: %w %q", name, ErrUnknownAccumulator, opts.Accumulator)
		}
		return NewAverageSource(name, acc, opts.Period, clk, logger)
	})
}

var (
	_ source.Adapter = (*AverageSource)(nil)
	_ source.Updater = (*AverageSource)(nil)
)
