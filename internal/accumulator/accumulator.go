package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/metrics"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

var (
	// ErrInvalidConfig indicates an accumulator constructed with invalid arguments.
	ErrInvalidConfig = errors.New("accumulator: invalid configuration")
	// ErrUnknownAsset indicates the accumulator holds no state for the asset.
	ErrUnknownAsset = errors.New("accumulator: unknown asset")
)

// Tracked selects which values the threshold gate compares.
type Tracked string

const (
	TrackPrice     Tracked = "price"
	TrackLiquidity Tracked = "liquidity"
	TrackBoth      Tracked = "both"
)

// ParseTracked validates a tracked field name; empty means price.
func ParseTracked(raw string) (Tracked, error) {
	switch Tracked(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TrackPrice:
		return TrackPrice, nil
	case TrackLiquidity:
		return TrackLiquidity, nil
	case TrackBoth:
		return TrackBoth, nil
	default:
		return "", fmt.Errorf("%w: unknown tracked field %q", ErrInvalidConfig, raw)
	}
}

// Sampler produces the live observation an accumulator integrates.
type Sampler interface {
	Sample(ctx context.Context, asset common.Address) (observation.Observation, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, asset common.Address) (observation.Observation, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context, asset common.Address) (observation.Observation, error) {
	return f(ctx, asset)
}

// FromAdapter samples the latest observation of a source regardless of age.
func FromAdapter(a source.Adapter) Sampler {
	return SamplerFunc(func(ctx context.Context, asset common.Address) (observation.Observation, error) {
		return a.Consult(ctx, asset, 0)
	})
}

// State is the per-asset integration state.
type State struct {
	LastObservation               observation.Observation
	LastUpdateTime                uint32
	CumulativePrice               numeric.Wrapping
	CumulativeTokenLiquidity      numeric.Wrapping
	CumulativeQuoteTokenLiquidity numeric.Wrapping
}

// Snapshot is a cumulative reading extrapolated to Timestamp.
type Snapshot struct {
	Price               numeric.Wrapping
	TokenLiquidity      numeric.Wrapping
	QuoteTokenLiquidity numeric.Wrapping
	Timestamp           uint32
}

// Averages are time-weighted values between two snapshots.
type Averages struct {
	Price               uint256.Int
	TokenLiquidity      uint256.Int
	QuoteTokenLiquidity uint256.Int
}

// Config holds accumulator settings.
type Config struct {
	Name          string
	QuoteDecimals uint8
	Gate          gate.Policy
	Tracked       Tracked
	// TimestampTolerance bounds |payload timestamp - now| for updates carrying a value.
	TimestampTolerance uint32
	// MaxDeviationPct bounds the distance between a payload value and the live sample.
	// Zero disables the check.
	MaxDeviationPct decimal.Decimal
}

// Accumulator integrates observations per asset.
type Accumulator struct {
	cfg     Config
	sampler Sampler
	clock   clock.Clock
	logger  zerolog.Logger

	mu     sync.RWMutex
	states map[common.Address]*State
}

// New builds an accumulator.
func New(cfg Config, sampler Sampler, clk clock.Clock, logger zerolog.Logger) (*Accumulator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("%w: gate is required", ErrInvalidConfig)
	}
	if sampler == nil {
		return nil, fmt.Errorf("%w: sampler is required", ErrInvalidConfig)
	}
	if cfg.MaxDeviationPct.IsNegative() {
		return nil, fmt.Errorf("%w: negative max deviation", ErrInvalidConfig)
	}
	tracked, err := ParseTracked(string(cfg.Tracked))
	if err != nil {
		return nil, err
	}
	cfg.Tracked = tracked
	if clk == nil {
		clk = clock.System{}
	}
	return &Accumulator{
		cfg:     cfg,
		sampler: sampler,
		clock:   clk,
		logger:  logger.With().Str("component", "accumulator").Str("accumulator", cfg.Name).Logger(),
		states:  make(map[common.Address]*State),
	}, nil
}

// Name implements source.Adapter.
func (a *Accumulator) Name() string { return a.cfg.Name }

// QuoteDecimals implements source.Adapter.
func (a *Accumulator) QuoteDecimals() uint8 { return a.cfg.QuoteDecimals }

// Consult implements source.Adapter with the last recorded observation.
func (a *Accumulator) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	now, err := a.now()
	if err != nil {
		return observation.Observation{}, err
	}
	a.mu.RLock()
	st, ok := a.states[asset]
	var obs observation.Observation
	if ok {
		obs = st.LastObservation
	}
	a.mu.RUnlock()
	if err := observation.CheckFresh(obs, now, maxAge); err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}
	return obs, nil
}

// State returns a copy of the state for asset.
func (a *Accumulator) State(asset common.Address) (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[asset]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Assets lists the assets with recorded state, in address order.
func (a *Accumulator) Assets() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Address, 0, len(a.states))
	for asset := range a.states {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// NeedsUpdate implements the gate decision for the asset named in data.
func (a *Accumulator) NeedsUpdate(ctx context.Context, data []byte) bool {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	now, err := a.now()
	if err != nil {
		return false
	}
	var current []uint256.Int
	if a.cfg.Gate.RequiresCurrent() {
		if obs, err := a.sampler.Sample(ctx, asset); err == nil {
			current = a.trackedValues(obs)
		}
	}
	return a.cfg.Gate.NeedsUpdate(a.gateState(asset), current, now)
}

// CanUpdate reports whether an update is due and the sampler has a usable value.
func (a *Accumulator) CanUpdate(ctx context.Context, data []byte) bool {
	if !a.NeedsUpdate(ctx, data) {
		return false
	}
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	obs, err := a.sampler.Sample(ctx, asset)
	return err == nil && obs.Exists()
}

// Update integrates the previous observation up to now and records a fresh sample.
func (a *Accumulator) Update(ctx context.Context, data []byte) (bool, error) {
	payload, err := updatedata.Decode(data)
	if err != nil {
		return false, err
	}
	now, err := a.now()
	if err != nil {
		return false, err
	}
	sample, err := a.sampler.Sample(ctx, payload.Asset)
	if err != nil {
		return false, fmt.Errorf("%s sample %s: %w", a.cfg.Name, payload.Asset.Hex(), err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Gate.NeedsUpdate(a.gateStateLocked(payload.Asset), a.trackedValues(sample), now) {
		return false, nil
	}
	st, ok := a.states[payload.Asset]
	if ok && now <= st.LastUpdateTime {
		a.logger.Debug().Str("asset", payload.Asset.Hex()).Uint32("now", now).Msg("update skipped: not newer than last update")
		return false, nil
	}
	if ok && payload.HasValue && payload.Timestamp <= st.LastObservation.Timestamp {
		a.logger.Debug().Str("asset", payload.Asset.Hex()).Uint32("supplied_timestamp", payload.Timestamp).Msg("update skipped: supplied timestamp not newer")
		return false, nil
	}
	if payload.HasValue {
		if reason := a.validate(payload, sample, now); reason != "" {
			metrics.ValidationRejectionsTotal.WithLabelValues(a.cfg.Name, reason).Inc()
			a.logger.Warn().
				Str("asset", payload.Asset.Hex()).
				Str("reason", reason).
				Str("supplied", payload.Value.Dec()).
				Uint32("supplied_timestamp", payload.Timestamp).
				Msg("update rejected by validation")
			return false, nil
		}
	}

	if !ok {
		st = &State{}
		a.states[payload.Asset] = st
	}
	if ok {
		elapsed := uint64(now - st.LastUpdateTime)
		last := &st.LastObservation
		st.CumulativePrice = st.CumulativePrice.AddProduct(&last.Price, elapsed)
		st.CumulativeTokenLiquidity = st.CumulativeTokenLiquidity.AddProduct(&last.TokenLiquidity, elapsed)
		st.CumulativeQuoteTokenLiquidity = st.CumulativeQuoteTokenLiquidity.AddProduct(&last.QuoteTokenLiquidity, elapsed)
	}
	sample.Timestamp = now
	st.LastObservation = sample
	st.LastUpdateTime = now

	a.logger.Debug().
		Str("asset", payload.Asset.Hex()).
		Str("price", sample.Price.Dec()).
		Uint32("timestamp", now).
		Msg("accumulator updated")
	return true, nil
}

// Cumulative returns the cumulative values for asset extrapolated to now, as if the last
// observation had been held until now.
func (a *Accumulator) Cumulative(asset common.Address) (Snapshot, error) {
	now, err := a.now()
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[asset]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	snap := Snapshot{
		Price:               st.CumulativePrice,
		TokenLiquidity:      st.CumulativeTokenLiquidity,
		QuoteTokenLiquidity: st.CumulativeQuoteTokenLiquidity,
		Timestamp:           now,
	}
	if now > st.LastUpdateTime {
		elapsed := uint64(now - st.LastUpdateTime)
		last := &st.LastObservation
		snap.Price = snap.Price.AddProduct(&last.Price, elapsed)
		snap.TokenLiquidity = snap.TokenLiquidity.AddProduct(&last.TokenLiquidity, elapsed)
		snap.QuoteTokenLiquidity = snap.QuoteTokenLiquidity.AddProduct(&last.QuoteTokenLiquidity, elapsed)
	} else {
		snap.Timestamp = st.LastUpdateTime
	}
	return snap, nil
}

// ConsultAverage returns the time-weighted averages between two snapshots.
func ConsultAverage(from, to Snapshot) (Averages, error) {
	if to.Timestamp <= from.Timestamp {
		return Averages{}, fmt.Errorf("%w: from %d to %d", ErrZeroElapsed, from.Timestamp, to.Timestamp)
	}
	elapsed := to.Timestamp - from.Timestamp
	one := uint256.NewInt(1)
	var out Averages
	var err error
	if out.Price, err = ComputeAverage(from.Price, to.Price, elapsed, one); err != nil {
		return Averages{}, fmt.Errorf("price: %w", err)
	}
	if out.TokenLiquidity, err = ComputeAverage(from.TokenLiquidity, to.TokenLiquidity, elapsed, one); err != nil {
		return Averages{}, fmt.Errorf("token liquidity: %w", err)
	}
	if out.QuoteTokenLiquidity, err = ComputeAverage(from.QuoteTokenLiquidity, to.QuoteTokenLiquidity, elapsed, one); err != nil {
		return Averages{}, fmt.Errorf("quote token liquidity: %w", err)
	}
	return out, nil
}

func (a *Accumulator) validate(payload updatedata.Payload, sample observation.Observation, now uint32) string {
	var skew uint32
	if payload.Timestamp > now {
		skew = payload.Timestamp - now
	} else {
		skew = now - payload.Timestamp
	}
	if skew > a.cfg.TimestampTolerance {
		return "timestamp"
	}
	if a.cfg.MaxDeviationPct.IsZero() {
		return ""
	}
	live := &sample.Price
	if a.cfg.Tracked == TrackLiquidity {
		live = &sample.QuoteTokenLiquidity
	}
	pct, ok := gate.ChangePct(live, &payload.Value)
	if !ok || pct.GreaterThan(a.cfg.MaxDeviationPct) {
		return "deviation"
	}
	return ""
}

func (a *Accumulator) trackedValues(obs observation.Observation) []uint256.Int {
	switch a.cfg.Tracked {
	case TrackLiquidity:
		return []uint256.Int{obs.TokenLiquidity, obs.QuoteTokenLiquidity}
	case TrackBoth:
		return []uint256.Int{obs.Price, obs.TokenLiquidity, obs.QuoteTokenLiquidity}
	default:
		return []uint256.Int{obs.Price}
	}
}

func (a *Accumulator) gateState(asset common.Address) gate.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gateStateLocked(asset)
}

func (a *Accumulator) gateStateLocked(asset common.Address) gate.State {
	st, ok := a.states[asset]
	if !ok {
		return gate.State{}
	}
	return gate.State{
		HasObservation:  true,
		ObservationTime: st.LastObservation.Timestamp,
		LastUpdateTime:  st.LastUpdateTime,
		LastValues:      a.trackedValues(st.LastObservation),
	}
}

func (a *Accumulator) now() (uint32, error) {
	return observation.ToTimestamp(a.clock.Now())
}

var (
	_ source.Adapter = (*Accumulator)(nil)
	_ source.Updater = (*Accumulator)(nil)
)
