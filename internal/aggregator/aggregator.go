// Package aggregator combines observations from many sources into one consensus observation
// per asset.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/metrics"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

// Config holds aggregator settings. General sources apply to every asset; PerAsset lists
// additional sources for specific assets.
type Config struct {
	Name            string
	QuoteToken      common.Address
	QuoteDecimals   uint8
	General         []source.Adapter
	PerAsset        map[common.Address][]source.Adapter
	TimestampPolicy TimestampPolicy
	Strategy        Strategy
	Gate            gate.Policy
	// MinimumResponses is the least number of valid consultations an aggregation needs.
	MinimumResponses int
	// SourceMaxAge is the maxAge passed to every source consultation; zero accepts any age.
	SourceMaxAge uint32
	// Concurrency bounds parallel consultations; zero is unbounded.
	Concurrency int
}

// Result is the outcome of consulting one source.
type Result struct {
	Source      string
	Observation observation.Observation
	Err         error
}

// Aggregator is a source.Adapter whose observations are aggregated from other adapters.
type Aggregator struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu         sync.RWMutex
	perAsset   map[common.Address][]source.Adapter
	latest     map[common.Address]observation.Observation
	lastUpdate map[common.Address]uint32

	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// New validates cfg and builds an aggregator.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Aggregator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.QuoteToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: quote token is required", ErrInvalidConfig)
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("%w: gate is required", ErrInvalidConfig)
	}
	if cfg.MinimumResponses < 1 {
		return nil, fmt.Errorf("%w: minimum responses must be at least 1", ErrInvalidConfig)
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency cannot be negative", ErrInvalidConfig)
	}
	if _, err := numeric.Pow10(cfg.QuoteDecimals); err != nil {
		return nil, fmt.Errorf("%w: quote decimals: %v", ErrInvalidConfig, err)
	}
	policy, err := ParseTimestampPolicy(string(cfg.TimestampPolicy))
	if err != nil {
		return nil, err
	}
	cfg.TimestampPolicy = policy
	if cfg.Strategy == nil {
		cfg.Strategy = HarmonicMean{}
	}
	if err := validateSources(cfg.General, nil); err != nil {
		return nil, err
	}
	perAsset := make(map[common.Address][]source.Adapter, len(cfg.PerAsset))
	for asset, adapters := range cfg.PerAsset {
		if asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero asset address", ErrInvalidConfig)
		}
		if err := validateSources(cfg.General, adapters); err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.Hex(), err)
		}
		perAsset[asset] = append([]source.Adapter(nil), adapters...)
	}
	cfg.PerAsset = nil
	if clk == nil {
		clk = clock.System{}
	}

	return &Aggregator{
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With().Str("component", "aggregator").Str("oracle", cfg.Name).Logger(),
		perAsset:   perAsset,
		latest:     make(map[common.Address]observation.Observation),
		lastUpdate: make(map[common.Address]uint32),
		locks:      make(map[common.Address]*sync.Mutex),
	}, nil
}

func validateSources(general, extra []source.Adapter) error {
	seen := make(map[string]struct{}, len(general)+len(extra))
	for _, list := range [][]source.Adapter{general, extra} {
		for _, a := range list {
			if a == nil {
				return fmt.Errorf("%w: nil source", ErrInvalidConfig)
			}
			if a.Name() == "" {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, source.ErrEmptyName)
			}
			if _, dup := seen[a.Name()]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateSource, a.Name())
			}
			seen[a.Name()] = struct{}{}
		}
	}
	return nil
}

// Name implements source.Adapter.
func (a *Aggregator) Name() string { return a.cfg.Name }

// QuoteDecimals implements source.Adapter.
func (a *Aggregator) QuoteDecimals() uint8 { return a.cfg.QuoteDecimals }

// QuoteToken returns the configured quote token.
func (a *Aggregator) QuoteToken() common.Address { return a.cfg.QuoteToken }

// SetAssetSources replaces the asset-specific sources of asset after re-validating the
// effective list. An empty list removes the override.
func (a *Aggregator) SetAssetSources(asset common.Address, adapters []source.Adapter) error {
	if asset == (common.Address{}) {
		return fmt.Errorf("%w: zero asset address", ErrInvalidConfig)
	}
	if err := validateSources(a.cfg.General, adapters); err != nil {
		return fmt.Errorf("asset %s: %w", asset.Hex(), err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(adapters) == 0 {
		delete(a.perAsset, asset)
		return nil
	}
	a.perAsset[asset] = append([]source.Adapter(nil), adapters...)
	return nil
}

// EffectiveSources returns the general sources followed by the asset-specific ones.
func (a *Aggregator) EffectiveSources(asset common.Address) []source.Adapter {
	a.mu.RLock()
	extra := a.perAsset[asset]
	a.mu.RUnlock()
	out := make([]source.Adapter, 0, len(a.cfg.General)+len(extra))
	out = append(out, a.cfg.General...)
	return append(out, extra...)
}

// Aggregate consults every effective source for asset and combines the valid results.
// Failing sources are excluded; the returned results describe every consultation.
func (a *Aggregator) Aggregate(ctx context.Context, asset common.Address) (observation.Observation, []Result, error) {
	now, err := a.now()
	if err != nil {
		return observation.Observation{}, nil, err
	}
	if asset == a.cfg.QuoteToken {
		return a.identity(now), nil, nil
	}

	sources := a.EffectiveSources(asset)
	results := make([]Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Concurrency > 0 {
		g.SetLimit(a.cfg.Concurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			obs, err := src.Consult(gctx, asset, a.cfg.SourceMaxAge)
			results[i] = Result{Source: src.Name(), Observation: obs, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]Candidate, 0, len(results))
	for i := range results {
		r := &results[i]
		if r.Err == nil {
			var normalized observation.Observation
			normalized, r.Err = a.normalize(r.Observation, sources[i].QuoteDecimals())
			if r.Err == nil {
				candidates = append(candidates, Candidate{Source: r.Source, Observation: normalized})
			}
		}
		status := "ok"
		if r.Err != nil {
			status = "error"
			a.logger.Warn().Err(r.Err).Str("asset", asset.Hex()).Str("source", r.Source).Msg("source excluded")
		}
		metrics.ConsultationsTotal.WithLabelValues(a.cfg.Name, r.Source, status).Inc()
	}
	metrics.ValidSources.WithLabelValues(a.cfg.Name, asset.Hex()).Set(float64(len(candidates)))

	if len(candidates) == 0 || len(candidates) < a.cfg.MinimumResponses {
		return observation.Observation{}, results, fmt.Errorf("%w: %d valid of %d, need %d",
			ErrInsufficientValidConsultations, len(candidates), len(sources), a.cfg.MinimumResponses)
	}

	price, err := a.cfg.Strategy.Price(candidates)
	if err != nil {
		return observation.Observation{}, results, fmt.Errorf("%s price: %w", a.cfg.Strategy.Name(), err)
	}
	tokenLiquidity, quoteLiquidity := new(uint256.Int), new(uint256.Int)
	for _, c := range candidates {
		tokenLiquidity = numeric.SaturatingAdd112(tokenLiquidity, &c.Observation.TokenLiquidity)
		quoteLiquidity = numeric.SaturatingAdd112(quoteLiquidity, &c.Observation.QuoteTokenLiquidity)
	}
	if price.IsZero() || quoteLiquidity.IsZero() {
		return observation.Observation{}, results, fmt.Errorf("%w: zero price or quote liquidity", ErrInsufficientValidConsultations)
	}

	obs, err := observation.New(price, tokenLiquidity, quoteLiquidity, a.cfg.TimestampPolicy.Resolve(candidates, now))
	if err != nil {
		return observation.Observation{}, results, err
	}
	return obs, results, nil
}

// normalize rescales price and quote liquidity from the source's decimals to the aggregator's.
func (a *Aggregator) normalize(obs observation.Observation, from uint8) (observation.Observation, error) {
	if from == a.cfg.QuoteDecimals {
		return obs, nil
	}
	price, err := numeric.Rescale(&obs.Price, from, a.cfg.QuoteDecimals)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("normalize price: %w", err)
	}
	quoteLiquidity, err := numeric.Rescale(&obs.QuoteTokenLiquidity, from, a.cfg.QuoteDecimals)
	if err != nil {
		// Liquidity too large to rescale is treated as saturated.
		if !errors.Is(err, numeric.ErrOverflow) {
			return observation.Observation{}, fmt.Errorf("normalize quote liquidity: %w", err)
		}
		quoteLiquidity = numeric.MaxUint112()
	}
	out, err := observation.New(price, &obs.TokenLiquidity, quoteLiquidity, obs.Timestamp)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// NeedsUpdate reports whether the gate permits recording a new observation for the asset.
func (a *Aggregator) NeedsUpdate(ctx context.Context, data []byte) bool {
	due, _ := a.evaluate(ctx, data)
	return due
}

// CanUpdate reports whether an update is due and the sources currently aggregate.
func (a *Aggregator) CanUpdate(ctx context.Context, data []byte) bool {
	due, aggErr := a.evaluate(ctx, data)
	return due && aggErr == nil
}

func (a *Aggregator) evaluate(ctx context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil || asset == a.cfg.QuoteToken {
		return false, err
	}
	now, err := a.now()
	if err != nil {
		return false, err
	}
	obs, _, aggErr := a.Aggregate(ctx, asset)
	var current []uint256.Int
	if aggErr == nil && a.cfg.Gate.RequiresCurrent() {
		current = []uint256.Int{obs.Price}
	}
	return a.cfg.Gate.NeedsUpdate(a.gateState(asset), current, now), aggErr
}

// Update refreshes every updatable source, aggregates, and records the result when the gate
// permits it and its timestamp is strictly newer than the stored one. Source update errors
// are logged and ignored.
func (a *Aggregator) Update(ctx context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false, err
	}
	if asset == a.cfg.QuoteToken {
		return false, nil
	}

	lock := a.assetLock(asset)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		metrics.UpdateDuration.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	for _, src := range a.EffectiveSources(asset) {
		updater, ok := src.(source.Updater)
		if !ok {
			continue
		}
		if _, err := updater.Update(ctx, data); err != nil {
			a.logger.Warn().Err(err).Str("asset", asset.Hex()).Str("source", src.Name()).Msg("source update failed")
		}
	}

	obs, _, err := a.Aggregate(ctx, asset)
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(a.cfg.Name, metrics.ResultFailed).Inc()
		return false, err
	}
	now, err := a.now()
	if err != nil {
		return false, err
	}
	var current []uint256.Int
	if a.cfg.Gate.RequiresCurrent() {
		current = []uint256.Int{obs.Price}
	}
	if !a.cfg.Gate.NeedsUpdate(a.gateState(asset), current, now) {
		metrics.UpdatesTotal.WithLabelValues(a.cfg.Name, metrics.ResultUnchanged).Inc()
		return false, nil
	}

	a.mu.Lock()
	prev, had := a.latest[asset]
	if had && obs.Timestamp <= prev.Timestamp {
		a.mu.Unlock()
		a.logger.Debug().
			Str("asset", asset.Hex()).
			Uint32("stored", prev.Timestamp).
			Uint32("candidate", obs.Timestamp).
			Msg("aggregated observation not newer than stored; discarded")
		metrics.UpdatesTotal.WithLabelValues(a.cfg.Name, metrics.ResultUnchanged).Inc()
		return false, nil
	}
	a.latest[asset] = obs
	a.lastUpdate[asset] = now
	a.mu.Unlock()

	metrics.UpdatesTotal.WithLabelValues(a.cfg.Name, metrics.ResultChanged).Inc()
	metrics.ObservationPrice.WithLabelValues(a.cfg.Name, asset.Hex()).Set(numeric.ToDecimal(&obs.Price, a.cfg.QuoteDecimals).InexactFloat64())
	metrics.ObservationTimestamp.WithLabelValues(a.cfg.Name, asset.Hex()).Set(float64(obs.Timestamp))
	a.logger.Info().
		Str("asset", asset.Hex()).
		Str("price", obs.Price.Dec()).
		Str("quote_liquidity", obs.QuoteTokenLiquidity.Dec()).
		Uint32("timestamp", obs.Timestamp).
		Msg("aggregated observation recorded")
	return true, nil
}

// Consult implements source.Adapter with the last recorded observation. The quote token
// always yields one whole unit with zero liquidity.
func (a *Aggregator) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	now, err := a.now()
	if err != nil {
		return observation.Observation{}, err
	}
	if asset == a.cfg.QuoteToken {
		return a.identity(now), nil
	}
	obs, _ := a.Latest(asset)
	if err := observation.CheckFresh(obs, now, maxAge); err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", a.cfg.Name, err)
	}
	return obs, nil
}

// ConsultPrice returns the price part of Consult.
func (a *Aggregator) ConsultPrice(ctx context.Context, asset common.Address, maxAge uint32) (uint256.Int, error) {
	return source.ConsultPrice(ctx, a, asset, maxAge)
}

// ConsultLiquidity returns the liquidity part of Consult.
func (a *Aggregator) ConsultLiquidity(ctx context.Context, asset common.Address, maxAge uint32) (uint256.Int, uint256.Int, error) {
	return source.ConsultLiquidity(ctx, a, asset, maxAge)
}

// Latest returns the stored observation for asset, if any.
func (a *Aggregator) Latest(asset common.Address) (observation.Observation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obs, ok := a.latest[asset]
	return obs, ok
}

// Restore seeds the stored observation for asset, typically from persistence at startup.
// It follows the same strictly-newer rule as Update.
func (a *Aggregator) Restore(asset common.Address, obs observation.Observation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.latest[asset]; ok && obs.Timestamp <= prev.Timestamp {
		return false
	}
	a.latest[asset] = obs
	a.lastUpdate[asset] = obs.Timestamp
	return true
}

func (a *Aggregator) identity(now uint32) observation.Observation {
	var obs observation.Observation
	obs.Price.Set(numeric.MustPow10(a.cfg.QuoteDecimals))
	obs.Timestamp = now
	return obs
}

func (a *Aggregator) gateState(asset common.Address) gate.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obs, ok := a.latest[asset]
	if !ok {
		return gate.State{}
	}
	return gate.State{
		HasObservation:  true,
		ObservationTime: obs.Timestamp,
		LastUpdateTime:  a.lastUpdate[asset],
		LastValues:      []uint256.Int{obs.Price},
	}
}

func (a *Aggregator) assetLock(asset common.Address) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[asset]
	if !ok {
		l = &sync.Mutex{}
		a.locks[asset] = l
	}
	return l
}

func (a *Aggregator) now() (uint32, error) {
	return observation.ToTimestamp(a.clock.Now())
}

var (
	_ source.Adapter = (*Aggregator)(nil)
	_ source.Updater = (*Aggregator)(nil)
)
