package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/history"
	"oracle-engine/internal/metrics"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

// Config configures a filtering oracle.
type Config struct {
	Name string
	// QuoteDecimals is the scale of the filtered price field.
	QuoteDecimals uint8
	Window        Window
	Filter        Filter
}

// Oracle is a source.Adapter whose observations are computed from a history store.
type Oracle struct {
	cfg    Config
	store  *history.Store
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.RWMutex
	latest map[common.Address]observation.Observation
	// update serializes Update across assets; filters are cheap.
	update sync.Mutex
}

// New validates cfg and builds an Oracle over store.
func New(cfg Config, store *history.Store, clk clock.Clock, logger zerolog.Logger) (*Oracle, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Filter == nil {
		return nil, fmt.Errorf("%w: filter is required", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: history store is required", ErrInvalidConfig)
	}
	if err := cfg.Window.Validate(cfg.Filter.MinAmount()); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Oracle{
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "filter").Str("filter", cfg.Name).Logger(),
		latest: make(map[common.Address]observation.Observation),
	}, nil
}

// Name implements source.Adapter.
func (o *Oracle) Name() string { return o.cfg.Name }

// QuoteDecimals implements source.Adapter.
func (o *Oracle) QuoteDecimals() uint8 { return o.cfg.QuoteDecimals }

// Kind returns the filter kind.
func (o *Oracle) Kind() string { return o.cfg.Filter.Kind() }

// Window returns the configured window.
func (o *Oracle) Window() Window { return o.cfg.Window }

// NeedsUpdate reports whether the store holds a full window for the asset and its newest
// observation is strictly newer than the last filtered one.
func (o *Oracle) NeedsUpdate(_ context.Context, data []byte) bool {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	return o.needsUpdate(asset)
}

func (o *Oracle) needsUpdate(asset common.Address) bool {
	if o.store.Count(asset) < o.cfg.Window.Required() {
		return false
	}
	newest, err := o.store.Latest(asset)
	if err != nil {
		return false
	}
	o.mu.RLock()
	last, ok := o.latest[asset]
	o.mu.RUnlock()
	return !ok || newest.Timestamp > last.Timestamp
}

// CanUpdate reports whether an update is due and the filter can be computed.
func (o *Oracle) CanUpdate(ctx context.Context, data []byte) bool {
	if !o.NeedsUpdate(ctx, data) {
		return false
	}
	asset, _ := updatedata.Asset(data)
	_, err := o.compute(asset)
	return err == nil
}

// Update recomputes the filtered observation for the asset when one is due.
func (o *Oracle) Update(_ context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false, err
	}
	o.update.Lock()
	defer o.update.Unlock()

	if !o.needsUpdate(asset) {
		return false, nil
	}
	obs, err := o.compute(asset)
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	o.latest[asset] = obs
	o.mu.Unlock()

	metrics.FilterValue.WithLabelValues(o.cfg.Name, asset.Hex()).Set(numeric.ToDecimal(&obs.Price, o.cfg.QuoteDecimals).InexactFloat64())
	o.logger.Debug().
		Str("asset", asset.Hex()).
		Str("value", obs.Price.Dec()).
		Uint32("timestamp", obs.Timestamp).
		Msg("filter updated")
	return true, nil
}

func (o *Oracle) compute(asset common.Address) (observation.Observation, error) {
	w := o.cfg.Window
	window, err := o.store.Window(asset, w.Amount, w.Offset, w.Increment)
	if err != nil {
		return observation.Observation{}, err
	}
	newest, err := o.store.Latest(asset)
	if err != nil {
		return observation.Observation{}, err
	}
	obs, err := o.cfg.Filter.Apply(window)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s %s: %w", o.cfg.Filter.Kind(), asset.Hex(), err)
	}
	obs.Timestamp = newest.Timestamp
	return obs, nil
}

// Consult implements source.Adapter with the last filtered observation.
func (o *Oracle) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	now, err := observation.ToTimestamp(o.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	obs, _ := o.Latest(asset)
	if err := observation.CheckFresh(obs, now, maxAge); err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", o.cfg.Name, err)
	}
	return obs, nil
}

// ConsultPrice returns the price part of Consult.
func (o *Oracle) ConsultPrice(ctx context.Context, asset common.Address, maxAge uint32) (uint256.Int, error) {
	return source.ConsultPrice(ctx, o, asset, maxAge)
}

// ConsultLiquidity returns the liquidity part of Consult.
func (o *Oracle) ConsultLiquidity(ctx context.Context, asset common.Address, maxAge uint32) (uint256.Int, uint256.Int, error) {
	return source.ConsultLiquidity(ctx, o, asset, maxAge)
}

// Latest returns the last filtered observation for asset.
func (o *Oracle) Latest(asset common.Address) (observation.Observation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obs, ok := o.latest[asset]
	return obs, ok
}

// IsInsufficientData reports whether err means the history does not hold a full window yet.
func IsInsufficientData(err error) bool {
	return errors.Is(err, history.ErrInsufficientData) || errors.Is(err, history.ErrUnknownAsset)
}

var (
	_ source.Adapter = (*Oracle)(nil)
	_ source.Updater = (*Oracle)(nil)
)
