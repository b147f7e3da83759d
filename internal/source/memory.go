package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/updatedata"
)

// Memory is an in-process source fed by Set or staged through Stage and Update. It backs
// manual feeds, simulations and tests.
type Memory struct {
	name     string
	decimals uint8
	clock    clock.Clock

	mu           sync.RWMutex
	observations map[common.Address]observation.Observation
	staged       map[common.Address]observation.Observation
	failure      error
	updateCalls  map[common.Address]int
	live         bool
}

// NewMemory constructs a Memory source.
func NewMemory(name string, quoteDecimals uint8, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{
		name:         name,
		decimals:     quoteDecimals,
		clock:        clk,
		observations: make(map[common.Address]observation.Observation),
		staged:       make(map[common.Address]observation.Observation),
		updateCalls:  make(map[common.Address]int),
	}
}

// Name implements Adapter.
func (m *Memory) Name() string { return m.name }

// QuoteDecimals implements Adapter.
func (m *Memory) QuoteDecimals() uint8 { return m.decimals }

// Set stores obs as the current observation for asset.
func (m *Memory) Set(asset common.Address, obs observation.Observation) {
	m.mu.Lock()
	m.observations[asset] = obs
	m.mu.Unlock()
}

// Stage queues obs to become current on the next Update for asset.
func (m *Memory) Stage(asset common.Address, obs observation.Observation) {
	m.mu.Lock()
	m.staged[asset] = obs
	m.mu.Unlock()
}

// SetError makes every Consult and Update fail with err; nil clears it.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// SetLive makes Consult stamp observations with the current time, modelling a feed that
// is always fresh.
func (m *Memory) SetLive(live bool) {
	m.mu.Lock()
	m.live = live
	m.mu.Unlock()
}

// UpdateCalls returns how many times Update was invoked for asset.
func (m *Memory) UpdateCalls(asset common.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updateCalls[asset]
}

// Consult implements Adapter.
func (m *Memory) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	m.mu.RLock()
	failure := m.failure
	obs, ok := m.observations[asset]
	live := m.live
	m.mu.RUnlock()

	if failure != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", m.name, failure)
	}
	if !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w", m.name, observation.ErrMissingObservation)
	}
	now, err := observation.ToTimestamp(m.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	if live {
		obs.Timestamp = now
	}
	if err := observation.CheckFresh(obs, now, maxAge); err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", m.name, err)
	}
	return obs, nil
}

// CanUpdate implements Updater.
func (m *Memory) CanUpdate(_ context.Context, data []byte) bool {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.staged[asset]
	return ok && m.failure == nil
}

// Update implements Updater by promoting the staged observation.
func (m *Memory) Update(_ context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls[asset]++
	if m.failure != nil {
		return false, fmt.Errorf("%s: %w", m.name, m.failure)
	}
	obs, ok := m.staged[asset]
	if !ok {
		return false, nil
	}
	delete(m.staged, asset)
	m.observations[asset] = obs
	return true, nil
}

// KindMemory is the registry kind of configured in-process feeds.
const KindMemory = "memory"

// MemoryOptions configures a memory source from configuration.
type MemoryOptions struct {
	QuoteDecimals uint8 `mapstructure:"quote_decimals"`
	// Live restamps observations on every consultation.
	Live         bool                `mapstructure:"live"`
	Observations []MemoryObservation `mapstructure:"observations"`
}

// MemoryObservation seeds one asset. Price is in whole quote units and is scaled by
// QuoteDecimals; liquidities are raw integer amounts.
type MemoryObservation struct {
	Asset               common.Address  `mapstructure:"asset"`
	Price               decimal.Decimal `mapstructure:"price"`
	TokenLiquidity      decimal.Decimal `mapstructure:"token_liquidity"`
	QuoteTokenLiquidity decimal.Decimal `mapstructure:"quote_token_liquidity"`
}

// RegisterMemory adds the memory kind to reg.
func RegisterMemory(reg *Registry, clk clock.Clock) {
	reg.Register(KindMemory, func(name string, options map[string]any) (Adapter, error) {
		var opts MemoryOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewMemoryFromOptions(name, opts, clk)
	})
}

// NewMemoryFromOptions builds a Memory source seeded with opts.Observations stamped at
// the current time.
func NewMemoryFromOptions(name string, opts MemoryOptions, clk clock.Clock) (*Memory, error) {
	m := NewMemory(name, opts.QuoteDecimals, clk)
	m.SetLive(opts.Live)
	now, err := observation.ToTimestamp(m.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, seed := range opts.Observations {
		price, err := numeric.FromDecimal(seed.Price, opts.QuoteDecimals)
		if err != nil {
			return nil, fmt.Errorf("%w: %s price: %v", ErrInvalidConfig, seed.Asset.Hex(), err)
		}
		tokenLiq, err := numeric.FromDecimal(seed.TokenLiquidity, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s token liquidity: %v", ErrInvalidConfig, seed.Asset.Hex(), err)
		}
		quoteLiq, err := numeric.FromDecimal(seed.QuoteTokenLiquidity, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s quote token liquidity: %v", ErrInvalidConfig, seed.Asset.Hex(), err)
		}
		obs, err := observation.New(price, tokenLiq, quoteLiq, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, seed.Asset.Hex(), err)
		}
		m.Set(seed.Asset, obs)
	}
	return m, nil
}

var (
	_ Adapter = (*Memory)(nil)
	_ Updater = (*Memory)(nil)
)
