package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"oracle-engine/internal/accumulator"
	"oracle-engine/internal/clock"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

type twapState struct {
	cumulative numeric.Wrapping
	timestamp  uint32
	obs        observation.Observation
}

// PairTWAPSource derives a time-weighted price from a V2 pair's cumulative price. Each
// update snapshots the cumulative extrapolated to now; the price is the average between
// the previous snapshot and the current one.
type PairTWAPSource struct {
	name   string
	opts   PairOptions
	caller Caller
	clock  clock.Clock
	gate   gate.Periodic
	logger zerolog.Logger
	pairs  map[common.Address]PairConfig

	mu     sync.RWMutex
	states map[common.Address]*twapState
}

// NewPairTWAPSource builds a TWAP source with a periodic averaging window.
func NewPairTWAPSource(name string, opts PairOptions, caller Caller, clk clock.Clock, logger zerolog.Logger) (*PairTWAPSource, error) {
	pairs, err := indexPairs(opts.Pairs)
	if err != nil {
		return nil, err
	}
	period, err := gate.NewPeriodic(opts.Period)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &PairTWAPSource{
		name:   name,
		opts:   opts,
		caller: caller,
		clock:  clk,
		gate:   period,
		logger: logger.With().Str("component", "twap_source").Str("source", name).Logger(),
		pairs:  pairs,
		states: make(map[common.Address]*twapState),
	}, nil
}

// Name implements source.Adapter.
func (s *PairTWAPSource) Name() string { return s.name }

// QuoteDecimals implements source.Adapter.
func (s *PairTWAPSource) QuoteDecimals() uint8 { return s.opts.QuoteDecimals }

// Consult implements source.Adapter with the last computed average.
func (s *PairTWAPSource) Consult(_ context.Context, asset common.Address, maxAge uint32) (observation.Observation, error) {
	if _, ok := s.pairs[asset]; !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w: %s", s.name, source.ErrUnsupportedAsset, asset.Hex())
	}
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
func (s *PairTWAPSource) CanUpdate(ctx context.Context, data []byte) bool {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false
	}
	pair, ok := s.pairs[asset]
	if !ok {
		return false
	}
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return false
	}
	s.mu.RLock()
	due := s.gate.NeedsUpdate(s.gateState(asset), nil, now)
	s.mu.RUnlock()
	if !due {
		return false
	}
	ctx, cancel := WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	reserves, err := readReserves(ctx, s.caller, pair)
	return err == nil && !reserves.Asset.IsZero() && !reserves.Quote.IsZero()
}

// Update implements source.Updater. The first update only records a snapshot.
func (s *PairTWAPSource) Update(ctx context.Context, data []byte) (bool, error) {
	asset, err := updatedata.Asset(data)
	if err != nil {
		return false, err
	}
	pair, ok := s.pairs[asset]
	if !ok {
		return false, fmt.Errorf("%s: %w: %s", s.name, source.ErrUnsupportedAsset, asset.Hex())
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

	ctx, cancel := WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	cumulative, reserves, err := s.currentCumulative(ctx, pair, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}

	st, ok := s.states[asset]
	if !ok {
		s.states[asset] = &twapState{cumulative: cumulative, timestamp: now}
		return true, nil
	}

	scale, err := numeric.Pow10(pair.AssetDecimals)
	if err != nil {
		return false, err
	}
	avg, err := accumulator.ComputeAverage(st.cumulative, cumulative, now-st.timestamp, scale)
	if err != nil {
		return false, fmt.Errorf("%s: average: %w", s.name, err)
	}
	price := numeric.DecodeQ112(&avg)
	obs, err := observation.New(price, &reserves.Asset, &reserves.Quote, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}

	st.cumulative = cumulative
	st.timestamp = now
	st.obs = obs
	s.logger.Debug().Str("asset", asset.Hex()).Str("price", price.Dec()).Msg("twap updated")
	return true, nil
}

// currentCumulative reads the pair's cumulative price for the asset and extrapolates it from
// the pair's last block timestamp to now with the current reserves.
func (s *PairTWAPSource) currentCumulative(ctx context.Context, pair PairConfig, now uint32) (numeric.Wrapping, Reserves, error) {
	reserves, err := readReserves(ctx, s.caller, pair)
	if err != nil {
		return numeric.Wrapping{}, Reserves{}, err
	}
	if reserves.Asset.IsZero() || reserves.Quote.IsZero() {
		return numeric.Wrapping{}, Reserves{}, source.ErrZeroLiquidity
	}
	method := "price0CumulativeLast"
	if pair.QuoteIsToken0 {
		method = "price1CumulativeLast"
	}
	raw, err := CallUint(ctx, s.caller, PairABI, pair.Pair, method)
	if err != nil {
		return numeric.Wrapping{}, Reserves{}, err
	}
	cumulative := numeric.NewWrapping(raw)
	if elapsed := now - reserves.BlockTimestampLast; elapsed != 0 {
		spot, err := numeric.EncodeQ112(&reserves.Quote, &reserves.Asset)
		if err != nil {
			return numeric.Wrapping{}, Reserves{}, err
		}
		cumulative = cumulative.AddProduct(spot, uint64(elapsed))
	}
	return cumulative, reserves, nil
}

func (s *PairTWAPSource) gateState(asset common.Address) gate.State {
	st, ok := s.states[asset]
	if !ok {
		return gate.State{}
	}
	return gate.State{
		HasObservation:  true,
		ObservationTime: st.timestamp,
		LastUpdateTime:  st.timestamp,
		LastValues:      []uint256.Int{st.obs.Price},
	}
}

var (
	_ source.Adapter = (*PairTWAPSource)(nil)
	_ source.Updater = (*PairTWAPSource)(nil)
)
