package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
)

// PairConfig binds an asset to a V2 pair whose other side is the quote token.
type PairConfig struct {
	Asset         common.Address `mapstructure:"asset"`
	Pair          common.Address `mapstructure:"pair"`
	AssetDecimals uint8          `mapstructure:"asset_decimals"`
	// QuoteIsToken0 is set when the quote token sorts before the asset in the pair.
	QuoteIsToken0 bool `mapstructure:"quote_is_token0"`
}

// PairOptions parameterise the pair-backed sources.
type PairOptions struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	QuoteDecimals uint8         `mapstructure:"quote_decimals"`
	Period        time.Duration `mapstructure:"period"`
	Pairs         []PairConfig  `mapstructure:"pairs"`
}

// Reserves holds a pair's reserves oriented to asset and quote token.
type Reserves struct {
	Asset              uint256.Int
	Quote              uint256.Int
	BlockTimestampLast uint32
}

func readReserves(ctx context.Context, caller Caller, pair PairConfig) (Reserves, error) {
	outputs, err := Call(ctx, caller, PairABI, pair.Pair, "getReserves")
	if err != nil {
		return Reserves{}, err
	}
	if len(outputs) != 3 {
		return Reserves{}, fmt.Errorf("%w: unexpected getReserves response", source.ErrInvalidResponse)
	}
	reserve0, ok0 := outputs[0].(*big.Int)
	reserve1, ok1 := outputs[1].(*big.Int)
	ts, ok2 := outputs[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return Reserves{}, fmt.Errorf("%w: failed to decode getReserves output", source.ErrInvalidResponse)
	}
	var r Reserves
	r.BlockTimestampLast = ts
	if pair.QuoteIsToken0 {
		r.Quote.SetFromBig(reserve0)
		r.Asset.SetFromBig(reserve1)
	} else {
		r.Asset.SetFromBig(reserve0)
		r.Quote.SetFromBig(reserve1)
	}
	return r, nil
}

// spotPrice returns quote units per one whole asset unit.
func spotPrice(r Reserves, assetDecimals uint8) (*uint256.Int, error) {
	if r.Asset.IsZero() || r.Quote.IsZero() {
		return nil, source.ErrZeroLiquidity
	}
	scale, err := numeric.Pow10(assetDecimals)
	if err != nil {
		return nil, err
	}
	return numeric.MulDiv(&r.Quote, scale, &r.Asset)
}

// ReservesSource reports the instantaneous pair price with the reserves as liquidity.
type ReservesSource struct {
	name   string
	opts   PairOptions
	caller Caller
	clock  clock.Clock
	logger zerolog.Logger
	pairs  map[common.Address]PairConfig
}

// NewReservesSource builds a spot price source.
func NewReservesSource(name string, opts PairOptions, caller Caller, clk clock.Clock, logger zerolog.Logger) (*ReservesSource, error) {
	pairs, err := indexPairs(opts.Pairs)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &ReservesSource{
		name:   name,
		opts:   opts,
		caller: caller,
		clock:  clk,
		logger: logger.With().Str("component", "reserves_source").Str("source", name).Logger(),
		pairs:  pairs,
	}, nil
}

// Name implements source.Adapter.
func (s *ReservesSource) Name() string { return s.name }

// QuoteDecimals implements source.Adapter.
func (s *ReservesSource) QuoteDecimals() uint8 { return s.opts.QuoteDecimals }

// Consult implements source.Adapter. The observation is timestamped at the time of the read.
func (s *ReservesSource) Consult(ctx context.Context, asset common.Address, _ uint32) (observation.Observation, error) {
	pair, ok := s.pairs[asset]
	if !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w: %s", s.name, source.ErrUnsupportedAsset, asset.Hex())
	}

	ctx, cancel := WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	reserves, err := readReserves(ctx, s.caller, pair)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}
	price, err := spotPrice(reserves, pair.AssetDecimals)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	s.logger.Debug().Str("asset", asset.Hex()).Str("price", price.Dec()).Msg("pair reserves read")
	return observation.New(price, &reserves.Asset, &reserves.Quote, now)
}

func indexPairs(pairs []PairConfig) (map[common.Address]PairConfig, error) {
	if len(pairs) == 0 {
		return nil, ErrPairsRequired
	}
	out := make(map[common.Address]PairConfig, len(pairs))
	for _, p := range pairs {
		if p.Asset == (common.Address{}) || p.Pair == (common.Address{}) {
			return nil, fmt.Errorf("%w: pair and asset addresses are required", source.ErrInvalidConfig)
		}
		if _, dup := out[p.Asset]; dup {
			return nil, fmt.Errorf("%w: asset %s configured twice", source.ErrInvalidConfig, p.Asset.Hex())
		}
		out[p.Asset] = p
	}
	return out, nil
}

var _ source.Adapter = (*ReservesSource)(nil)
