// Package lending samples borrow utilization from Compound-style lending markets.
//
// Each market is a cToken whose underlying asset is the oracle asset. The observation price is
// the utilization borrows/(cash+borrows) scaled to 18 decimals; token liquidity is total
// borrows and quote token liquidity is total supply (cash + borrows).
package lending

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/source/evm"
)

// Kind is the registry kind of this source.
const Kind = "lending.compound"

// UtilizationDecimals is the scale of the reported utilization.
const UtilizationDecimals = 18

// DefaultReconcileInterval is how often the market list is re-read when not configured.
const DefaultReconcileInterval = 10 * time.Minute

var (
	// ErrAmbiguousMarket indicates two live markets share one underlying asset.
	ErrAmbiguousMarket = errors.New("lending: ambiguous market mapping")
	// ErrComptrollerRequired indicates a missing comptroller address.
	ErrComptrollerRequired = errors.New("lending: comptroller address is required")
)

const comptrollerABIJSON = `[
	{"inputs":[],"name":"getAllMarkets","outputs":[{"internalType":"address[]","name":"","type":"address[]"}],"stateMutability":"view","type":"function"}
]`

const cTokenABIJSON = `[
	{"inputs":[],"name":"underlying","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getCash","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalBorrows","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	// ComptrollerABI is the market listing interface.
	ComptrollerABI abi.ABI
	// CTokenABI is the subset of the market interface read by this package.
	CTokenABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(comptrollerABIJSON))
	if err != nil {
		panic("failed to parse comptroller ABI: " + err.Error())
	}
	ComptrollerABI = parsed

	parsed, err = abi.JSON(strings.NewReader(cTokenABIJSON))
	if err != nil {
		panic("failed to parse cToken ABI: " + err.Error())
	}
	CTokenABI = parsed
}

// Options parameterise the lending source.
type Options struct {
	RPCURL      string         `mapstructure:"rpc_url"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Comptroller common.Address `mapstructure:"comptroller"`
	// NativeAsset is the asset id used for a market without underlying() (the native coin market).
	NativeAsset common.Address `mapstructure:"native_asset"`
	// ReconcileInterval is the minimum time between market list reloads.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// Diff lists underlying assets whose markets appeared or disappeared during a reconcile.
type Diff struct {
	Added   []common.Address
	Removed []common.Address
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Source reads utilization from a comptroller's markets.
type Source struct {
	name   string
	opts   Options
	caller evm.Caller
	clock  clock.Clock
	logger zerolog.Logger

	// refresh serializes reconciles.
	refresh sync.Mutex

	mu             sync.RWMutex
	markets        map[common.Address]common.Address
	loaded         bool
	lastReconciled time.Time
}

// New builds a lending source. Markets are discovered on the first Consult or Update and
// re-read once ReconcileInterval has passed.
func New(name string, opts Options, caller evm.Caller, clk clock.Clock, logger zerolog.Logger) (*Source, error) {
	if opts.Comptroller == (common.Address{}) {
		return nil, ErrComptrollerRequired
	}
	if clk == nil {
		clk = clock.System{}
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	return &Source{
		name:    name,
		opts:    opts,
		caller:  caller,
		clock:   clk,
		logger:  logger.With().Str("component", "lending_source").Str("source", name).Logger(),
		markets: make(map[common.Address]common.Address),
	}, nil
}

// Name implements source.Adapter.
func (s *Source) Name() string { return s.name }

// QuoteDecimals implements source.Adapter.
func (s *Source) QuoteDecimals() uint8 { return UtilizationDecimals }

// Markets returns the current underlying to market mapping.
func (s *Source) Markets() map[common.Address]common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]common.Address, len(s.markets))
	for k, v := range s.markets {
		out[k] = v
	}
	return out
}

// Reconcile reloads the live market list and replaces the mapping. On failure the previous
// mapping is kept.
func (s *Source) Reconcile(ctx context.Context) (Diff, error) {
	s.refresh.Lock()
	defer s.refresh.Unlock()
	return s.reconcile(ctx)
}

// CanUpdate implements source.Updater: the market list is due for a reload.
func (s *Source) CanUpdate(_ context.Context, _ []byte) bool {
	return s.reconcileDue()
}

// Update implements source.Updater by reconciling the market list when due. It reports
// whether any market appeared or disappeared.
func (s *Source) Update(ctx context.Context, _ []byte) (bool, error) {
	s.refresh.Lock()
	defer s.refresh.Unlock()
	if !s.reconcileDue() {
		return false, nil
	}
	diff, err := s.reconcile(ctx)
	if err != nil {
		return false, err
	}
	return !diff.Empty(), nil
}

func (s *Source) reconcileDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return true
	}
	return s.clock.Now().Sub(s.lastReconciled) >= s.opts.ReconcileInterval
}

// ensureMarkets reconciles when due. A failed reload keeps serving the previous mapping.
func (s *Source) ensureMarkets(ctx context.Context) error {
	if !s.reconcileDue() {
		return nil
	}
	s.refresh.Lock()
	defer s.refresh.Unlock()
	if !s.reconcileDue() {
		return nil
	}
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if _, err := s.reconcile(ctx); err != nil {
		if !loaded {
			return err
		}
		s.logger.Warn().Err(err).Msg("market reconcile failed; keeping previous mapping")
	}
	return nil
}

func (s *Source) reconcile(ctx context.Context) (Diff, error) {
	ctx, cancel := evm.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	outputs, err := evm.Call(ctx, s.caller, ComptrollerABI, s.opts.Comptroller, "getAllMarkets")
	if err != nil {
		return Diff{}, fmt.Errorf("%s: %w", s.name, err)
	}
	if len(outputs) != 1 {
		return Diff{}, fmt.Errorf("%s: %w: unexpected getAllMarkets response", s.name, source.ErrInvalidResponse)
	}
	live, ok := outputs[0].([]common.Address)
	if !ok {
		return Diff{}, fmt.Errorf("%s: %w: failed to decode getAllMarkets output", s.name, source.ErrInvalidResponse)
	}

	next := make(map[common.Address]common.Address, len(live))
	for _, market := range live {
		underlying, err := s.underlying(ctx, market)
		if err != nil {
			return Diff{}, fmt.Errorf("%s: market %s: %w", s.name, market.Hex(), err)
		}
		if underlying == (common.Address{}) {
			s.logger.Debug().Str("market", market.Hex()).Msg("market without underlying skipped")
			continue
		}
		if prev, dup := next[underlying]; dup {
			return Diff{}, fmt.Errorf("%s: %w: %s backs markets %s and %s",
				s.name, ErrAmbiguousMarket, underlying.Hex(), prev.Hex(), market.Hex())
		}
		next[underlying] = market
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var diff Diff
	for asset := range next {
		if _, ok := s.markets[asset]; !ok {
			diff.Added = append(diff.Added, asset)
		}
	}
	for asset := range s.markets {
		if _, ok := next[asset]; !ok {
			diff.Removed = append(diff.Removed, asset)
		}
	}
	sortAddresses(diff.Added)
	sortAddresses(diff.Removed)
	s.markets = next
	s.loaded = true
	s.lastReconciled = s.clock.Now()

	if !diff.Empty() {
		s.logger.Info().
			Int("added", len(diff.Added)).
			Int("removed", len(diff.Removed)).
			Int("markets", len(next)).
			Msg("lending markets reconciled")
	}
	return diff, nil
}

// Consult implements source.Adapter.
func (s *Source) Consult(ctx context.Context, asset common.Address, _ uint32) (observation.Observation, error) {
	if err := s.ensureMarkets(ctx); err != nil {
		return observation.Observation{}, err
	}

	s.mu.RLock()
	market, ok := s.markets[asset]
	s.mu.RUnlock()
	if !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w: %s", s.name, source.ErrUnsupportedAsset, asset.Hex())
	}

	ctx, cancel := evm.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	cash, err := evm.CallUint(ctx, s.caller, CTokenABI, market, "getCash")
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}
	borrows, err := evm.CallUint(ctx, s.caller, CTokenABI, market, "totalBorrows")
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}

	utilization, supply, err := Utilization(cash, borrows)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", s.name, err)
	}
	now, err := observation.ToTimestamp(s.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	return observation.New(utilization, borrows, supply, now)
}

// Utilization returns borrows/(cash+borrows) scaled to 18 decimals and the total supply.
// An empty market has zero utilization.
func Utilization(cash, borrows *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	supply, overflow := new(uint256.Int).AddOverflow(cash, borrows)
	if overflow {
		return nil, nil, numeric.ErrOverflow
	}
	if supply.IsZero() {
		return new(uint256.Int), supply, nil
	}
	u, err := numeric.MulDiv(borrows, numeric.MustPow10(UtilizationDecimals), supply)
	if err != nil {
		return nil, nil, err
	}
	return u, supply, nil
}

func (s *Source) underlying(ctx context.Context, market common.Address) (common.Address, error) {
	outputs, err := evm.Call(ctx, s.caller, CTokenABI, market, "underlying")
	if err != nil {
		// The native coin market has no underlying() and reverts.
		if strings.Contains(err.Error(), "execution reverted") {
			return s.opts.NativeAsset, nil
		}
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("%w: unexpected underlying response", source.ErrInvalidResponse)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: failed to decode underlying output", source.ErrInvalidResponse)
	}
	return addr, nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}

// Register adds the lending source kind to reg.
func Register(reg *source.Registry, dial evm.Dialer, clk clock.Clock, logger zerolog.Logger) {
	reg.Register(Kind, func(name string, options map[string]any) (source.Adapter, error) {
		var opts Options
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		if opts.RPCURL == "" {
			return nil, evm.ErrRPCURLRequired
		}
		return New(name, opts, dial(opts.RPCURL), clk, logger)
	})
}

var (
	_ source.Adapter = (*Source)(nil)
	_ source.Updater = (*Source)(nil)
)
