package evm

import (
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/source"
)

// Source kinds registered by this package.
const (
	KindReserves = "evm.reserves"
	KindPairTWAP = "evm.pair_twap"
	KindVault    = "evm.vault"
)

// Dialer returns a Caller for an RPC URL.
type Dialer func(rpcURL string) Caller

// Register adds the EVM source kinds to reg.
func Register(reg *source.Registry, dial Dialer, clk clock.Clock, logger zerolog.Logger) {
	reg.Register(KindReserves, func(name string, options map[string]any) (source.Adapter, error) {
		var opts PairOptions
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		if opts.RPCURL == "" {
			return nil, ErrRPCURLRequired
		}
		return NewReservesSource(name, opts, dial(opts.RPCURL), clk, logger)
	})
	reg.Register(KindPairTWAP, func(name string, options map[string]any) (source.Adapter, error) {
		var opts PairOptions
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		if opts.RPCURL == "" {
			return nil, ErrRPCURLRequired
		}
		return NewPairTWAPSource(name, opts, dial(opts.RPCURL), clk, logger)
	})
	reg.Register(KindVault, func(name string, options map[string]any) (source.Adapter, error) {
		var opts VaultOptions
		if err := source.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		if opts.RPCURL == "" {
			return nil, ErrRPCURLRequired
		}
		return NewVaultSource(name, opts, dial(opts.RPCURL), clk, logger)
	})
}
