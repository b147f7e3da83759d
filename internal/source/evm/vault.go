package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
)

// VaultConfig binds an ERC-4626 vault share token, priced in its underlying asset.
type VaultConfig struct {
	Vault         common.Address `mapstructure:"vault"`
	ShareDecimals uint8          `mapstructure:"share_decimals"`
}

// VaultOptions parameterise the vault source. QuoteDecimals is the underlying asset's scale.
type VaultOptions struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	QuoteDecimals uint8         `mapstructure:"quote_decimals"`
	Vaults        []VaultConfig `mapstructure:"vaults"`
}

// VaultSource prices vault shares through convertToAssets and reports the vault's
// total supply and total assets as liquidity.
type VaultSource struct {
	name   string
	opts   VaultOptions
	caller Caller
	clock  clock.Clock
	logger zerolog.Logger
	vaults map[common.Address]VaultConfig
}

// NewVaultSource builds a vault share price source.
func NewVaultSource(name string, opts VaultOptions, caller Caller, clk clock.Clock, logger zerolog.Logger) (*VaultSource, error) {
	if len(opts.Vaults) == 0 {
		return nil, ErrVaultsRequired
	}
	vaults := make(map[common.Address]VaultConfig, len(opts.Vaults))
	for _, v := range opts.Vaults {
		if v.Vault == (common.Address{}) {
			return nil, fmt.Errorf("%w: vault address is required", source.ErrInvalidConfig)
		}
		vaults[v.Vault] = v
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &VaultSource{
		name:   name,
		opts:   opts,
		caller: caller,
		clock:  clk,
		logger: logger.With().Str("component", "vault_source").Str("source", name).Logger(),
		vaults: vaults,
	}, nil
}

// Name implements source.Adapter.
func (v *VaultSource) Name() string { return v.name }

// QuoteDecimals implements source.Adapter.
func (v *VaultSource) QuoteDecimals() uint8 { return v.opts.QuoteDecimals }

// Consult implements source.Adapter.
func (v *VaultSource) Consult(ctx context.Context, asset common.Address, _ uint32) (observation.Observation, error) {
	vault, ok := v.vaults[asset]
	if !ok {
		return observation.Observation{}, fmt.Errorf("%s: %w: %s", v.name, source.ErrUnsupportedAsset, asset.Hex())
	}

	ctx, cancel := WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	oneShare, err := numeric.Pow10(vault.ShareDecimals)
	if err != nil {
		return observation.Observation{}, err
	}
	price, err := CallUint(ctx, v.caller, VaultABI, vault.Vault, "convertToAssets", oneShare.ToBig())
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", v.name, err)
	}
	totalAssets, err := CallUint(ctx, v.caller, VaultABI, vault.Vault, "totalAssets")
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", v.name, err)
	}
	totalSupply, err := CallUint(ctx, v.caller, VaultABI, vault.Vault, "totalSupply")
	if err != nil {
		return observation.Observation{}, fmt.Errorf("%s: %w", v.name, err)
	}

	now, err := observation.ToTimestamp(v.clock.Now())
	if err != nil {
		return observation.Observation{}, err
	}
	v.logger.Debug().Str("vault", vault.Vault.Hex()).Str("price", price.Dec()).Msg("vault share price read")
	return observation.New(price, totalSupply, totalAssets, now)
}

var _ source.Adapter = (*VaultSource)(nil)
