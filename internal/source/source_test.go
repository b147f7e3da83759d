package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/updatedata"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func mustObservation(t *testing.T, price, tokenLiq, quoteLiq uint64, ts uint32) observation.Observation {
	t.Helper()
	obs, err := observation.New(uint256.NewInt(price), uint256.NewInt(tokenLiq), uint256.NewInt(quoteLiq), ts)
	require.NoError(t, err)
	return obs
}

func TestMemoryConsultStalenessBoundary(t *testing.T) {
	const ts, maxAge = 1_700_000_000, 60
	clk := clock.NewManual(time.Unix(ts, 0))
	mem := NewMemory("manual", 18, clk)
	mem.Set(weth, mustObservation(t, 2_000, 10, 20_000, ts))
	ctx := context.Background()

	clk.Set(time.Unix(ts+maxAge-1, 0))
	_, err := mem.Consult(ctx, weth, maxAge)
	require.NoError(t, err)

	clk.Set(time.Unix(ts+maxAge, 0))
	price, err := ConsultPrice(ctx, mem, weth, maxAge)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), price.Uint64())

	clk.Set(time.Unix(ts+maxAge+1, 0))
	_, err = mem.Consult(ctx, weth, maxAge)
	assert.ErrorIs(t, err, observation.ErrStaleObservation)

	tokenLiq, quoteLiq, err := ConsultLiquidity(ctx, mem, weth, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tokenLiq.Uint64())
	assert.Equal(t, uint64(20_000), quoteLiq.Uint64())
}

func TestMemoryMissingAndFailure(t *testing.T) {
	mem := NewMemory("manual", 18, clock.NewManual(time.Unix(100, 0)))
	_, err := mem.Consult(context.Background(), weth, 0)
	assert.ErrorIs(t, err, observation.ErrMissingObservation)

	boom := errors.New("boom")
	mem.Set(weth, mustObservation(t, 1, 1, 1, 100))
	mem.SetError(boom)
	_, err = mem.Consult(context.Background(), weth, 0)
	assert.ErrorIs(t, err, boom)

	mem.SetError(nil)
	_, err = mem.Consult(context.Background(), weth, 0)
	assert.NoError(t, err)
}

func TestMemoryStagedUpdate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory("manual", 18, clock.NewManual(time.Unix(100, 0)))
	data := updatedata.Encode(weth)

	assert.False(t, mem.CanUpdate(ctx, data))
	changed, err := mem.Update(ctx, data)
	require.NoError(t, err)
	assert.False(t, changed)

	mem.Stage(weth, mustObservation(t, 5, 1, 1, 100))
	assert.True(t, mem.CanUpdate(ctx, data))
	changed, err = mem.Update(ctx, data)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, mem.UpdateCalls(weth))

	got, err := mem.Consult(ctx, weth, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Price.Uint64())

	assert.False(t, mem.CanUpdate(ctx, []byte{0x01}))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	type memoryOptions struct {
		Decimals uint8          `mapstructure:"decimals"`
		Asset    common.Address `mapstructure:"asset"`
		MaxAge   time.Duration  `mapstructure:"max_age"`
	}
	var decoded memoryOptions
	reg.Register("memory", func(name string, options map[string]any) (Adapter, error) {
		if err := DecodeOptions(options, &decoded); err != nil {
			return nil, err
		}
		return NewMemory(name, decoded.Decimals, nil), nil
	})

	adapter, err := reg.Create("memory", "feed", map[string]any{
		"decimals": "6",
		"asset":    weth.Hex(),
		"max_age":  "90s",
	})
	require.NoError(t, err)
	assert.Equal(t, "feed", adapter.Name())
	assert.Equal(t, uint8(6), adapter.QuoteDecimals())
	assert.Equal(t, weth, decoded.Asset)
	assert.Equal(t, 90*time.Second, decoded.MaxAge)

	_, err = reg.Create("memory", "feed", map[string]any{"asset": "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = reg.Create("nope", "feed", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = reg.Create("memory", "", nil)
	assert.ErrorIs(t, err, ErrEmptyName)

	assert.Equal(t, []string{"memory"}, reg.Kinds())
}

func TestRegisterMemory(t *testing.T) {
	const ts = 1_700_000_000
	clk := clock.NewManual(time.Unix(ts, 0))
	reg := NewRegistry()
	RegisterMemory(reg, clk)

	adapter, err := reg.Create(KindMemory, "manual", map[string]any{
		"quote_decimals": 6,
		"live":           true,
		"observations": []any{
			map[string]any{
				"asset":                 weth.Hex(),
				"price":                 "2500.5",
				"token_liquidity":       "10",
				"quote_token_liquidity": 25005,
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(6), adapter.QuoteDecimals())

	clk.Advance(time.Hour)
	obs, err := adapter.Consult(context.Background(), weth, 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_500_000), obs.Price.Uint64())
	assert.Equal(t, uint64(10), obs.TokenLiquidity.Uint64())
	assert.Equal(t, uint64(25_005), obs.QuoteTokenLiquidity.Uint64())
	assert.Equal(t, uint32(ts+3600), obs.Timestamp)

	_, err = reg.Create(KindMemory, "bad", map[string]any{
		"observations": []any{map[string]any{"asset": weth.Hex(), "price": "-1"}},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
