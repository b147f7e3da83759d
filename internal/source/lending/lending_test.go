package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/clock"
	"oracle-engine/internal/source"
	"oracle-engine/internal/source/evm"
)

var (
	comptroller = common.HexToAddress("0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B")
	cUSDC       = common.HexToAddress("0x39AA39c021dfbaE8faC545936693aC917d5E7563")
	cDAI        = common.HexToAddress("0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643")
	cETH        = common.HexToAddress("0x4Ddc2D193948926D02f9B1fE9e1daa0718270ED5")
	cUSDCv2     = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	usdc        = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai         = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	weth        = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type fakeCaller struct {
	responses map[string][]byte
}

func (f *fakeCaller) set(t *testing.T, contract abi.ABI, to common.Address, method string, values ...any) {
	t.Helper()
	m := contract.Methods[method]
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	f.responses[fmt.Sprintf("%s/%x", to.Hex(), m.ID)] = out
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	out, ok := f.responses[fmt.Sprintf("%s/%x", msg.To.Hex(), msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func newSource(t *testing.T) (*Source, *fakeCaller) {
	t.Helper()
	caller := &fakeCaller{responses: make(map[string][]byte)}
	caller.set(t, CTokenABI, cUSDC, "underlying", usdc)
	caller.set(t, CTokenABI, cDAI, "underlying", dai)
	caller.set(t, CTokenABI, cUSDCv2, "underlying", usdc)
	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC, cDAI, cETH})

	src, err := New("compound", Options{Comptroller: comptroller, NativeAsset: weth}, caller,
		clock.NewManual(time.Unix(2_000, 0)), zerolog.Nop())
	require.NoError(t, err)
	return src, caller
}

func TestReconcileDetectsChanges(t *testing.T) {
	ctx := context.Background()
	src, caller := newSource(t)

	diff, err := src.Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.Address{usdc, dai, weth}, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Equal(t, cETH, src.Markets()[weth])

	diff, err = src.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, diff.Empty())

	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC})
	diff, err = src.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.ElementsMatch(t, []common.Address{dai, weth}, diff.Removed)
	assert.Len(t, src.Markets(), 1)
}

func TestReconcileRejectsAmbiguousMarkets(t *testing.T) {
	ctx := context.Background()
	src, caller := newSource(t)
	_, err := src.Reconcile(ctx)
	require.NoError(t, err)

	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC, cUSDCv2})
	_, err = src.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrAmbiguousMarket)

	markets := src.Markets()
	assert.Len(t, markets, 3, "previous mapping must survive a failed reconcile")
	assert.Equal(t, cUSDC, markets[usdc])
}

func TestConsultUtilization(t *testing.T) {
	src, caller := newSource(t)
	caller.set(t, CTokenABI, cUSDC, "getCash", big.NewInt(75_000_000))
	caller.set(t, CTokenABI, cUSDC, "totalBorrows", big.NewInt(25_000_000))

	obs, err := src.Consult(context.Background(), usdc, 0)
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", obs.Price.Dec())
	assert.Equal(t, uint64(25_000_000), obs.TokenLiquidity.Uint64())
	assert.Equal(t, uint64(100_000_000), obs.QuoteTokenLiquidity.Uint64())
	assert.Equal(t, uint32(2_000), obs.Timestamp)

	_, err = src.Consult(context.Background(), common.HexToAddress("0x01"), 0)
	assert.ErrorIs(t, err, source.ErrUnsupportedAsset)
}

func TestUtilizationEmptyMarket(t *testing.T) {
	u, supply, err := Utilization(uint256.NewInt(0), uint256.NewInt(0))
	require.NoError(t, err)
	assert.True(t, u.IsZero())
	assert.True(t, supply.IsZero())

	u, _, err = Utilization(uint256.NewInt(0), uint256.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", u.Dec())
}

func TestRegister(t *testing.T) {
	reg := source.NewRegistry()
	caller := &fakeCaller{responses: make(map[string][]byte)}
	Register(reg, func(string) evm.Caller { return caller }, nil, zerolog.Nop())

	_, err := reg.Create(Kind, "compound", map[string]any{"rpc_url": "http://localhost:8545"})
	assert.ErrorIs(t, err, ErrComptrollerRequired)

	adapter, err := reg.Create(Kind, "compound", map[string]any{
		"rpc_url":     "http://localhost:8545",
		"comptroller": comptroller.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(UtilizationDecimals), adapter.QuoteDecimals())
}

func TestUpdateReconcilesListedMarkets(t *testing.T) {
	ctx := context.Background()
	src, caller := newSource(t)
	clk := src.clock.(*clock.Manual)
	caller.set(t, CTokenABI, cUSDC, "getCash", big.NewInt(50))
	caller.set(t, CTokenABI, cUSDC, "totalBorrows", big.NewInt(50))

	_, err := src.Consult(ctx, usdc, 0)
	require.NoError(t, err)
	assert.False(t, src.CanUpdate(ctx, nil))

	cNew := common.HexToAddress("0x0000000000000000000000000000000000000c03")
	newAsset := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	caller.set(t, CTokenABI, cNew, "underlying", newAsset)
	caller.set(t, CTokenABI, cNew, "getCash", big.NewInt(90))
	caller.set(t, CTokenABI, cNew, "totalBorrows", big.NewInt(10))
	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC, cNew})

	changed, err := src.Update(ctx, nil)
	require.NoError(t, err)
	assert.False(t, changed, "reload is not due before the interval")
	_, err = src.Consult(ctx, newAsset, 0)
	assert.ErrorIs(t, err, source.ErrUnsupportedAsset)

	clk.Advance(DefaultReconcileInterval)
	require.True(t, src.CanUpdate(ctx, nil))
	changed, err = src.Update(ctx, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	obs, err := src.Consult(ctx, newAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", obs.Price.Dec())

	_, err = src.Consult(ctx, dai, 0)
	assert.ErrorIs(t, err, source.ErrUnsupportedAsset, "removed market must no longer be read")
}

func TestConsultReconcilesWhenDue(t *testing.T) {
	ctx := context.Background()
	src, caller := newSource(t)
	clk := src.clock.(*clock.Manual)

	_, err := src.Reconcile(ctx)
	require.NoError(t, err)

	cNew := common.HexToAddress("0x0000000000000000000000000000000000000c03")
	newAsset := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	caller.set(t, CTokenABI, cNew, "underlying", newAsset)
	caller.set(t, CTokenABI, cNew, "getCash", big.NewInt(1))
	caller.set(t, CTokenABI, cNew, "totalBorrows", big.NewInt(1))
	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC, cDAI, cETH, cNew})

	clk.Advance(DefaultReconcileInterval)
	obs, err := src.Consult(ctx, newAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", obs.Price.Dec())
}

func TestFailedPeriodicReconcileKeepsMapping(t *testing.T) {
	ctx := context.Background()
	src, caller := newSource(t)
	clk := src.clock.(*clock.Manual)
	caller.set(t, CTokenABI, cUSDC, "getCash", big.NewInt(3))
	caller.set(t, CTokenABI, cUSDC, "totalBorrows", big.NewInt(1))

	_, err := src.Reconcile(ctx)
	require.NoError(t, err)

	caller.set(t, ComptrollerABI, comptroller, "getAllMarkets", []common.Address{cUSDC, cUSDCv2})
	clk.Advance(DefaultReconcileInterval)

	_, err = src.Update(ctx, nil)
	assert.ErrorIs(t, err, ErrAmbiguousMarket)

	obs, err := src.Consult(ctx, usdc, 0)
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", obs.Price.Dec())
}
