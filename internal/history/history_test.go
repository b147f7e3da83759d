package history

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/observation"
)

var asset = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

func obs(price uint64, ts uint32) observation.Observation {
	return observation.Observation{Price: *uint256.NewInt(price), Timestamp: ts}
}

func TestRingWrapsOldestFirst(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.Register(asset, 3))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Push(asset, obs(i, uint32(i))))
	}
	assert.Equal(t, 3, s.Count(asset))
	assert.Equal(t, 3, s.Capacity(asset))

	for idx, want := range []uint64{5, 4, 3} {
		got, err := s.Get(asset, idx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Price.Uint64(), "index %d", idx)
	}
	_, err := s.Get(asset, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)

	latest, err := s.Latest(asset)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), latest.Timestamp)
}

func TestCountBeforeFull(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.Register(asset, 4))
	assert.Zero(t, s.Count(asset))
	require.NoError(t, s.Push(asset, obs(7, 1)))
	require.NoError(t, s.Push(asset, obs(8, 2)))
	assert.Equal(t, 2, s.Count(asset))

	oldest, err := s.Get(asset, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), oldest.Price.Uint64())
}

func TestCapacityImmutable(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.Register(asset, 4))
	require.NoError(t, s.Register(asset, 4))
	assert.ErrorIs(t, s.Register(asset, 8), ErrCapacityImmutable)
	assert.ErrorIs(t, s.Register(common.Address{1}, 0), ErrInvalidCapacity)
}

func TestPushUnregistered(t *testing.T) {
	strict := NewStore(0)
	assert.ErrorIs(t, strict.Push(asset, obs(1, 1)), ErrUnknownAsset)
	_, err := strict.Latest(asset)
	assert.ErrorIs(t, err, ErrUnknownAsset)

	lenient := NewStore(2)
	require.NoError(t, lenient.Push(asset, obs(1, 1)))
	assert.Equal(t, 2, lenient.Capacity(asset))
	assert.Equal(t, []common.Address{asset}, lenient.Assets())
}

func TestWindow(t *testing.T) {
	s := NewStore(10)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.Push(asset, obs(i, uint32(i))))
	}

	window, err := s.Window(asset, 3, 1, 2)
	require.NoError(t, err)
	prices := make([]uint64, len(window))
	for i, o := range window {
		prices[i] = o.Price.Uint64()
	}
	assert.Equal(t, []uint64{9, 7, 5}, prices)

	assert.Equal(t, 10, Required(4, 0, 3))
	_, err = s.Window(asset, 4, 0, 3)
	require.NoError(t, err)
	_, err = s.Window(asset, 4, 1, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = s.Window(asset, 0, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = s.Window(asset, 1, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
