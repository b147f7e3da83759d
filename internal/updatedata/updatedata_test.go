package updatedata

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func TestEncodeAssetOnly(t *testing.T) {
	data := Encode(weth)
	require.Len(t, data, 32)

	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, weth, p.Asset)
	assert.False(t, p.HasValue)
}

func TestEncodeWithValue(t *testing.T) {
	value := uint256.MustFromDecimal("2500000000000000000000")
	data := EncodeWithValue(weth, value, 1_700_000_000)
	require.Len(t, data, 96)

	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, weth, p.Asset)
	assert.True(t, p.HasValue)
	assert.True(t, p.Value.Eq(value))
	assert.Equal(t, uint32(1_700_000_000), p.Timestamp)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidUpdateData)

	_, err = Asset(nil)
	assert.ErrorIs(t, err, ErrInvalidUpdateData)
}
