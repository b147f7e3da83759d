package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/observation"
)

func TestUnconfiguredStore(t *testing.T) {
	ctx := context.Background()
	var s *Store

	_, err := s.InsertObservation(ctx, "consensus", common.Address{}, observation.Observation{})
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListRecentObservations(ctx, "consensus", common.Address{}, 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = NewStore(nil).TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, NewStore(nil).Migrate(ctx), ErrNotConfigured)
	s.Close()
}

func TestAssetKeyIsLowercase(t *testing.T) {
	asset := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	assert.Equal(t, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", assetKey(asset))
}

func TestDecodeObservation(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	obs, err := decodeObservation(at, "2000000000000000000", "5", "10000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", obs.Price.Dec())
	assert.Equal(t, uint64(5), obs.TokenLiquidity.Uint64())
	assert.Equal(t, uint32(1_700_000_000), obs.Timestamp)

	// Liquidity wider than 112 bits is clamped on read.
	obs, err = decodeObservation(at, "1", "10384593717069655257060992658440192", "0")
	require.NoError(t, err)
	assert.Equal(t, "5192296858534827628530496329220095", obs.TokenLiquidity.Dec())

	_, err = decodeObservation(at, "abc", "0", "0")
	require.Error(t, err)
	_, err = decodeObservation(time.Unix(-1, 0), "1", "0", "0")
	require.ErrorIs(t, err, observation.ErrTimestampOutOfRange)
}
