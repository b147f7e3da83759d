package observation

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/numeric"
)

func mustNew(t *testing.T, price, tokenLiq, quoteLiq uint64, ts uint32) Observation {
	t.Helper()
	obs, err := New(uint256.NewInt(price), uint256.NewInt(tokenLiq), uint256.NewInt(quoteLiq), ts)
	require.NoError(t, err)
	return obs
}

func TestCheckFreshBoundary(t *testing.T) {
	const ts, maxAge = 1_000, 60
	obs := mustNew(t, 1, 1, 1, ts)

	assert.NoError(t, CheckFresh(obs, ts+maxAge-1, maxAge))
	assert.NoError(t, CheckFresh(obs, ts+maxAge, maxAge))
	assert.ErrorIs(t, CheckFresh(obs, ts+maxAge+1, maxAge), ErrStaleObservation)
}

func TestCheckFreshZeroMaxAgeAcceptsAnyAge(t *testing.T) {
	obs := mustNew(t, 1, 1, 1, 10)
	assert.NoError(t, CheckFresh(obs, math.MaxUint32, 0))
}

func TestCheckFreshMissing(t *testing.T) {
	assert.ErrorIs(t, CheckFresh(Observation{}, 100, 0), ErrMissingObservation)
}

func TestNewClampsLiquidityAndRejectsWidePrice(t *testing.T) {
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 150)

	obs, err := New(uint256.NewInt(5), huge, huge, 1)
	require.NoError(t, err)
	assert.True(t, obs.TokenLiquidity.Eq(numeric.MaxUint112()))
	assert.True(t, obs.QuoteTokenLiquidity.Eq(numeric.MaxUint112()))

	_, err = New(huge, uint256.NewInt(1), uint256.NewInt(1), 1)
	assert.ErrorIs(t, err, ErrPriceOutOfRange)
}

func TestToTimestampRange(t *testing.T) {
	ts, err := ToTimestamp(time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(1_700_000_000), ts)

	_, err = ToTimestamp(time.Unix(math.MaxUint32+1, 0))
	assert.ErrorIs(t, err, ErrTimestampOutOfRange)

	_, err = ToTimestamp(time.Unix(-1, 0))
	assert.ErrorIs(t, err, ErrTimestampOutOfRange)
}

func TestJSONUsesDecimalStrings(t *testing.T) {
	obs := mustNew(t, 1_000_000_000_000_000_000, 42, 7, 99)

	raw, err := json.Marshal(obs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":"1000000000000000000","token_liquidity":"42","quote_token_liquidity":"7","timestamp":99}`, string(raw))

	var decoded Observation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, obs, decoded)
}

func TestAge(t *testing.T) {
	obs := mustNew(t, 1, 1, 1, 100)
	assert.Equal(t, uint32(0), obs.Age(90))
	assert.Equal(t, uint32(15), obs.Age(115))
}
