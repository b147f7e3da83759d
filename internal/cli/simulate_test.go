package cli

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimulatedSource(t *testing.T) {
	s, err := parseSimulatedSource("uni:1000.5:2000")
	require.NoError(t, err)
	assert.Equal(t, "uni", s.Name)
	assert.True(t, s.Price.Equal(decimal.RequireFromString("1000.5")))
	assert.True(t, s.QuoteTokenLiquidity.Equal(decimal.NewFromInt(2000)))
	assert.True(t, s.TokenLiquidity.IsZero())
	assert.Zero(t, s.Age)

	s, err = parseSimulatedSource("curve:1:2:3:90s")
	require.NoError(t, err)
	assert.True(t, s.TokenLiquidity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 90*time.Second, s.Age)
}

func TestParseSimulatedSourceRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		"uni",
		"uni:1",
		":1:2",
		"uni:abc:2",
		"uni:-1:2",
		"uni:1:2:3:soon",
		"uni:1:2:3:-5s",
		"uni:1:2:3:4s:extra",
	} {
		_, err := parseSimulatedSource(raw)
		assert.Error(t, err, raw)
	}
}
