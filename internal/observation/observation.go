// Package observation defines the timestamped price and liquidity sample every oracle produces.
package observation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"

	"oracle-engine/internal/numeric"
)

var (
	// ErrMissingObservation indicates no observation has been recorded for the asset.
	ErrMissingObservation = errors.New("observation: missing observation")
	// ErrStaleObservation indicates the observation is older than the caller tolerates.
	ErrStaleObservation = errors.New("observation: stale observation")
	// ErrTimestampOutOfRange indicates a timestamp that does not fit 32 bits.
	ErrTimestampOutOfRange = errors.New("observation: timestamp out of range")
	// ErrPriceOutOfRange indicates a price that does not fit 112 bits.
	ErrPriceOutOfRange = errors.New("observation: price out of range")
)

// Observation is a price and liquidity sample. Price is expressed in quote token units scaled
// to the producer's quote decimals; liquidities are bounded to 112 bits.
type Observation struct {
	Price               uint256.Int
	TokenLiquidity      uint256.Int
	QuoteTokenLiquidity uint256.Int
	Timestamp           uint32
}

// New builds an observation, clamping liquidity to 2^112 - 1. A price that does not fit
// 112 bits is rejected.
func New(price, tokenLiquidity, quoteTokenLiquidity *uint256.Int, timestamp uint32) (Observation, error) {
	if !numeric.Fits112(price) {
		return Observation{}, fmt.Errorf("%w: %s", ErrPriceOutOfRange, price.Dec())
	}
	var o Observation
	o.Price.Set(price)
	o.TokenLiquidity.Set(numeric.Clamp112(tokenLiquidity))
	o.QuoteTokenLiquidity.Set(numeric.Clamp112(quoteTokenLiquidity))
	o.Timestamp = timestamp
	return o, nil
}

// Exists reports whether the observation has ever been written.
func (o Observation) Exists() bool {
	return o.Timestamp != 0
}

// Time returns the observation timestamp as time.Time.
func (o Observation) Time() time.Time {
	return time.Unix(int64(o.Timestamp), 0).UTC()
}

// Age returns the seconds elapsed between the observation and now, zero if now is earlier.
func (o Observation) Age(now uint32) uint32 {
	if now <= o.Timestamp {
		return 0
	}
	return now - o.Timestamp
}

// ToTimestamp converts t to unix seconds, rejecting values outside the uint32 range.
func ToTimestamp(t time.Time) (uint32, error) {
	secs := t.Unix()
	if secs < 0 || secs > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", ErrTimestampOutOfRange, secs)
	}
	return uint32(secs), nil
}

// CheckFresh validates that obs exists and is at most maxAge seconds old at now.
// A maxAge of zero accepts any age.
func CheckFresh(obs Observation, now, maxAge uint32) error {
	if !obs.Exists() {
		return ErrMissingObservation
	}
	if maxAge == 0 {
		return nil
	}
	if age := obs.Age(now); age > maxAge {
		return fmt.Errorf("%w: age %ds exceeds %ds", ErrStaleObservation, age, maxAge)
	}
	return nil
}

type wireObservation struct {
	Price               string `json:"price"`
	TokenLiquidity      string `json:"token_liquidity"`
	QuoteTokenLiquidity string `json:"quote_token_liquidity"`
	Timestamp           uint32 `json:"timestamp"`
}

// MarshalJSON encodes integers as base-10 strings.
func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireObservation{
		Price:               o.Price.Dec(),
		TokenLiquidity:      o.TokenLiquidity.Dec(),
		QuoteTokenLiquidity: o.QuoteTokenLiquidity.Dec(),
		Timestamp:           o.Timestamp,
	})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var w wireObservation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	price, err := numeric.ParseDecimalString(w.Price)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	tokenLiq, err := numeric.ParseDecimalString(w.TokenLiquidity)
	if err != nil {
		return fmt.Errorf("token_liquidity: %w", err)
	}
	quoteLiq, err := numeric.ParseDecimalString(w.QuoteTokenLiquidity)
	if err != nil {
		return fmt.Errorf("quote_token_liquidity: %w", err)
	}
	decoded, err := New(&price, &tokenLiq, &quoteLiq, w.Timestamp)
	if err != nil {
		return err
	}
	*o = decoded
	return nil
}
