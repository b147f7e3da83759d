// Package accumulator integrates sampled prices and liquidity over time and derives
// time-weighted averages from pairs of cumulative readings.
package accumulator

import (
	"errors"

	"github.com/holiman/uint256"

	"oracle-engine/internal/numeric"
)

// ErrZeroElapsed indicates two cumulative readings taken at the same instant.
var ErrZeroElapsed = errors.New("accumulator: elapsed time must be greater than zero")

// ComputeAverage returns (end - start) * scale / elapsed. The difference is taken modulo
// 2^256, so a cumulative that wrapped at most once between the readings is still exact.
func ComputeAverage(start, end numeric.Wrapping, elapsed uint32, scale *uint256.Int) (uint256.Int, error) {
	if elapsed == 0 {
		return uint256.Int{}, ErrZeroElapsed
	}
	delta := end.Since(start)
	avg, err := numeric.MulDiv(delta, scale, uint256.NewInt(uint64(elapsed)))
	if err != nil {
		return uint256.Int{}, err
	}
	return *avg, nil
}
