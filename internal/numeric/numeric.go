// Package numeric holds the fixed-width integer helpers shared by every oracle component.
package numeric

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow indicates a value does not fit the representable range.
	ErrOverflow = errors.New("numeric: value out of range")
	// ErrDivideByZero indicates a zero divisor.
	ErrDivideByZero = errors.New("numeric: division by zero")
	// ErrInvalidExponent indicates a decimal exponent outside 0..MaxDecimals.
	ErrInvalidExponent = errors.New("numeric: invalid exponent")
)

// MaxDecimals is the largest power of ten representable in 256 bits.
const MaxDecimals = 77

var (
	maxUint112 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 112), uint256.NewInt(1))
	pow10Table [MaxDecimals + 1]uint256.Int
)

func init() {
	ten := uint256.NewInt(10)
	pow10Table[0].SetOne()
	for i := 1; i <= MaxDecimals; i++ {
		pow10Table[i].Mul(&pow10Table[i-1], ten)
	}
}

// MaxUint112 returns 2^112 - 1, the saturation bound for liquidity values.
func MaxUint112() *uint256.Int {
	return maxUint112.Clone()
}

// Fits112 reports whether x fits 112 bits.
func Fits112(x *uint256.Int) bool {
	return x.BitLen() <= 112
}

// Clamp112 returns x, or 2^112 - 1 when x does not fit.
func Clamp112(x *uint256.Int) *uint256.Int {
	if Fits112(x) {
		return x.Clone()
	}
	return MaxUint112()
}

// SaturatingAdd112 adds a and b, clamping to 2^112 - 1 instead of wrapping.
func SaturatingAdd112(a, b *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow || !Fits112(sum) {
		return MaxUint112()
	}
	return sum
}

// Pow10 returns 10^n.
func Pow10(n uint8) (*uint256.Int, error) {
	if n > MaxDecimals {
		return nil, fmt.Errorf("%w: 10^%d", ErrInvalidExponent, n)
	}
	return pow10Table[n].Clone(), nil
}

// MustPow10 is Pow10 for exponents known to be valid.
func MustPow10(n uint8) *uint256.Int {
	p, err := Pow10(n)
	if err != nil {
		panic(err)
	}
	return p
}

// Rescale converts v from one decimal scale to another. Scaling up reports ErrOverflow
// rather than wrapping; scaling down truncates.
func Rescale(v *uint256.Int, from, to uint8) (*uint256.Int, error) {
	switch {
	case from == to:
		return v.Clone(), nil
	case to > from:
		factor, err := Pow10(to - from)
		if err != nil {
			return nil, err
		}
		out, overflow := new(uint256.Int).MulOverflow(v, factor)
		if overflow {
			return nil, fmt.Errorf("%w: rescale %s from %d to %d decimals", ErrOverflow, v.Dec(), from, to)
		}
		return out, nil
	default:
		factor, err := Pow10(from - to)
		if err != nil {
			return nil, err
		}
		return new(uint256.Int).Div(v, factor), nil
	}
}

// MulDiv computes floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ToDecimal interprets x as a fixed-point number with the given decimals.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// FromDecimal converts d to an integer scaled by 10^decimals, truncating extra digits.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative value %s", ErrOverflow, d.String())
	}
	scaled := d.Shift(int32(decimals)).Truncate(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return out, nil
}

// ParseDecimalString parses a base-10 integer string.
func ParseDecimalString(s string) (uint256.Int, error) {
	var out uint256.Int
	if err := out.SetFromDecimal(s); err != nil {
		return uint256.Int{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return out, nil
}

// Median returns the median of values, rounding the mean of the two middle values down
// for even lengths. It sorts values in place; an empty slice yields zero.
func Median(values []uint256.Int) *uint256.Int {
	n := len(values)
	if n == 0 {
		return new(uint256.Int)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Lt(&values[j]) })
	if n%2 == 1 {
		return values[n/2].Clone()
	}
	lo, hi := &values[n/2-1], &values[n/2]
	// floor((lo+hi)/2) as lo + (hi-lo)/2.
	diff := new(uint256.Int).Sub(hi, lo)
	diff.Rsh(diff, 1)
	return diff.Add(diff, lo)
}
