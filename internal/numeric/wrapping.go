package numeric

import (
	"github.com/holiman/uint256"
)

// WrappingBits is the width of Wrapping; arithmetic is modulo 2^WrappingBits.
const WrappingBits = 256

// Wrapping is an unsigned accumulator modulo 2^256. Add and Since wrap around instead of
// failing, so only the difference between two readings is meaningful. A reading taken after
// the value wrapped at most once since an earlier reading still yields the exact difference.
type Wrapping struct {
	v uint256.Int
}

// NewWrapping returns a Wrapping holding x.
func NewWrapping(x *uint256.Int) Wrapping {
	var w Wrapping
	w.v.Set(x)
	return w
}

// Add returns w + x mod 2^256.
func (w Wrapping) Add(x *uint256.Int) Wrapping {
	var out Wrapping
	out.v.Add(&w.v, x)
	return out
}

// AddProduct returns w + x*y mod 2^256.
func (w Wrapping) AddProduct(x *uint256.Int, y uint64) Wrapping {
	product := new(uint256.Int).Mul(x, uint256.NewInt(y))
	return w.Add(product)
}

// Since returns w - earlier mod 2^256.
func (w Wrapping) Since(earlier Wrapping) *uint256.Int {
	return new(uint256.Int).Sub(&w.v, &earlier.v)
}

// Value returns a copy of the raw accumulator value.
func (w Wrapping) Value() *uint256.Int {
	return w.v.Clone()
}

// String renders the raw value in base 10.
func (w Wrapping) String() string {
	return w.v.Dec()
}
