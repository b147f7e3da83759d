package numeric

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Q112Bits is the number of fractional bits of a UQ112x112 value.
const Q112Bits = 112

var q112 = new(uint256.Int).Lsh(uint256.NewInt(1), Q112Bits)

// EncodeQ112 returns num/den as UQ112x112. num must fit 112 bits.
func EncodeQ112(num, den *uint256.Int) (*uint256.Int, error) {
	if !Fits112(num) {
		return nil, fmt.Errorf("%w: %s exceeds 112 bits", ErrOverflow, num.Dec())
	}
	return MulDiv(num, q112, den)
}

// DecodeQ112 returns the integer part of a UQ112x112 value.
func DecodeQ112(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Rsh(x, Q112Bits)
}
