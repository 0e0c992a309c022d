package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// MulOverflows returns a*b and whether the product overflowed an int. Both operands must be
// non-negative.
func MulOverflows(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	return int(lo), hi != 0 || lo > math.MaxInt
}

// AddOverflows returns a+b and whether the sum overflowed an int. Both operands must be non-negative.
func AddOverflows(a, b int) (int, bool) {
	sum := a + b
	return sum, sum < a
}

// Log2Ceil returns the smallest k such that 1<<k >= value. Log2Ceil(0) and Log2Ceil(1) are both 0.
func Log2Ceil[T constraints.Unsigned](value T) int {
	if value <= 1 {
		return 0
	}

	return bits.Len64(uint64(value - 1))
}

// NextPow2 rounds value up to the next power of two. Values of 0 and 1 both round to 1.
func NextPow2[T constraints.Unsigned](value T) T {
	return T(1) << Log2Ceil(value)
}
