package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// CheckedAlignUp behaves like AlignUp but reports false instead of wrapping when the aligned
// value cannot be represented.
func CheckedAlignUp(value int, alignment uint) (int, bool) {
	if value < 0 || value > math.MaxInt-int(alignment)+1 {
		return 0, false
	}
	return AlignUp(value, alignment), true
}

// CheckedAdd returns a+b for non-negative operands, or false if the sum would overflow limit.
func CheckedAdd(a, b, limit int) (int, bool) {
	if a < 0 || b < 0 || a > limit-b {
		return 0, false
	}
	return a + b, true
}
