package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int64 | ~uint64 | ~uint32
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

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value is a multiple of the power-of-two alignment
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}

// Log2Ceil returns the smallest order such that 1<<order >= value. Values below 2 return 0.
func Log2Ceil(value int) uint {
	if value <= 1 {
		return 0
	}
	return uint(bits.Len(uint(value - 1)))
}

// NextPow2 returns the smallest power of two that is greater than or equal to value
func NextPow2(value int) int {
	return 1 << Log2Ceil(value)
}

// DivRoundUp divides a by b, rounding toward positive infinity
func DivRoundUp(a, b int) int {
	return (a + b - 1) / b
}
