package fifoutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32
}

// Bit returns a 32-bit mask with only the bit at index set
func Bit[T Number](index T) uint32 {
	return uint32(1) << uint32(index)
}

// ForEachBit calls fn for every set bit in mask, lowest first. Iteration stops early if fn returns false.
func ForEachBit(mask uint32, fn func(index int) bool) {
	for mask != 0 {
		index := bits.TrailingZeros32(mask)
		if !fn(index) {
			return
		}
		mask &= mask - 1
	}
}

// CheckMask returns ErrInvalidArgument if mask has bits set at or above limit
func CheckMask(mask uint32, limit int, name string) error {
	if limit >= 32 {
		return nil
	}
	if mask>>uint(limit) != 0 {
		return cerrors.Wrapf(ErrInvalidArgument, "%s is %#x but only %d bits are valid", name, mask, limit)
	}
	return nil
}
