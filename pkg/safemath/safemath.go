package safemath

import (
	"errors"
	"math"
	"math/bits"
)

// ErrOverflow is returned when a computation leaves the representable range.
// Callers must abort the surrounding operation; amounts are never saturated.
var ErrOverflow = errors.New("arithmetic overflow")

// CheckedAdd returns a+b, failing on int64 overflow. Both operands must be
// non-negative lamport amounts.
func CheckedAdd(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrOverflow
	}
	if a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b, failing when the result would be negative.
func CheckedSub(a, b int64) (int64, error) {
	if a < 0 || b < 0 || b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulDiv returns a*b/c rounded down, computing the product in 128 bits so
// amount*pool never overflows before the divide.
func MulDiv(a, b, c int64) (int64, error) {
	if a < 0 || b < 0 || c <= 0 {
		return 0, ErrOverflow
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		// quotient would not fit in 64 bits
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q), nil
}
