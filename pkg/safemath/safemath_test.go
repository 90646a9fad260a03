package safemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckedAdd(t *testing.T) {
	sum, err := CheckedAdd(2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), sum)

	_, err = CheckedAdd(math.MaxInt64, 1)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = CheckedAdd(-1, 1)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestCheckedSub(t *testing.T) {
	diff, err := CheckedSub(5, 3)
	require.NoError(t, err)
	require.Equal(t, int64(2), diff)

	diff, err = CheckedSub(5, 5)
	require.NoError(t, err)
	require.Equal(t, int64(0), diff)

	_, err = CheckedSub(3, 5)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMulDivRoundsDown(t *testing.T) {
	q, err := MulDiv(7, 3, 2)
	require.NoError(t, err)
	require.Equal(t, int64(10), q)
}

func TestMulDivLargeOperands(t *testing.T) {
	// a*b overflows int64 but the quotient fits
	q, err := MulDiv(math.MaxInt64, 60, 100)
	require.NoError(t, err)
	require.Equal(t, int64(5534023222112865484), q)
}

func TestMulDivOverflow(t *testing.T) {
	_, err := MulDiv(math.MaxInt64, math.MaxInt64, 1)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = MulDiv(1, 1, 0)
	require.ErrorIs(t, err, ErrOverflow)
}
