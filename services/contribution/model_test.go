package contribution

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"mythra-settlement/pkg/safemath"
)

func TestVotingPower(t *testing.T) {
	c := &Contribution{Amount: 500}
	require.Equal(t, int64(500), c.VotingPower())

	c.Refunded = true
	require.Equal(t, int64(0), c.VotingPower())
}

func TestShareProportional(t *testing.T) {
	c := &Contribution{Amount: 500}

	share, err := c.Share(72, 1_000)
	require.NoError(t, err)
	require.Equal(t, int64(36), share)

	// rounds down
	c.Amount = 333
	share, err = c.Share(100, 1_000)
	require.NoError(t, err)
	require.Equal(t, int64(33), share)
}

func TestShareZeroPool(t *testing.T) {
	c := &Contribution{Amount: 500}

	share, err := c.Share(0, 1_000)
	require.NoError(t, err)
	require.Equal(t, int64(0), share)

	share, err = c.Share(100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), share)
}

func TestShareLargeAmounts(t *testing.T) {
	// amount*pool overflows int64 but the share fits
	c := &Contribution{Amount: math.MaxInt64 / 2}
	share, err := c.Share(1_000, math.MaxInt64)
	require.NoError(t, err)
	require.Equal(t, int64(499), share)

	_, err = safemath.MulDiv(math.MaxInt64, math.MaxInt64, 1)
	require.ErrorIs(t, err, safemath.ErrOverflow)
}
