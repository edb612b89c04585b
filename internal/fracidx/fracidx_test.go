package fracidx

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetweenOfNilNilIsValid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	k := Between(nil, nil, rng)
	require.NoError(t, Validate(k))
	assert.NotEmpty(t, k)
}

// TestBetweenMonotonicity exercises spec.md §8 invariant 6: for all valid
// lo < hi, lo < between(lo, hi) < hi, for every rng state.
func TestBetweenMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	lo := Between(nil, nil, rng)
	for i := 0; i < 200; i++ {
		hi := Between(lo, nil, rng)
		require.Negative(t, lo.Compare(hi), "iteration %d: lo=%s hi=%s", i, lo, hi)

		mid := Between(lo, hi, rng)
		require.Negative(t, lo.Compare(mid), "lo < mid")
		require.Negative(t, mid.Compare(hi), "mid < hi")

		lo = mid
	}
}

func TestBetweenNarrowingFromBothSides(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lo := Between(nil, nil, rng)
	hi := Between(lo, nil, rng)

	for i := 0; i < 500; i++ {
		mid := Between(lo, hi, rng)
		require.True(t, lo.Compare(mid) < 0 && mid.Compare(hi) < 0)
		if i%2 == 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
}

func TestValidateRejectsForbiddenByte(t *testing.T) {
	err := Validate([]byte{0x22})
	assert.Error(t, err)

	err = Validate([]byte{0x1f})
	assert.Error(t, err)

	err = Validate([]byte{0x7e})
	assert.Error(t, err)

	assert.NoError(t, Validate([]byte{0x20, 0x7d}))
}

func TestEveryDigitRoundTrips(t *testing.T) {
	for d := 0; d < numDigits; d++ {
		b := digitToByte(d)
		require.NoError(t, Validate([]byte{b}))
		assert.Equal(t, d, byteToDigit(b))
	}
}
