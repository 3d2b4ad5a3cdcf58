package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_NoJitterFollowsDoublingFormula(t *testing.T) {
	noJitter := func() float64 { return 0 }
	base := 500 * time.Millisecond
	max := 16 * time.Second

	assert.Equal(t, base, computeBackoff(0, base, max, noJitter))
	assert.Equal(t, 2*base, computeBackoff(1, base, max, noJitter))
	assert.Equal(t, 4*base, computeBackoff(2, base, max, noJitter))
	assert.Equal(t, max, computeBackoff(10, base, max, noJitter))
}

func TestComputeBackoff_JitterStaysWithinBand(t *testing.T) {
	base := 500 * time.Millisecond
	max := 16 * time.Second

	for _, j := range []float64{-1, -0.5, 0, 0.5, 1} {
		d := computeBackoff(1, base, max, func() float64 { return j })
		lower := float64(2*base) * 0.8
		upper := float64(2*base) * 1.2
		assert.GreaterOrEqual(t, float64(d), lower)
		assert.LessOrEqual(t, float64(d), upper)
	}
}

func TestComputeBackoff_NegativeJitterClampedNonNegative(t *testing.T) {
	d := computeBackoff(0, time.Millisecond, time.Second, func() float64 { return -1 })
	assert.GreaterOrEqual(t, d, time.Duration(0))
}
