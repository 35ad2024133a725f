package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 1.23, RoundToTick(1.234, 0.01), 1e-9)
	assert.InDelta(t, 1.24, RoundToTick(1.236, 0.01), 1e-9)
	assert.InDelta(t, 22000.0, RoundToTick(21999.0, 50), 1e-9)
}

func TestFloorToTick(t *testing.T) {
	assert.InDelta(t, 1.23, FloorToTick(1.239, 0.01), 1e-9)
	assert.InDelta(t, 21950.0, FloorToTick(21999.0, 50), 1e-9)
}

func TestCeilToTick(t *testing.T) {
	assert.InDelta(t, 1.24, CeilToTick(1.231, 0.01), 1e-9)
	assert.InDelta(t, 22000.0, CeilToTick(21951.0, 50), 1e-9)
}

func TestTickHelpers_GuardNonFiniteAndZeroTick(t *testing.T) {
	assert.True(t, math.IsNaN(RoundToTick(math.NaN(), 0.01)))
	assert.Equal(t, math.Inf(1), FloorToTick(math.Inf(1), 0.01))
	assert.Equal(t, 5.0, CeilToTick(5.0, 0))
}

func TestTickHelpers_NegativeTick(t *testing.T) {
	// Tick sign shouldn't matter; magnitude is what counts.
	assert.InDelta(t, 1.23, RoundToTick(1.234, -0.01), 1e-9)
}
