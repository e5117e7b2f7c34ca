package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(5, 0, 10))
	assert.Equal(t, 0, Clamp(-3, 0, 10))
	assert.Equal(t, 10, Clamp(42, 0, 10))
	assert.Equal(t, 1.5, Clamp(1.5, 1.0, 2.0))
}

func TestFloatToInt8RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		input    float32
		expected int8
	}{
		{0, 0},
		{0.4, 0},
		{0.5, 1},
		{-0.5, -1},
		{1.5, 2},
		{-1.5, -2},
		{126.6, 127},
		{200, 127},
		{-200, -128},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FloatToInt8(tt.input), "input %v", tt.input)
	}
}

func TestDurationConversions(t *testing.T) {
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
	assert.Equal(t, uint64(time.Second), DurationToU64(time.Second))
	assert.Equal(t, time.Second, U64ToDuration(uint64(time.Second)))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
}

func TestIntToUint32(t *testing.T) {
	assert.Equal(t, uint32(0), IntToUint32(-1))
	assert.Equal(t, uint32(7), IntToUint32(7))
	assert.Equal(t, uint32(math.MaxUint32), IntToUint32(math.MaxInt64))
}
