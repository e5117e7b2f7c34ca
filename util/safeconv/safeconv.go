package safeconv

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// Clamp returns v limited to the [lo, hi] interval.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FloatToInt8 rounds a float32 half away from zero and clamps the result
// into the int8 range. Rounding away from zero keeps quantization symmetric
// around the zero point.
func FloatToInt8(v float32) int8 {
	var rounded float64
	if v >= 0 {
		rounded = math.Floor(float64(v) + 0.5)
	} else {
		rounded = math.Ceil(float64(v) - 0.5)
	}
	return int8(Clamp(rounded, math.MinInt8, math.MaxInt8))
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	// Conversion from time.Duration (int64) to uint64 is safe here because negatives are handled above.
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// IntToUint32 converts int to uint32 with clamping into [0, MaxUint32].
func IntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
