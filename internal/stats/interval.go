package stats

import "math"

// DefaultZ is the critical value for a 95% two-sided interval.
const DefaultZ = 1.96

// StandardError of a proportion; 0 when there are no observations.
func StandardError(rate float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Sqrt(rate * (1 - rate) / float64(n))
}

// Interval is a closed range of rates.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ConfidenceInterval returns rate ∓ z·SE clamped to [0, 1]. A non-positive
// z uses DefaultZ.
func ConfidenceInterval(rate float64, n int, z float64) Interval {
	if z <= 0 {
		z = DefaultZ
	}
	margin := z * StandardError(rate, n)
	return Interval{
		Lower: clamp01(rate - margin),
		Upper: clamp01(rate + margin),
	}
}
