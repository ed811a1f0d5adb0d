// Package scoring holds the pure property, lead and market scoring functions.
// Nothing here performs I/O or reads shared state.
package scoring

import "math"

const (
	minScore = 0.0
	maxScore = 100.0
)

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// saturate scales value against ceiling into [0, weight].
func saturate(value, ceiling, weight float64) float64 {
	if ceiling <= 0 || value <= 0 {
		return 0
	}
	return weight * math.Min(value/ceiling, 1)
}

// finalize clamps a summed score to [0,100] with one decimal.
func finalize(v float64) float64 {
	if math.IsNaN(v) {
		return minScore
	}
	return round1(clamp(v, minScore, maxScore))
}
