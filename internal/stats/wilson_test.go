package stats_test

import (
	"math"
	"testing"

	"github.com/gkobilansky/goatlab/internal/stats"
)

func TestWilsonInterval_50PercentConversion(t *testing.T) {
	lower, upper := stats.WilsonInterval(50, 100, 0.95)

	if lower < 0.38 || lower > 0.42 {
		t.Errorf("lower bound %f not in expected range [0.38, 0.42]", lower)
	}
	if upper < 0.58 || upper > 0.62 {
		t.Errorf("upper bound %f not in expected range [0.58, 0.62]", upper)
	}
}

func TestWilsonInterval_LowConversion(t *testing.T) {
	lower, upper := stats.WilsonInterval(5, 100, 0.95)

	if lower < 0.01 || lower > 0.03 {
		t.Errorf("lower bound %f not in expected range [0.01, 0.03]", lower)
	}
	if upper < 0.09 || upper > 0.13 {
		t.Errorf("upper bound %f not in expected range [0.09, 0.13]", upper)
	}
}

func TestWilsonInterval_ZeroTrials(t *testing.T) {
	lower, upper := stats.WilsonInterval(0, 0, 0.95)

	if lower != 0 || upper != 0 {
		t.Errorf("expected (0, 0) for zero trials, got (%f, %f)", lower, upper)
	}
}

func TestWilsonInterval_AllSuccesses(t *testing.T) {
	lower, upper := stats.WilsonInterval(100, 100, 0.95)

	if lower < 0.95 || lower > 0.99 {
		t.Errorf("lower bound %f not in expected range [0.95, 0.99]", lower)
	}
	if upper < 0.99 || upper > 1.0 {
		t.Errorf("upper bound %f not in expected range [0.99, 1.0]", upper)
	}
}

func TestZScore(t *testing.T) {
	tests := []struct {
		confidence float64
		expected   float64
		tolerance  float64
	}{
		{0.80, 1.28, 0.01},
		{0.85, 1.44, 0.01},
		{0.90, 1.645, 0.01},
		{0.95, 1.96, 0.01},
		{0.99, 2.576, 0.01},
	}

	for _, tt := range tests {
		z := stats.ZScore(tt.confidence)
		if math.Abs(z-tt.expected) > tt.tolerance {
			t.Errorf("ZScore(%f) = %f, want %f (tolerance %f)", tt.confidence, z, tt.expected, tt.tolerance)
		}
	}
}
