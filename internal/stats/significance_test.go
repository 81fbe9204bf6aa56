package stats_test

import (
	"testing"

	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/stretchr/testify/assert"
)

func TestSignificanceTest_ClearWinner(t *testing.T) {
	// Variant A: 10% conversion (100/1000)
	// Variant B: 5% conversion (50/1000)
	confidence := stats.SignificanceTest(100, 1000, 50, 1000)

	if confidence < 0.95 {
		t.Errorf("expected high confidence (>0.95), got %f", confidence)
	}
}

func TestSignificanceTest_NoSignificance(t *testing.T) {
	confidence := stats.SignificanceTest(50, 1000, 50, 1000)

	if confidence > 0.60 {
		t.Errorf("expected low confidence (<0.60) for equal rates, got %f", confidence)
	}
}

func TestSignificanceTest_SmallSample(t *testing.T) {
	confidence := stats.SignificanceTest(5, 20, 2, 20)

	if confidence > 0.95 {
		t.Errorf("expected lower confidence for small sample, got %f", confidence)
	}
}

func TestSignificanceTest_ZeroViews(t *testing.T) {
	confidence := stats.SignificanceTest(0, 0, 0, 0)

	if confidence != 0.5 {
		t.Errorf("expected 0.5 for zero views, got %f", confidence)
	}
}

func TestTwoProportionZTest_IdenticalRates(t *testing.T) {
	res := stats.TwoProportionZTest(0.2, 1000, 0.2, 1000)

	assert.InDelta(t, 0.0, res.ZScore, 1e-12)
	assert.InDelta(t, 1.0, res.PValue, 1e-6)
}

func TestTwoProportionZTest_KnownDifference(t *testing.T) {
	// pooled 0.25, SE = sqrt(0.1875 * 0.004) = 0.027386
	res := stats.TwoProportionZTest(0.20, 500, 0.30, 500)

	assert.InDelta(t, 3.6515, res.ZScore, 1e-3)
	assert.Less(t, res.PValue, 0.001)
	assert.Greater(t, res.PValue, 0.0)
}

func TestTwoProportionZTest_Symmetric(t *testing.T) {
	up := stats.TwoProportionZTest(0.10, 800, 0.13, 900)
	down := stats.TwoProportionZTest(0.13, 900, 0.10, 800)

	assert.InDelta(t, up.ZScore, -down.ZScore, 1e-12)
	assert.InDelta(t, up.PValue, down.PValue, 1e-12)
}

func TestTwoProportionZTest_EmptySample(t *testing.T) {
	res := stats.TwoProportionZTest(0.5, 0, 0.2, 100)
	assert.Equal(t, 1.0, res.PValue)

	res = stats.TwoProportionZTest(0, 100, 0, 100)
	assert.Equal(t, 1.0, res.PValue, "zero standard error is not significant")
}

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.975},
		{-1.96, 0.025},
		{1.0, 0.8413},
		{3.0, 0.99865},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, stats.NormalCDF(tt.x), 1e-4, "NormalCDF(%v)", tt.x)
	}
}
