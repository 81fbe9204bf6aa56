package stats_test

import (
	"testing"

	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_PicksBestTreatment(t *testing.T) {
	samples := []stats.Sample{
		{VariantID: "control", IsControl: true, Conversions: 100, N: 500},
		{VariantID: "b", Conversions: 110, N: 500},
		{VariantID: "c", Conversions: 150, N: 500},
	}

	a, err := stats.Compare(samples, 0.05, false)
	require.NoError(t, err)

	assert.Equal(t, stats.MethodZTest, a.Method)
	assert.Equal(t, "control", a.ControlVariantID)
	assert.Equal(t, "c", a.TreatmentVariantID)
	assert.True(t, a.Significant)
	assert.InDelta(t, 0.5, a.EffectSize, 1e-9)
	assert.InDelta(t, 0.1, a.AbsoluteDifference, 1e-9)
	assert.Greater(t, a.Power, 0.9)
}

func TestCompare_LowerIsBetter(t *testing.T) {
	samples := []stats.Sample{
		{VariantID: "control", IsControl: true, Conversions: 100, N: 500},
		{VariantID: "b", Conversions: 40, N: 500},
		{VariantID: "c", Conversions: 110, N: 500},
	}

	a, err := stats.Compare(samples, 0.05, true)
	require.NoError(t, err)
	assert.Equal(t, "b", a.TreatmentVariantID)
	assert.True(t, a.Significant)
	assert.InDelta(t, -0.6, a.EffectSize, 1e-9)

	a, err = stats.Compare(samples, 0.05, false)
	require.NoError(t, err)
	assert.Equal(t, "c", a.TreatmentVariantID)
	assert.False(t, a.Significant)
}

func TestCompare_NotSignificant(t *testing.T) {
	samples := []stats.Sample{
		{VariantID: "control", IsControl: true, Conversions: 20, N: 200},
		{VariantID: "treatment", Conversions: 22, N: 200},
	}

	a, err := stats.Compare(samples, 0.05, false)
	require.NoError(t, err)
	assert.False(t, a.Significant)
	assert.Greater(t, a.PValue, 0.05, false)
}

func TestCompare_MissingVariant(t *testing.T) {
	_, err := stats.Compare([]stats.Sample{{VariantID: "a", N: 10}, {VariantID: "b", N: 10}}, 0.05, false)
	assert.ErrorIs(t, err, stats.ErrMissingVariant)

	_, err = stats.Compare([]stats.Sample{{VariantID: "control", IsControl: true, N: 10}}, 0.05, false)
	assert.ErrorIs(t, err, stats.ErrMissingVariant)

	_, err = stats.Compare(nil, 0.05, false)
	assert.ErrorIs(t, err, stats.ErrMissingVariant)
}
