package stats

import (
	"fmt"
	"math"

	"github.com/gkobilansky/goatlab/internal/apperr"
)

// DefaultDailyTraffic is used to estimate test duration when the caller does
// not know how many subjects enter the experiment per day.
const DefaultDailyTraffic = 1000

// SampleSizeInput describes a planned two-proportion test.
type SampleSizeInput struct {
	BaselineRate            float64 `json:"baseline_rate"`
	MinimumDetectableEffect float64 `json:"minimum_detectable_effect"` // relative, 0.10 = +10%
	SignificanceLevel       float64 `json:"significance_level"`
	Power                   float64 `json:"power"`
	Variants                int     `json:"variants"`
	DailyTraffic            int     `json:"daily_traffic,omitempty"`
}

// SampleSizeResult is the required sample per variant and in total.
type SampleSizeResult struct {
	PerVariant            int `json:"per_variant"`
	Total                 int `json:"total"`
	EstimatedDurationDays int `json:"estimated_duration_days"`
}

// SampleSize computes the per-variant sample needed to detect the relative
// lift in the input:
//
//	n = ceil(2·p̄(1−p̄)(zα+zβ)² / (p2−p1)²), p2 = p1(1+mde), p̄ = (p1+p2)/2
func SampleSize(in SampleSizeInput) (SampleSizeResult, error) {
	var reasons []string
	if in.BaselineRate <= 0 || in.BaselineRate >= 1 {
		reasons = append(reasons, fmt.Sprintf("baseline rate %v must be in (0, 1)", in.BaselineRate))
	}
	if in.MinimumDetectableEffect == 0 {
		reasons = append(reasons, "minimum detectable effect must be non-zero")
	}
	if in.SignificanceLevel <= 0 || in.SignificanceLevel >= 1 {
		reasons = append(reasons, fmt.Sprintf("significance level %v must be in (0, 1)", in.SignificanceLevel))
	}
	if in.Power <= 0 || in.Power >= 1 {
		reasons = append(reasons, fmt.Sprintf("power %v must be in (0, 1)", in.Power))
	}
	p1 := in.BaselineRate
	p2 := p1 * (1 + in.MinimumDetectableEffect)
	if len(reasons) == 0 && (p2 <= 0 || p2 >= 1) {
		reasons = append(reasons, fmt.Sprintf("treatment rate %v implied by the effect must be in (0, 1)", p2))
	}
	if len(reasons) > 0 {
		return SampleSizeResult{}, apperr.NewValidationError(reasons...)
	}

	variants := in.Variants
	if variants <= 0 {
		variants = 2
	}
	daily := in.DailyTraffic
	if daily <= 0 {
		daily = DefaultDailyTraffic
	}

	pooled := (p1 + p2) / 2
	z := CriticalValue(in.SignificanceLevel) + PowerZ(in.Power)
	diff := p2 - p1
	n := int(math.Ceil(2 * pooled * (1 - pooled) * z * z / (diff * diff)))

	total := n * variants
	return SampleSizeResult{
		PerVariant:            n,
		Total:                 total,
		EstimatedDurationDays: int(math.Ceil(float64(total) / float64(daily))),
	}, nil
}

// CriticalValue returns the two-sided critical value z(1-α/2).
func CriticalValue(alpha float64) float64 {
	switch alpha {
	case 0.01:
		return 2.576
	case 0.05:
		return 1.96
	case 0.10:
		return 1.645
	}
	return InverseNormalCDF(1 - alpha/2)
}

// PowerZ returns the one-sided critical value z(power).
func PowerZ(power float64) float64 {
	switch power {
	case 0.80:
		return 0.84
	case 0.90:
		return 1.28
	case 0.95:
		return 1.645
	}
	return InverseNormalCDF(power)
}

// StatisticalPower is the probability of detecting the observed difference
// at significance α given the sample sizes:
//
//	Φ(|Δ| / SEpooled − z(1−α/2))
func StatisticalPower(controlRate, treatmentRate float64, controlN, treatmentN int, alpha float64) float64 {
	if controlN <= 0 || treatmentN <= 0 || alpha <= 0 || alpha >= 1 {
		return 0
	}
	se := pooledStandardError(controlRate, controlN, treatmentRate, treatmentN)
	if se == 0 {
		return 0
	}
	z := InverseNormalCDF(1 - alpha/2)
	return NormalCDF(math.Abs(treatmentRate-controlRate)/se - z)
}

// Beasley-Springer-Moro coefficients.
var (
	bsmA = [4]float64{2.50662823884, -18.61500062529, 41.39119773534, -25.44106049637}
	bsmB = [4]float64{-8.47351093090, 23.08336743743, -21.06224101826, 3.13082909833}
	bsmC = [9]float64{
		0.3374754822726147, 0.9761690190917186, 0.1607979714918209,
		0.0276438810333863, 0.0038405729373609, 0.0003951896511919,
		0.0000321767881768, 0.0000002888167364, 0.0000003960315187,
	}
)

// InverseNormalCDF returns x such that Φ(x) = p, using the
// Beasley-Springer-Moro approximation. p outside (0, 1) returns ±Inf.
func InverseNormalCDF(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	y := p - 0.5
	if math.Abs(y) < 0.42 {
		r := y * y
		num := y * (((bsmA[3]*r+bsmA[2])*r+bsmA[1])*r + bsmA[0])
		den := (((bsmB[3]*r+bsmB[2])*r+bsmB[1])*r+bsmB[0])*r + 1
		return num / den
	}

	r := p
	if y > 0 {
		r = 1 - p
	}
	r = math.Log(-math.Log(r))
	x := bsmC[0] + r*(bsmC[1]+r*(bsmC[2]+r*(bsmC[3]+r*(bsmC[4]+r*(bsmC[5]+r*(bsmC[6]+r*(bsmC[7]+r*bsmC[8])))))))
	if y < 0 {
		x = -x
	}
	return x
}
