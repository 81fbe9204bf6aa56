package stats

import "github.com/gkobilansky/goatlab/internal/apperr"

// ErrMissingVariant is returned when a comparison lacks a control or a
// treatment sample.
var ErrMissingVariant = apperr.ErrMissingVariant

// MethodZTest names the frequentist comparison used by Compare.
const MethodZTest = "two_proportion_z_test"

// Sample is the observed outcome of one variant.
type Sample struct {
	VariantID   string
	IsControl   bool
	Conversions int
	N           int
}

// Rate is the conversion rate of the sample, 0 when empty.
func (s Sample) Rate() float64 {
	if s.N <= 0 {
		return 0
	}
	return float64(s.Conversions) / float64(s.N)
}

// Analysis compares the best treatment against the control.
type Analysis struct {
	Method             string  `json:"method"`
	ControlVariantID   string  `json:"control_variant_id"`
	TreatmentVariantID string  `json:"treatment_variant_id"`
	ZScore             float64 `json:"z_score"`
	PValue             float64 `json:"p_value"`
	Significant        bool    `json:"is_statistically_significant"`
	SignificanceLevel  float64 `json:"significance_level"`
	EffectSize         float64 `json:"effect_size"` // relative lift over control
	AbsoluteDifference float64 `json:"absolute_difference"`
	Power              float64 `json:"power"`
}

// Compare runs the z-test between the control and the best-performing
// non-control sample at significance alpha. The best sample has the highest
// rate, or the lowest when lowerIsBetter is set.
func Compare(samples []Sample, alpha float64, lowerIsBetter bool) (Analysis, error) {
	var control *Sample
	var treatment *Sample

	for i := range samples {
		s := &samples[i]
		if s.IsControl {
			if control == nil {
				control = s
			}
			continue
		}
		if treatment == nil {
			treatment = s
			continue
		}
		better := s.Rate() > treatment.Rate()
		if lowerIsBetter {
			better = s.Rate() < treatment.Rate()
		}
		if better {
			treatment = s
		}
	}

	if control == nil || treatment == nil {
		return Analysis{}, ErrMissingVariant
	}

	cr, tr := control.Rate(), treatment.Rate()
	z := TwoProportionZTest(cr, control.N, tr, treatment.N)

	effect := 0.0
	if cr > 0 {
		effect = (tr - cr) / cr
	}

	return Analysis{
		Method:             MethodZTest,
		ControlVariantID:   control.VariantID,
		TreatmentVariantID: treatment.VariantID,
		ZScore:             z.ZScore,
		PValue:             z.PValue,
		Significant:        z.PValue < alpha,
		SignificanceLevel:  alpha,
		EffectSize:         effect,
		AbsoluteDifference: tr - cr,
		Power:              StatisticalPower(cr, tr, control.N, treatment.N, alpha),
	}, nil
}
