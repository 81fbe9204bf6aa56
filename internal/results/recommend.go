package results

import (
	"fmt"
	"time"

	"github.com/gkobilansky/goatlab/internal/store"
)

// minimumQualityScore is the score below which results are flagged as
// untrustworthy.
const minimumQualityScore = 0.7

// recommend derives ordered, human-readable next steps from the results.
// Data problems come first.
func recommend(exp *store.Experiment, res *ExperimentResults, now time.Time) []string {
	var recs []string
	q := res.DataQuality
	a := res.Analysis

	if q.SampleRatioMismatch {
		recs = append(recs, "Investigate the sample ratio mismatch before acting on these results")
	}
	if q.QualityScore < minimumQualityScore {
		recs = append(recs, fmt.Sprintf("Data quality score is %.2f; review tracking before drawing conclusions", q.QualityScore))
	}

	collected := 0
	for _, v := range res.Variants {
		collected += v.SampleSize
	}
	required := exp.StatisticalConfig.MinimumSampleSize * len(exp.Variants)
	if required > 0 && collected < required {
		recs = append(recs, fmt.Sprintf("Keep collecting data: %d of %d required subjects exposed", collected, required))
	}

	if exp.StatisticalConfig.MaxDurationDays > 0 && exp.StartedAt != nil {
		end := now
		if exp.EndedAt != nil {
			end = *exp.EndedAt
		}
		if end.Sub(*exp.StartedAt) > time.Duration(exp.StatisticalConfig.MaxDurationDays)*24*time.Hour {
			recs = append(recs, fmt.Sprintf("Experiment has run past its maximum duration of %d days", exp.StatisticalConfig.MaxDurationDays))
		}
	}

	improved := a.AbsoluteDifference > 0
	if lowerIsBetter(exp) {
		improved = a.AbsoluteDifference < 0
	}

	targetPower := exp.StatisticalConfig.Power
	if targetPower <= 0 {
		targetPower = 0.8
	}

	switch {
	case a.Significant && improved:
		recs = append(recs, fmt.Sprintf("Roll out %s: %+.1f%% relative change vs control (p=%.4f)",
			a.TreatmentVariantID, a.EffectSize*100, a.PValue))
	case a.Significant:
		recs = append(recs, fmt.Sprintf("Keep %s: %s performs significantly worse (p=%.4f)",
			a.ControlVariantID, a.TreatmentVariantID, a.PValue))
	case a.Power < targetPower:
		recs = append(recs, fmt.Sprintf("No significant difference yet; power is %.0f%%, continue the test", a.Power*100))
	default:
		recs = append(recs, "No significant difference detected at adequate power; consider stopping the test")
	}
	return recs
}
