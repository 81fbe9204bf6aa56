package lifecycle

import (
	"fmt"
	"math"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
)

func (m *Manager) normalize(exp *store.Experiment) {
	if exp.ID == "" {
		exp.ID = m.ids.NewID()
	}
	if exp.Type == "" {
		exp.Type = store.TypeABTest
	}
	if exp.TrafficAllocation.Percentage == 0 {
		exp.TrafficAllocation.Percentage = 100
	}
	if exp.TrafficAllocation.Method == "" {
		exp.TrafficAllocation.Method = string(store.MethodHash)
	}
	if exp.StatisticalConfig.SignificanceLevel == 0 {
		exp.StatisticalConfig.SignificanceLevel = m.defaults.SignificanceLevel
	}
	if exp.StatisticalConfig.Power == 0 {
		exp.StatisticalConfig.Power = m.defaults.Power
	}

	m.normalizeVariants(exp)

	primary := false
	for i := range exp.Goals {
		if exp.Goals[i].ID == "" {
			exp.Goals[i].ID = m.ids.NewID()
		}
		if exp.Goals[i].Type == "" {
			exp.Goals[i].Type = store.GoalConversion
		}
		if exp.Goals[i].Aggregation == "" {
			exp.Goals[i].Aggregation = store.AggregateUnique
		}
		primary = primary || exp.Goals[i].IsPrimary
	}
	if !primary && len(exp.Goals) > 0 {
		exp.Goals[0].IsPrimary = true
	}

	for i := range exp.PreTestChecklist {
		if exp.PreTestChecklist[i].ID == "" {
			exp.PreTestChecklist[i].ID = m.ids.NewID()
		}
	}
}

// normalizeVariants fills missing ids and promotes the first variant to
// control when none is marked.
func (m *Manager) normalizeVariants(exp *store.Experiment) {
	control := false
	for i := range exp.Variants {
		if exp.Variants[i].ID == "" {
			exp.Variants[i].ID = m.ids.NewID()
		}
		control = control || exp.Variants[i].IsControl
	}
	if !control && len(exp.Variants) > 0 {
		exp.Variants[0].IsControl = true
	}
}

// validate collects every config problem rather than stopping at the first.
func (m *Manager) validate(exp *store.Experiment) *ValidationError {
	var reasons []string
	if ve := apperr.ValidateStruct(exp); ve != nil {
		reasons = append(reasons, ve.Reasons...)
	}

	total := 0.0
	controls := 0
	seen := make(map[string]bool)
	for _, v := range exp.Variants {
		total += v.TrafficPercentage
		if v.IsControl {
			controls++
		}
		if seen[v.ID] {
			reasons = append(reasons, fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
	}
	// Allow for float noise in splits like 33.33/33.33/33.34.
	if total > 100+1e-9 {
		reasons = append(reasons, fmt.Sprintf("variant traffic percentages sum to %.2f, must not exceed 100", total))
	}
	if controls > 1 {
		reasons = append(reasons, fmt.Sprintf("%d variants are marked as control, at most one is allowed", controls))
	}

	primaries := 0
	goalIDs := make(map[string]bool)
	for _, g := range exp.Goals {
		if g.IsPrimary {
			primaries++
		}
		if goalIDs[g.ID] {
			reasons = append(reasons, fmt.Sprintf("duplicate goal id %q", g.ID))
		}
		goalIDs[g.ID] = true
	}
	if primaries > 1 {
		reasons = append(reasons, "only one goal can be primary")
	}

	if len(reasons) > 0 {
		return apperr.NewValidationError(reasons...)
	}
	return nil
}

// launchBlockers lists the reasons a draft cannot start yet.
func launchBlockers(exp *store.Experiment) []string {
	var reasons []string
	if len(exp.Variants) == 0 {
		reasons = append(reasons, "experiment must have at least one variant")
	}
	if len(exp.Goals) == 0 {
		reasons = append(reasons, "experiment must have at least one goal")
	}
	for _, g := range exp.Goals {
		if g.EventName == "" && g.Type != store.GoalRevenue {
			reasons = append(reasons, fmt.Sprintf("goal %q needs an event name", g.Name))
		}
	}
	for _, item := range exp.PreTestChecklist {
		if item.Required && !item.Completed {
			reasons = append(reasons, fmt.Sprintf("required checklist item %q is not completed", item.Description))
		}
	}
	return reasons
}

// planSampleSize fills SampleSizeCalculation when the caller supplied a
// baseline rate and an effect size is known.
func (m *Manager) planSampleSize(exp *store.Experiment) error {
	calc := exp.SampleSizeCalculation
	if calc == nil || calc.BaselineRate <= 0 {
		return nil
	}
	mde := calc.MinimumDetectableEffect
	if mde == 0 {
		if g := exp.PrimaryGoal(); g != nil {
			mde = g.SuccessCriteria.MinimumDetectableEffect
		}
	}
	if mde == 0 {
		return nil
	}

	variants := len(exp.Variants)
	if variants < 2 {
		variants = 2
	}
	res, err := stats.SampleSize(stats.SampleSizeInput{
		BaselineRate:            calc.BaselineRate,
		MinimumDetectableEffect: mde,
		SignificanceLevel:       exp.StatisticalConfig.SignificanceLevel,
		Power:                   exp.StatisticalConfig.Power,
		Variants:                variants,
		DailyTraffic:            m.defaults.DailyTraffic,
	})
	if err != nil {
		return err
	}
	calc.MinimumDetectableEffect = mde
	calc.PerVariant = res.PerVariant
	calc.Total = res.Total
	calc.EstimatedDurationDays = res.EstimatedDurationDays
	if exp.StatisticalConfig.MinimumSampleSize == 0 {
		exp.StatisticalConfig.MinimumSampleSize = res.PerVariant
	}
	if exp.StatisticalConfig.MaxDurationDays == 0 {
		exp.StatisticalConfig.MaxDurationDays = int(math.Max(float64(res.EstimatedDurationDays), 1))
	}
	return nil
}
