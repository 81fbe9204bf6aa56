// Package quality audits experiment event data for sample ratio mismatch,
// missing conversions and subjects assigned to more than one variant.
package quality

import (
	"fmt"
	"math"

	"github.com/gkobilansky/goatlab/internal/store"
)

// Policy holds the audit thresholds and the score penalties applied when
// each threshold is crossed.
type Policy struct {
	// SRMTolerance is the allowed relative deviation of a variant's observed
	// share from its expected share.
	SRMTolerance float64 `mapstructure:"srm-tolerance" validate:"gt=0,lt=1"`
	// MissingDataThreshold is a percentage of exposed subjects.
	MissingDataThreshold float64 `mapstructure:"missing-data-threshold" validate:"gte=0,lte=100"`
	// DuplicateThreshold is a fraction of exposed subjects.
	DuplicateThreshold float64 `mapstructure:"duplicate-threshold" validate:"gte=0,lte=1"`

	SRMPenalty         float64 `mapstructure:"srm-penalty" validate:"gte=0,lte=1"`
	MissingDataPenalty float64 `mapstructure:"missing-data-penalty" validate:"gte=0,lte=1"`
	DuplicatePenalty   float64 `mapstructure:"duplicate-penalty" validate:"gte=0,lte=1"`
}

func DefaultPolicy() Policy {
	return Policy{
		SRMTolerance:         0.05,
		MissingDataThreshold: 20,
		DuplicateThreshold:   0.05,
		SRMPenalty:           0.3,
		MissingDataPenalty:   0.2,
		DuplicatePenalty:     0.2,
	}
}

// VariantRatio compares a variant's observed share of exposed subjects with
// its expected traffic share. Both shares are percentages.
type VariantRatio struct {
	VariantID string  `json:"variant_id"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Ratio     float64 `json:"ratio"`
}

type Report struct {
	SampleRatioMismatch   bool           `json:"sample_ratio_mismatch"`
	// VariantRatios counts unique exposed subjects per variant, not exposure
	// events, so repeat exposures of one subject do not skew the split.
	VariantRatios         []VariantRatio `json:"variant_ratios,omitempty"`
	MissingDataPercentage float64        `json:"missing_data_percentage"`
	DuplicateAssignments  int            `json:"duplicate_assignments"`
	QualityScore          float64        `json:"quality_score"`
	Issues                []string       `json:"issues,omitempty"`
}

type Auditor struct {
	policy Policy
}

func New(p Policy) *Auditor {
	return &Auditor{policy: p}
}

func (a *Auditor) Policy() Policy {
	return a.policy
}

// Audit inspects the experiment's events and scores their quality.
func (a *Auditor) Audit(exp *store.Experiment, events []*store.Event) Report {
	exposedBy := make(map[string]map[string]struct{})
	exposed := make(map[string]struct{})
	converted := make(map[string]struct{})
	assignedTo := make(map[string]map[string]struct{})

	for _, ev := range events {
		switch ev.Type {
		case store.EventExposure:
			if exposedBy[ev.VariantID] == nil {
				exposedBy[ev.VariantID] = make(map[string]struct{})
			}
			exposedBy[ev.VariantID][ev.SubjectID] = struct{}{}
			exposed[ev.SubjectID] = struct{}{}
		case store.EventConversion:
			converted[ev.SubjectID] = struct{}{}
		case store.EventAssignment:
			if assignedTo[ev.SubjectID] == nil {
				assignedTo[ev.SubjectID] = make(map[string]struct{})
			}
			assignedTo[ev.SubjectID][ev.VariantID] = struct{}{}
		}
	}

	var r Report
	r.VariantRatios, r.SampleRatioMismatch = a.sampleRatio(exp, exposedBy)

	if len(exposed) > 0 {
		convertedExposed := 0
		for id := range converted {
			if _, ok := exposed[id]; ok {
				convertedExposed++
			}
		}
		r.MissingDataPercentage = float64(len(exposed)-convertedExposed) / float64(len(exposed)) * 100
	}

	for _, variants := range assignedTo {
		if len(variants) > 1 {
			r.DuplicateAssignments++
		}
	}

	score := 1.0
	if r.SampleRatioMismatch {
		score -= a.policy.SRMPenalty
		r.Issues = append(r.Issues, "sample ratio mismatch: observed traffic split deviates from the configured allocation")
	}
	if r.MissingDataPercentage > a.policy.MissingDataThreshold {
		score -= a.policy.MissingDataPenalty
		r.Issues = append(r.Issues, fmt.Sprintf("%.1f%% of exposed subjects have no conversion data", r.MissingDataPercentage))
	}
	if len(exposed) > 0 && float64(r.DuplicateAssignments) > a.policy.DuplicateThreshold*float64(len(exposed)) {
		score -= a.policy.DuplicatePenalty
		r.Issues = append(r.Issues, fmt.Sprintf("%d subjects were assigned to more than one variant", r.DuplicateAssignments))
	}
	r.QualityScore = math.Max(0, score)
	return r
}

// sampleRatio compares observed exposure shares with expected traffic. The
// unallocated remainder belongs to the control variant, matching how
// assignment resolves the gap.
func (a *Auditor) sampleRatio(exp *store.Experiment, exposedBy map[string]map[string]struct{}) ([]VariantRatio, bool) {
	total := 0
	for _, subjects := range exposedBy {
		total += len(subjects)
	}
	if total == 0 || len(exp.Variants) == 0 {
		return nil, false
	}

	allocated := 0.0
	for _, v := range exp.Variants {
		allocated += v.TrafficPercentage
	}
	control := exp.Control()

	var ratios []VariantRatio
	mismatch := false
	for _, v := range exp.Variants {
		expected := v.TrafficPercentage
		if control != nil && v.ID == control.ID && allocated < 100 {
			expected += 100 - allocated
		}
		if expected <= 0 {
			continue
		}
		actual := float64(len(exposedBy[v.ID])) / float64(total) * 100
		ratio := actual / expected
		ratios = append(ratios, VariantRatio{VariantID: v.ID, Expected: expected, Actual: actual, Ratio: ratio})
		if math.Abs(ratio-1) > a.policy.SRMTolerance {
			mismatch = true
		}
	}
	return ratios, mismatch
}
