package results

import (
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
)

type goalTally struct {
	converters map[string]struct{}
	count      int
	sum        float64
}

type variantTally struct {
	exposed map[string]struct{}
	goals   map[string]*goalTally
}

// summarize counts unique exposed subjects per variant and their conversions
// per goal. Conversions from subjects never exposed to the variant are
// ignored. Conversions without a goal id count toward the primary goal.
func summarize(exp *store.Experiment, events []*store.Event, alpha float64) []VariantResults {
	primary := exp.PrimaryGoal()
	primaryID := ""
	if primary != nil {
		primaryID = primary.ID
	}

	tallies := make(map[string]*variantTally, len(exp.Variants))
	for _, v := range exp.Variants {
		tallies[v.ID] = &variantTally{exposed: make(map[string]struct{}), goals: make(map[string]*goalTally)}
	}

	for _, ev := range events {
		if ev.Type == store.EventExposure {
			if t := tallies[ev.VariantID]; t != nil {
				t.exposed[ev.SubjectID] = struct{}{}
			}
		}
	}
	for _, ev := range events {
		if ev.Type != store.EventConversion {
			continue
		}
		t := tallies[ev.VariantID]
		if t == nil {
			continue
		}
		if _, ok := t.exposed[ev.SubjectID]; !ok {
			continue
		}
		goalID := ev.GoalID
		if goalID == "" {
			goalID = primaryID
		}
		g := t.goals[goalID]
		if g == nil {
			g = &goalTally{converters: make(map[string]struct{})}
			t.goals[goalID] = g
		}
		g.converters[ev.SubjectID] = struct{}{}
		g.count++
		g.sum += ev.Value
	}

	z := stats.CriticalValue(alpha)
	out := make([]VariantResults, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		t := tallies[v.ID]
		n := len(t.exposed)
		vr := VariantResults{
			VariantID:  v.ID,
			Name:       v.Name,
			IsControl:  v.IsControl,
			SampleSize: n,
		}
		if g := t.goals[primaryID]; g != nil {
			vr.Conversions = len(g.converters)
		}
		if n > 0 {
			vr.ConversionRate = float64(vr.Conversions) / float64(n)
		}
		vr.StandardError = stats.StandardError(vr.ConversionRate, n)
		vr.ConfidenceInterval = stats.ConfidenceInterval(vr.ConversionRate, n, z)

		for _, goal := range exp.Goals {
			vr.Goals = append(vr.Goals, goalResult(goal, t.goals[goal.ID], n, alpha))
		}
		out = append(out, vr)
	}

	var control *VariantResults
	for i := range out {
		if out[i].IsControl {
			control = &out[i]
			break
		}
	}
	if control != nil {
		for i := range out {
			if !out[i].IsControl {
				chance := stats.SignificanceTest(
					out[i].Conversions, out[i].SampleSize, control.Conversions, control.SampleSize)
				if lowerIsBetter(exp) {
					chance = 1 - chance
				}
				out[i].ChanceToBeatControl = chance
			}
		}
	}
	return out
}

func goalResult(goal store.Goal, g *goalTally, n int, alpha float64) GoalResult {
	gr := GoalResult{
		GoalID:         goal.ID,
		Name:           goal.Name,
		Aggregation:    string(goal.Aggregation),
		IntervalMethod: "z_test",
	}
	if gr.Aggregation == "" {
		gr.Aggregation = string(store.AggregateUnique)
	}
	if g != nil {
		gr.Conversions = len(g.converters)
		switch goal.Aggregation {
		case store.AggregateCount:
			gr.Value = float64(g.count)
		case store.AggregateSum:
			gr.Value = g.sum
		case store.AggregateAverage:
			if g.count > 0 {
				gr.Value = g.sum / float64(g.count)
			}
		default:
			gr.Value = float64(gr.Conversions)
		}
	}
	if n > 0 {
		gr.ConversionRate = float64(gr.Conversions) / float64(n)
	}

	if goal.Statistics.SignificanceLevel > 0 {
		alpha = goal.Statistics.SignificanceLevel
	}
	if goal.Statistics.Method == "wilson" {
		gr.IntervalMethod = "wilson"
		lo, hi := stats.WilsonInterval(gr.Conversions, n, 1-alpha)
		gr.ConfidenceInterval = stats.Interval{Lower: lo, Upper: hi}
	} else {
		gr.ConfidenceInterval = stats.ConfidenceInterval(gr.ConversionRate, n, stats.CriticalValue(alpha))
	}
	return gr
}
