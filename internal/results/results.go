// Package results aggregates experiment events into per-variant metrics,
// a statistical comparison, recommendations and a data quality report.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/quality"
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
)

type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GoalResult is one goal's outcome for one variant. Value is the goal's
// aggregation (unique converters, conversion count, sum or average of event
// values).
type GoalResult struct {
	GoalID             string         `json:"goal_id"`
	Name               string         `json:"name"`
	Aggregation        string         `json:"aggregation"`
	Conversions        int            `json:"conversions"`
	ConversionRate     float64        `json:"conversion_rate"`
	Value              float64        `json:"value"`
	IntervalMethod     string         `json:"interval_method"`
	ConfidenceInterval stats.Interval `json:"confidence_interval"`
}

type VariantResults struct {
	VariantID          string         `json:"variant_id"`
	Name               string         `json:"name"`
	IsControl          bool           `json:"is_control"`
	SampleSize         int            `json:"sample_size"`
	Conversions        int            `json:"conversions"`
	ConversionRate     float64        `json:"conversion_rate"`
	StandardError      float64        `json:"standard_error"`
	ConfidenceInterval stats.Interval `json:"confidence_interval"`
	Goals              []GoalResult   `json:"goals,omitempty"`

	// ChanceToBeatControl is the one-sided probability that this variant's
	// primary rate exceeds the control's. Unset on the control itself.
	ChanceToBeatControl float64 `json:"chance_to_beat_control,omitempty"`
}

type ExperimentResults struct {
	ExperimentID    string           `json:"experiment_id"`
	Status          string           `json:"status"`
	GeneratedAt     time.Time        `json:"generated_at"`
	DateRange       DateRange        `json:"date_range"`
	Variants        []VariantResults `json:"variants"`
	Analysis        stats.Analysis   `json:"statistical_analysis"`
	Recommendations []string         `json:"recommendations"`
	DataQuality     quality.Report   `json:"data_quality"`
}

// Variant returns the results for a variant id, or nil.
func (r *ExperimentResults) Variant(id string) *VariantResults {
	for i := range r.Variants {
		if r.Variants[i].VariantID == id {
			return &r.Variants[i]
		}
	}
	return nil
}

type Aggregator struct {
	store   store.Store
	auditor *quality.Auditor
	logger  *zap.Logger
	now     func() time.Time
}

func New(s store.Store, auditor *quality.Auditor, logger *zap.Logger) *Aggregator {
	if auditor == nil {
		auditor = quality.New(quality.DefaultPolicy())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: s, auditor: auditor, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Compute builds the results report for an experiment from its events.
func (a *Aggregator) Compute(ctx context.Context, experimentID string) (*ExperimentResults, error) {
	exp, err := a.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return a.compute(ctx, exp)
}

func (a *Aggregator) compute(ctx context.Context, exp *store.Experiment) (*ExperimentResults, error) {
	start := time.Now()
	defer func() { metrics.ResultsDuration.Observe(time.Since(start).Seconds()) }()

	events, err := a.store.QueryEvents(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	alpha := exp.StatisticalConfig.SignificanceLevel
	if alpha <= 0 {
		alpha = 0.05
	}

	variants := summarize(exp, events, alpha)
	samples := make([]stats.Sample, len(variants))
	for i, v := range variants {
		samples[i] = stats.Sample{VariantID: v.VariantID, IsControl: v.IsControl, Conversions: v.Conversions, N: v.SampleSize}
	}
	analysis, err := stats.Compare(samples, alpha, lowerIsBetter(exp))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze experiment %s: %w", exp.ID, err)
	}

	res := &ExperimentResults{
		ExperimentID: exp.ID,
		Status:       string(exp.Status),
		GeneratedAt:  a.now(),
		DateRange:    a.dateRange(exp, events),
		Variants:     variants,
		Analysis:     analysis,
		DataQuality:  a.auditor.Audit(exp, events),
	}
	res.Recommendations = recommend(exp, res, a.now())
	return res, nil
}

// Finalize computes the results of a stopped experiment and persists them
// as its snapshot.
func (a *Aggregator) Finalize(ctx context.Context, exp *store.Experiment) error {
	res, err := a.compute(ctx, exp)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := a.store.SaveSnapshot(ctx, &store.Snapshot{
		ExperimentID: exp.ID,
		GeneratedAt:  res.GeneratedAt,
		Payload:      payload,
	}); err != nil {
		return fmt.Errorf("failed to save results snapshot: %w", err)
	}
	a.logger.Info("final results saved",
		zap.String("experiment_id", exp.ID),
		zap.Float64("p_value", res.Analysis.PValue),
		zap.Bool("significant", res.Analysis.Significant))
	return nil
}

// Snapshot returns the persisted final results of an experiment.
func (a *Aggregator) Snapshot(ctx context.Context, experimentID string) (*ExperimentResults, error) {
	snap, err := a.store.GetSnapshot(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	var res ExperimentResults
	if err := json.Unmarshal(snap.Payload, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results snapshot: %w", err)
	}
	return &res, nil
}

func (a *Aggregator) dateRange(exp *store.Experiment, events []*store.Event) DateRange {
	var r DateRange
	if exp.StartedAt != nil {
		r.Start = *exp.StartedAt
	} else if len(events) > 0 {
		r.Start = events[0].Timestamp
	}
	switch {
	case exp.EndedAt != nil:
		r.End = *exp.EndedAt
	case len(events) > 0:
		r.End = events[len(events)-1].Timestamp
	default:
		r.End = a.now()
	}
	return r
}

// lowerIsBetter reports whether the primary goal aims to decrease its rate.
func lowerIsBetter(exp *store.Experiment) bool {
	g := exp.PrimaryGoal()
	return g != nil && g.SuccessCriteria.Direction == store.DirectionDecrease
}
