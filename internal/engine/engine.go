// Package engine is the entry point callers use: it wires the store,
// assignment, tracking, lifecycle, results and flag components together.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/goatlab/internal/assign"
	"github.com/gkobilansky/goatlab/internal/flags"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/lifecycle"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/quality"
	"github.com/gkobilansky/goatlab/internal/results"
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/gkobilansky/goatlab/internal/tracking"
)

// Options configures New. Zero values pick defaults.
type Options struct {
	IDs      ids.Generator
	Logger   *zap.Logger
	Policy   *quality.Policy
	Defaults *lifecycle.Defaults
	Now      func() time.Time
}

type Engine struct {
	store     store.Store
	logger    *zap.Logger
	defaults  lifecycle.Defaults
	assigner  *assign.Engine
	tracker   *tracking.Tracker
	lifecycle *lifecycle.Manager
	results   *results.Aggregator
	flags     *flags.Evaluator
}

func New(s store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := ids.OrDefault(opts.IDs)
	policy := quality.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	defaults := lifecycle.DefaultDefaults()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	assigner := assign.New(s, assign.WithIDs(gen), assign.WithLogger(logger.Named("assign")), assign.WithClock(now))
	tracker := tracking.New(s, gen, logger.Named("tracking"))
	tracker.SetClock(now)
	agg := results.New(s, quality.New(policy), logger.Named("results"))
	agg.SetClock(now)
	evaluator := flags.New(s, gen, logger.Named("flags"))
	evaluator.SetClock(now)
	manager := lifecycle.New(s, assigner, tracker,
		lifecycle.WithFinalizer(agg),
		lifecycle.WithIDs(gen),
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithDefaults(defaults),
		lifecycle.WithClock(now))

	return &Engine{
		store:     s,
		logger:    logger,
		defaults:  defaults,
		assigner:  assigner,
		tracker:   tracker,
		lifecycle: manager,
		results:   agg,
		flags:     evaluator,
	}
}

func (e *Engine) Close() error {
	return e.store.Close()
}

// logFailure records storage failures before they are surfaced.
func (e *Engine) logFailure(op string, err error, fields ...zap.Field) {
	if err == nil || !errors.Is(err, store.ErrStorage) {
		return
	}
	metrics.StorageErrors.WithLabelValues(op).Inc()
	e.logger.Error("storage failure", append(fields, zap.String("operation", op), zap.Error(err))...)
}

// absent converts not-found into a nil result.
func absent[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Experiments

func (e *Engine) CreateExperiment(ctx context.Context, exp *store.Experiment) (*store.Experiment, error) {
	created, err := e.lifecycle.Create(ctx, exp)
	e.logFailure("create_experiment", err)
	return created, err
}

// GetExperiment returns nil when the experiment does not exist.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := e.lifecycle.Get(ctx, id)
	e.logFailure("get_experiment", err, zap.String("experiment_id", id))
	return absent(exp, err)
}

func (e *Engine) ListExperiments(ctx context.Context) ([]*store.Experiment, error) {
	list, err := e.lifecycle.List(ctx)
	e.logFailure("list_experiments", err)
	return list, err
}

// StartExperiment, PauseExperiment, ResumeExperiment and StopExperiment
// return nil without error when the experiment does not exist.
func (e *Engine) StartExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := e.lifecycle.Start(ctx, id)
	e.logFailure("start_experiment", err, zap.String("experiment_id", id))
	return absent(exp, err)
}

func (e *Engine) PauseExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := e.lifecycle.Pause(ctx, id)
	e.logFailure("pause_experiment", err, zap.String("experiment_id", id))
	return absent(exp, err)
}

func (e *Engine) ResumeExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := e.lifecycle.Resume(ctx, id)
	e.logFailure("resume_experiment", err, zap.String("experiment_id", id))
	return absent(exp, err)
}

func (e *Engine) StopExperiment(ctx context.Context, id, reason string) (*store.Experiment, error) {
	exp, err := e.lifecycle.Stop(ctx, id, reason)
	e.logFailure("stop_experiment", err, zap.String("experiment_id", id))
	return absent(exp, err)
}

func (e *Engine) UpdateVariants(ctx context.Context, id string, variants []store.Variant) (*store.Experiment, error) {
	exp, err := e.lifecycle.UpdateVariants(ctx, id, variants)
	return absent(exp, err)
}

func (e *Engine) CompleteChecklistItem(ctx context.Context, id, itemID string) (*store.Experiment, error) {
	return e.lifecycle.CompleteChecklistItem(ctx, id, itemID)
}

// Assignment

// GetVariantAssignment returns the subject's variant, assigning one on first
// call. It returns nil when the experiment does not exist, is not running,
// or the subject is outside the traffic allocation. Existing assignments
// are returned for paused experiments without creating new ones.
func (e *Engine) GetVariantAssignment(ctx context.Context, experimentID, subjectID string, attrs map[string]string) (*store.Assignment, error) {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		e.logFailure("get_variant_assignment", err, zap.String("experiment_id", experimentID), zap.String("subject_id", subjectID))
		return nil, err
	}

	switch exp.Status {
	case store.StatusRunning:
		a, err := e.assigner.Assign(ctx, exp, subjectID, attrs)
		if errors.Is(err, assign.ErrNotRunning) {
			return nil, nil
		}
		e.logFailure("get_variant_assignment", err, zap.String("experiment_id", experimentID), zap.String("subject_id", subjectID))
		return a, err
	case store.StatusPaused:
		a, err := e.assigner.GetAssignment(ctx, experimentID, subjectID)
		e.logFailure("get_variant_assignment", err, zap.String("experiment_id", experimentID), zap.String("subject_id", subjectID))
		return a, err
	default:
		return nil, nil
	}
}

// OverrideVariantAssignment pins a subject to a variant. It returns nil when
// the experiment does not exist.
func (e *Engine) OverrideVariantAssignment(ctx context.Context, experimentID, subjectID, variantID, reason string) (*store.Assignment, error) {
	a, err := e.assigner.Override(ctx, experimentID, subjectID, variantID, reason)
	e.logFailure("override_assignment", err, zap.String("experiment_id", experimentID), zap.String("subject_id", subjectID))
	return absent(a, err)
}

// AssignmentCounts reports the hash assignments made by this process since
// the experiment started.
func (e *Engine) AssignmentCounts(experimentID string) map[string]int {
	return e.assigner.Counts(experimentID)
}

// Tracking

// TrackExposure records an exposure. The returned event is nil when the
// event was not recorded.
func (e *Engine) TrackExposure(ctx context.Context, in tracking.Exposure) (*store.Event, error) {
	ev, err := e.tracker.TrackExposure(ctx, in)
	e.logFailure("track_exposure", err, zap.String("experiment_id", in.ExperimentID), zap.String("subject_id", in.SubjectID))
	return absent(ev, err)
}

func (e *Engine) TrackConversion(ctx context.Context, in tracking.Conversion) (*store.Event, error) {
	ev, err := e.tracker.TrackConversion(ctx, in)
	e.logFailure("track_conversion", err, zap.String("experiment_id", in.ExperimentID), zap.String("subject_id", in.SubjectID))
	return absent(ev, err)
}

// Events returns the raw event log of an experiment in timestamp order. Nil
// when the experiment does not exist.
func (e *Engine) Events(ctx context.Context, experimentID string) ([]*store.Event, error) {
	if _, err := e.store.GetExperiment(ctx, experimentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		e.logFailure("query_events", err, zap.String("experiment_id", experimentID))
		return nil, err
	}
	events, err := e.store.QueryEvents(ctx, experimentID)
	e.logFailure("query_events", err, zap.String("experiment_id", experimentID))
	return events, err
}

// Results

// GetExperimentResults computes results from the stored events. Completed
// experiments return their final snapshot when one was saved. Nil is
// returned when the experiment does not exist.
func (e *Engine) GetExperimentResults(ctx context.Context, experimentID string) (*results.ExperimentResults, error) {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		e.logFailure("get_results", err, zap.String("experiment_id", experimentID))
		return nil, err
	}
	if exp.Status == store.StatusCompleted {
		snap, err := e.results.Snapshot(ctx, experimentID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to read results snapshot, recomputing",
				zap.String("experiment_id", experimentID), zap.Error(err))
		}
	}
	res, err := e.results.Compute(ctx, experimentID)
	e.logFailure("get_results", err, zap.String("experiment_id", experimentID))
	return absent(res, err)
}

// CalculateSampleSize plans a test using the configured defaults for any
// zero inputs.
func (e *Engine) CalculateSampleSize(in stats.SampleSizeInput) (stats.SampleSizeResult, error) {
	if in.SignificanceLevel == 0 {
		in.SignificanceLevel = e.defaults.SignificanceLevel
	}
	if in.Power == 0 {
		in.Power = e.defaults.Power
	}
	if in.DailyTraffic == 0 {
		in.DailyTraffic = e.defaults.DailyTraffic
	}
	return stats.SampleSize(in)
}

// Feature flags

func (e *Engine) CreateFeatureFlag(ctx context.Context, f *store.FeatureFlag) (*store.FeatureFlag, error) {
	created, err := e.flags.Create(ctx, f)
	e.logFailure("create_flag", err, zap.String("key", f.Key))
	return created, err
}

// GetFeatureFlagValue evaluates a flag. Unknown flags evaluate to false.
func (e *Engine) GetFeatureFlagValue(ctx context.Context, key, subjectID string, attrs map[string]string) (flags.Evaluation, error) {
	ev, err := e.flags.Evaluate(ctx, key, subjectID, attrs)
	e.logFailure("evaluate_flag", err, zap.String("key", key), zap.String("subject_id", subjectID))
	return ev, err
}

// UpdateFeatureFlagRollout returns nil when the flag does not exist.
func (e *Engine) UpdateFeatureFlagRollout(ctx context.Context, id string, percentage float64) (*store.FeatureFlag, error) {
	f, err := e.flags.UpdateRollout(ctx, id, percentage)
	e.logFailure("update_flag_rollout", err, zap.String("flag_id", id))
	return absent(f, err)
}

func (e *Engine) SetFeatureFlagStatus(ctx context.Context, id string, status store.FlagStatus) (*store.FeatureFlag, error) {
	f, err := e.flags.SetStatus(ctx, id, status)
	e.logFailure("set_flag_status", err, zap.String("flag_id", id))
	return absent(f, err)
}

func (e *Engine) ListFeatureFlags(ctx context.Context) ([]*store.FeatureFlag, error) {
	list, err := e.flags.List(ctx)
	e.logFailure("list_flags", err)
	return list, err
}

// GetFeatureFlag looks a flag up by id, then by key. Nil when neither exists.
func (e *Engine) GetFeatureFlag(ctx context.Context, idOrKey string) (*store.FeatureFlag, error) {
	f, err := e.flags.Get(ctx, idOrKey)
	if errors.Is(err, store.ErrNotFound) {
		f, err = e.flags.GetByKey(ctx, idOrKey)
	}
	return absent(f, err)
}
