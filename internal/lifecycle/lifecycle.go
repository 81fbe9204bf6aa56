// Package lifecycle owns the experiment state machine:
//
//	draft → running ⇄ paused
//	draft | running | paused → completed
//
// Completed is terminal. Stop is idempotent once completed.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
)

type (
	ValidationError = apperr.ValidationError
	TransitionError = apperr.TransitionError
)

// Assigner resets assignment state when an experiment starts.
type Assigner interface {
	InitializeExperiment(ctx context.Context, experimentID string) error
}

// Tracker toggles event acceptance for an experiment.
type Tracker interface {
	Begin(experimentID string)
	Cease(experimentID string)
}

// Finalizer computes and persists the final results of a stopped experiment.
type Finalizer interface {
	Finalize(ctx context.Context, exp *store.Experiment) error
}

// Defaults fill statistical settings the experiment config leaves empty.
type Defaults struct {
	SignificanceLevel float64
	Power             float64
	DailyTraffic      int
}

func DefaultDefaults() Defaults {
	return Defaults{SignificanceLevel: 0.05, Power: 0.8, DailyTraffic: stats.DefaultDailyTraffic}
}

type Manager struct {
	store     store.Store
	assigner  Assigner
	tracker   Tracker
	finalizer Finalizer
	ids       ids.Generator
	logger    *zap.Logger
	defaults  Defaults
	now       func() time.Time
}

type Option func(*Manager)

func WithFinalizer(f Finalizer) Option {
	return func(m *Manager) { m.finalizer = f }
}

func WithIDs(g ids.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithDefaults(d Defaults) Option {
	return func(m *Manager) { m.defaults = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(s store.Store, assigner Assigner, tracker Tracker, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		assigner: assigner,
		tracker:  tracker,
		ids:      ids.Default,
		logger:   zap.NewNop(),
		defaults: DefaultDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ids = ids.OrDefault(m.ids)
	return m
}

// SetFinalizer wires the results aggregator after construction.
func (m *Manager) SetFinalizer(f Finalizer) {
	m.finalizer = f
}

// Create validates the config, fills ids and defaults, and stores the
// experiment as a draft.
func (m *Manager) Create(ctx context.Context, in *store.Experiment) (*store.Experiment, error) {
	exp := in.Clone()
	m.normalize(exp)

	if ve := m.validate(exp); ve != nil {
		return nil, ve
	}
	if err := m.planSampleSize(exp); err != nil {
		return nil, err
	}

	now := m.now()
	exp.Status = store.StatusDraft
	exp.StartedAt, exp.EndedAt, exp.StopReason = nil, nil, ""
	exp.CreatedAt, exp.UpdatedAt = now, now

	if err := m.store.CreateExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}
	m.logger.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.Int("variants", len(exp.Variants)))
	return exp, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*store.Experiment, error) {
	return m.store.ListExperiments(ctx)
}

// Start moves a draft experiment to running once it passes the launch
// checks, then initializes assignment and event tracking.
func (m *Manager) Start(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.StatusDraft {
		return nil, m.reject(exp, "start")
	}
	if reasons := launchBlockers(exp); len(reasons) > 0 {
		metrics.Transitions.WithLabelValues("start", "rejected").Inc()
		return nil, apperr.NewValidationError(reasons...)
	}

	running := store.StatusRunning
	now := m.now()
	updated, err := m.store.UpdateExperiment(ctx, id, store.ExperimentPatch{Status: &running, StartedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("failed to start experiment: %w", err)
	}

	if m.assigner != nil {
		if err := m.assigner.InitializeExperiment(ctx, id); err != nil {
			return updated, fmt.Errorf("failed to initialize assignments: %w", err)
		}
	}
	if m.tracker != nil {
		m.tracker.Begin(id)
	}
	m.transitioned(updated, "start")
	return updated, nil
}

func (m *Manager) Pause(ctx context.Context, id string) (*store.Experiment, error) {
	return m.move(ctx, id, "pause", store.StatusRunning, store.StatusPaused)
}

func (m *Manager) Resume(ctx context.Context, id string) (*store.Experiment, error) {
	return m.move(ctx, id, "resume", store.StatusPaused, store.StatusRunning)
}

func (m *Manager) move(ctx context.Context, id, action string, from, to store.ExperimentStatus) (*store.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != from {
		return nil, m.reject(exp, action)
	}
	updated, err := m.store.UpdateExperiment(ctx, id, store.ExperimentPatch{Status: &to})
	if err != nil {
		return nil, fmt.Errorf("failed to %s experiment: %w", action, err)
	}
	m.transitioned(updated, action)
	return updated, nil
}

// Stop completes the experiment, stops event tracking and persists the final
// results. Stopping a completed experiment returns it unchanged. When the
// results cannot be computed the experiment is still completed and the
// error is returned alongside it.
func (m *Manager) Stop(ctx context.Context, id, reason string) (*store.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status == store.StatusCompleted {
		return exp, nil
	}

	completed := store.StatusCompleted
	now := m.now()
	updated, err := m.store.UpdateExperiment(ctx, id, store.ExperimentPatch{
		Status:     &completed,
		EndedAt:    &now,
		StopReason: &reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stop experiment: %w", err)
	}
	if m.tracker != nil {
		m.tracker.Cease(id)
	}
	m.transitioned(updated, "stop")

	if m.finalizer != nil {
		if err := m.finalizer.Finalize(ctx, updated); err != nil {
			m.logger.Error("failed to finalize experiment results",
				zap.String("experiment_id", id),
				zap.Error(err))
			return updated, fmt.Errorf("failed to finalize results for %s: %w", id, err)
		}
	}
	return updated, nil
}

// UpdateVariants replaces the variants of a draft experiment.
func (m *Manager) UpdateVariants(ctx context.Context, id string, variants []store.Variant) (*store.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.StatusDraft {
		return nil, apperr.NewValidationError(fmt.Sprintf("variants cannot change once the experiment is %s", exp.Status))
	}

	exp.Variants = variants
	m.normalizeVariants(exp)
	if ve := m.validate(exp); ve != nil {
		return nil, ve
	}
	updated, err := m.store.UpdateExperiment(ctx, id, store.ExperimentPatch{Variants: exp.Variants})
	if err != nil {
		return nil, fmt.Errorf("failed to update variants: %w", err)
	}
	return updated, nil
}

// CompleteChecklistItem marks a pre-test checklist item done.
func (m *Manager) CompleteChecklistItem(ctx context.Context, id, itemID string) (*store.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.StatusDraft {
		return nil, apperr.NewValidationError(fmt.Sprintf("checklist cannot change once the experiment is %s", exp.Status))
	}

	found := false
	for i := range exp.PreTestChecklist {
		if exp.PreTestChecklist[i].ID == itemID {
			exp.PreTestChecklist[i].Completed = true
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("checklist item %s: %w", itemID, store.ErrNotFound)
	}
	updated, err := m.store.UpdateExperiment(ctx, id, store.ExperimentPatch{PreTestChecklist: exp.PreTestChecklist})
	if err != nil {
		return nil, fmt.Errorf("failed to update checklist: %w", err)
	}
	return updated, nil
}

func (m *Manager) reject(exp *store.Experiment, action string) error {
	metrics.Transitions.WithLabelValues(action, "rejected").Inc()
	return &TransitionError{
		From:    string(exp.Status),
		Action:  action,
		Reasons: []string{fmt.Sprintf("experiment %s is %s", exp.ID, exp.Status)},
	}
}

func (m *Manager) transitioned(exp *store.Experiment, action string) {
	metrics.Transitions.WithLabelValues(action, "ok").Inc()
	m.logger.Info("experiment transitioned",
		zap.String("experiment_id", exp.ID),
		zap.String("action", action),
		zap.String("status", string(exp.Status)))
}
