// Package tracking records exposure and conversion events for experiments
// that are accepting them.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/store"
)

// Exposure records that a subject saw its assigned variant.
type Exposure struct {
	ExperimentID string            `json:"experiment_id"`
	SubjectID    string            `json:"subject_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Conversion records a goal completion. GoalID defaults to the primary goal.
type Conversion struct {
	ExperimentID string            `json:"experiment_id"`
	SubjectID    string            `json:"subject_id"`
	SessionID    string            `json:"session_id,omitempty"`
	GoalID       string            `json:"goal_id,omitempty"`
	Value        float64           `json:"value,omitempty"`
	Properties   map[string]any    `json:"properties,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Tracker appends events to the store. Only running or paused experiments
// accept events; Cease additionally vetoes an experiment in this process
// until Begin is called again.
type Tracker struct {
	store  store.Store
	ids    ids.Generator
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	ceased map[string]struct{}
}

func New(s store.Store, gen ids.Generator, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  s,
		ids:    ids.OrDefault(gen),
		logger: logger,
		now:    time.Now,
		ceased: make(map[string]struct{}),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Begin starts accepting events for the experiment.
func (t *Tracker) Begin(experimentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ceased, experimentID)
	t.logger.Debug("event tracking started", zap.String("experiment_id", experimentID))
}

// Cease stops accepting events for the experiment. Stored events stay
// queryable.
func (t *Tracker) Cease(experimentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ceased[experimentID] = struct{}{}
	t.logger.Debug("event tracking stopped", zap.String("experiment_id", experimentID))
}

// isAccepting trusts the stored status, which another process may have
// changed since this one called Begin.
func (t *Tracker) isAccepting(exp *store.Experiment) bool {
	if exp.Status != store.StatusRunning && exp.Status != store.StatusPaused {
		return false
	}
	t.mu.RLock()
	_, vetoed := t.ceased[exp.ID]
	t.mu.RUnlock()
	return !vetoed
}

// subject loads the experiment and the subject's assignment. A nil
// assignment means the event should be dropped.
func (t *Tracker) subject(ctx context.Context, experimentID, subjectID string, kind store.EventType) (*store.Experiment, *store.Assignment, error) {
	if experimentID == "" || subjectID == "" {
		return nil, nil, apperr.NewValidationError("experiment id and subject id are required")
	}
	exp, err := t.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, nil, err
	}
	if !t.isAccepting(exp) {
		metrics.DroppedEvents.WithLabelValues(string(kind)).Inc()
		return exp, nil, nil
	}
	a, err := t.store.GetAssignment(ctx, experimentID, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.DroppedEvents.WithLabelValues(string(kind)).Inc()
		return exp, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return exp, a, nil
}

// TrackExposure appends an exposure event attributed to the subject's
// assigned variant. It returns nil when the experiment is not accepting
// events or the subject has no assignment.
func (t *Tracker) TrackExposure(ctx context.Context, in Exposure) (*store.Event, error) {
	_, a, err := t.subject(ctx, in.ExperimentID, in.SubjectID, store.EventExposure)
	if err != nil || a == nil {
		return nil, err
	}

	ev := &store.Event{
		ID:           t.ids.NewID(),
		Timestamp:    t.now(),
		SubjectID:    in.SubjectID,
		SessionID:    in.SessionID,
		ExperimentID: in.ExperimentID,
		VariantID:    a.VariantID,
		Type:         store.EventExposure,
		Context:      maps.Clone(in.Context),
	}
	if err := t.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	metrics.Events.WithLabelValues(string(store.EventExposure)).Inc()
	return ev, nil
}

// TrackConversion appends a conversion event for a goal of the experiment.
func (t *Tracker) TrackConversion(ctx context.Context, in Conversion) (*store.Event, error) {
	exp, a, err := t.subject(ctx, in.ExperimentID, in.SubjectID, store.EventConversion)
	if err != nil || a == nil {
		return nil, err
	}

	goalID := in.GoalID
	if goalID == "" {
		if g := exp.PrimaryGoal(); g != nil {
			goalID = g.ID
		}
	} else if !hasGoal(exp, goalID) {
		return nil, apperr.NewValidationError(fmt.Sprintf("goal %q does not exist on experiment %s", goalID, exp.ID))
	}

	ev := &store.Event{
		ID:           t.ids.NewID(),
		Timestamp:    t.now(),
		SubjectID:    in.SubjectID,
		SessionID:    in.SessionID,
		ExperimentID: in.ExperimentID,
		VariantID:    a.VariantID,
		Type:         store.EventConversion,
		GoalID:       goalID,
		Value:        in.Value,
		Properties:   maps.Clone(in.Properties),
		Context:      maps.Clone(in.Context),
	}
	if err := t.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	metrics.Events.WithLabelValues(string(store.EventConversion)).Inc()
	return ev, nil
}

func hasGoal(exp *store.Experiment, id string) bool {
	for _, g := range exp.Goals {
		if g.ID == id {
			return true
		}
	}
	return false
}
