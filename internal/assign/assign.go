// Package assign maps subjects to experiment variants and keeps those
// assignments sticky.
package assign

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/hashing"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/store"
)

// ErrNotRunning is returned by Assign when the experiment is not running.
var ErrNotRunning = errors.New("experiment is not running")

// Engine assigns subjects to variants by hashing and persists the result
// through the store's create-if-absent primitive.
type Engine struct {
	store  store.Store
	ids    ids.Generator
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	counts map[string]map[string]int
}

type Option func(*Engine)

func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		ids:    ids.Default,
		logger: zap.NewNop(),
		now:    time.Now,
		counts: make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ids = ids.OrDefault(e.ids)
	return e
}

// GetAssignment returns the stored assignment, or nil when the subject has
// not been assigned.
func (e *Engine) GetAssignment(ctx context.Context, experimentID, subjectID string) (*store.Assignment, error) {
	a, err := e.store.GetAssignment(ctx, experimentID, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Assign returns the subject's variant for a running experiment, creating
// the assignment on first call. It returns nil without error when the
// subject falls outside the experiment's traffic allocation.
func (e *Engine) Assign(ctx context.Context, exp *store.Experiment, subjectID string, attrs map[string]string) (*store.Assignment, error) {
	if exp.Status != store.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, exp.ID, exp.Status)
	}
	if subjectID == "" {
		return nil, apperr.NewValidationError("subject id is required")
	}

	existing, err := e.GetAssignment(ctx, exp.ID, subjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if !InTraffic(exp, subjectID) {
		return nil, nil
	}

	variant := SelectVariant(exp, subjectID)
	if variant == nil {
		return nil, apperr.NewValidationError("experiment has no variants")
	}

	v, err, _ := e.group.Do(exp.ID+"\x00"+subjectID, func() (any, error) {
		return e.create(ctx, exp.ID, subjectID, variant.ID, attrs)
	})
	if err != nil {
		return nil, err
	}
	a := *v.(*store.Assignment)
	a.Context = maps.Clone(a.Context)
	return &a, nil
}

func (e *Engine) create(ctx context.Context, experimentID, subjectID, variantID string, attrs map[string]string) (*store.Assignment, error) {
	now := e.now()
	stored, created, err := e.store.CreateAssignmentIfAbsent(ctx, &store.Assignment{
		ExperimentID: experimentID,
		SubjectID:    subjectID,
		VariantID:    variantID,
		AssignedAt:   now,
		Method:       store.MethodHash,
		Sticky:       true,
		Context:      maps.Clone(attrs),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}

	e.mu.Lock()
	if e.counts[experimentID] == nil {
		e.counts[experimentID] = make(map[string]int)
	}
	e.counts[experimentID][variantID]++
	e.mu.Unlock()
	metrics.Assignments.WithLabelValues(experimentID, variantID).Inc()

	err = e.store.AppendEvent(ctx, &store.Event{
		ID:           e.ids.NewID(),
		Timestamp:    now,
		SubjectID:    subjectID,
		ExperimentID: experimentID,
		VariantID:    variantID,
		Type:         store.EventAssignment,
		Context:      maps.Clone(attrs),
	})
	if err != nil {
		// The assignment is already stored.
		e.logger.Warn("failed to record assignment event",
			zap.String("experiment_id", experimentID),
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}
	return stored, nil
}

// Override pins a subject to a variant regardless of hashing.
func (e *Engine) Override(ctx context.Context, experimentID, subjectID, variantID, reason string) (*store.Assignment, error) {
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if subjectID == "" {
		return nil, apperr.NewValidationError("subject id is required")
	}
	if exp.Variant(variantID) == nil {
		return nil, apperr.NewValidationError(fmt.Sprintf("variant %q does not exist on experiment %s", variantID, experimentID))
	}

	a := &store.Assignment{
		ExperimentID:   experimentID,
		SubjectID:      subjectID,
		VariantID:      variantID,
		AssignedAt:     e.now(),
		Method:         store.MethodOverride,
		Sticky:         true,
		Overridden:     true,
		OverrideReason: reason,
	}
	if err := e.store.PutOverride(ctx, a); err != nil {
		return nil, err
	}
	metrics.Overrides.WithLabelValues(experimentID).Inc()
	e.logger.Info("assignment overridden",
		zap.String("experiment_id", experimentID),
		zap.String("subject_id", subjectID),
		zap.String("variant_id", variantID))
	return a, nil
}

// InitializeExperiment resets the in-process assignment counters.
func (e *Engine) InitializeExperiment(ctx context.Context, experimentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[experimentID] = make(map[string]int)
	return nil
}

// Counts returns the hash assignments created by this engine per variant
// since the experiment was initialized.
func (e *Engine) Counts(experimentID string) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.counts[experimentID])
}

// SelectVariant walks the variants accumulating traffic percentages and
// returns the first whose cumulative share exceeds the subject's bucket.
// Buckets past the last share fall to the control variant.
func SelectVariant(exp *store.Experiment, subjectID string) *store.Variant {
	if len(exp.Variants) == 0 {
		return nil
	}
	bucket := float64(hashing.Bucket(subjectID, exp.ID))
	cumulative := 0.0
	for i := range exp.Variants {
		cumulative += exp.Variants[i].TrafficPercentage
		if bucket < cumulative {
			return &exp.Variants[i]
		}
	}
	return exp.Control()
}

// InTraffic reports whether the subject is inside the experiment's traffic
// allocation. It hashes on a separate key so it is independent of the
// variant bucket.
func InTraffic(exp *store.Experiment, subjectID string) bool {
	pct := exp.TrafficAllocation.Percentage
	if pct <= 0 || pct >= 100 {
		return true
	}
	return float64(hashing.Bucket(subjectID, exp.ID+":traffic")) < pct
}
