// Package flags evaluates percentage-rollout feature flags with ordered
// targeting rules.
package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/hashing"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"github.com/gkobilansky/goatlab/internal/store"
)

// SubjectAttribute resolves to the subject id during rule matching.
const SubjectAttribute = "subject_id"

// Reason explains which step of evaluation produced the value.
type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonInactive     Reason = "inactive"
	ReasonOutOfRollout Reason = "out_of_rollout"
	ReasonRuleMatch    Reason = "rule_match"
	ReasonDefault      Reason = "default"
)

type Evaluation struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Variation string `json:"variation,omitempty"`
	Reason    Reason `json:"reason"`
}

type Evaluator struct {
	store  store.Store
	ids    ids.Generator
	logger *zap.Logger
	now    func() time.Time
}

func New(s store.Store, gen ids.Generator, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{store: s, ids: ids.OrDefault(gen), logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Create validates and stores a new flag. Status defaults to active.
func (e *Evaluator) Create(ctx context.Context, in *store.FeatureFlag) (*store.FeatureFlag, error) {
	f := in.Clone()
	if f.ID == "" {
		f.ID = e.ids.NewID()
	}
	if f.Status == "" {
		f.Status = store.FlagActive
	}
	if ve := validate(f); ve != nil {
		return nil, ve
	}

	now := e.now()
	f.CreatedAt, f.UpdatedAt = now, now
	if err := e.store.CreateFlag(ctx, f); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.NewValidationError(fmt.Sprintf("flag key %q already exists", f.Key))
		}
		return nil, fmt.Errorf("failed to create flag: %w", err)
	}
	e.logger.Info("feature flag created", zap.String("flag_id", f.ID), zap.String("key", f.Key))
	return f, nil
}

func validate(f *store.FeatureFlag) *apperr.ValidationError {
	var reasons []string
	if ve := apperr.ValidateStruct(f); ve != nil {
		reasons = append(reasons, ve.Reasons...)
	}

	total := 0.0
	keys := make(map[string]bool, len(f.Variations))
	for _, v := range f.Variations {
		total += v.Weight
		if keys[v.Key] {
			reasons = append(reasons, fmt.Sprintf("duplicate variation %q", v.Key))
		}
		keys[v.Key] = true
	}
	if total > 100+1e-9 {
		reasons = append(reasons, fmt.Sprintf("variation weights sum to %.2f, must not exceed 100", total))
	}
	if f.DefaultVariation != "" && !keys[f.DefaultVariation] {
		reasons = append(reasons, fmt.Sprintf("default variation %q does not exist", f.DefaultVariation))
	}
	for i, r := range f.Rules {
		if r.Condition == nil {
			reasons = append(reasons, fmt.Sprintf("rule %d has no condition", i))
		}
		if !keys[r.Variation] {
			reasons = append(reasons, fmt.Sprintf("rule %d references unknown variation %q", i, r.Variation))
		}
	}

	if len(reasons) > 0 {
		return apperr.NewValidationError(reasons...)
	}
	return nil
}

// Evaluate resolves the flag value for a subject:
//  1. a missing or inactive flag yields false;
//  2. subjects outside the rollout get the default variation;
//  3. the first matching rule wins;
//  4. otherwise the default variation.
//
// Without a subject id the rollout gate is skipped.
func (e *Evaluator) Evaluate(ctx context.Context, key, subjectID string, attrs map[string]string) (Evaluation, error) {
	f, err := e.store.GetFlagByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return e.result(Evaluation{Key: key, Value: false, Reason: ReasonNotFound}), nil
	}
	if err != nil {
		return Evaluation{}, err
	}
	if f.Status != store.FlagActive {
		return e.result(Evaluation{Key: key, Value: false, Reason: ReasonInactive}), nil
	}

	if subjectID != "" && float64(hashing.Bucket(subjectID, f.ID)) >= f.RolloutPercentage {
		return e.result(serve(f, f.DefaultVariation, ReasonOutOfRollout)), nil
	}

	for _, r := range f.Rules {
		if matches(r.Condition, subjectID, attrs) {
			return e.result(serve(f, r.Variation, ReasonRuleMatch)), nil
		}
	}
	return e.result(serve(f, f.DefaultVariation, ReasonDefault)), nil
}

func (e *Evaluator) result(ev Evaluation) Evaluation {
	metrics.FlagEvaluations.WithLabelValues(string(ev.Reason)).Inc()
	return ev
}

func serve(f *store.FeatureFlag, variation string, reason Reason) Evaluation {
	ev := Evaluation{Key: f.Key, Variation: variation, Reason: reason, Value: false}
	if v := f.Variation(variation); v != nil {
		ev.Value = v.Value
	}
	return ev
}

func matches(c store.Condition, subjectID string, attrs map[string]string) bool {
	attr := func(name string) (string, bool) {
		if name == SubjectAttribute {
			return subjectID, true
		}
		v, ok := attrs[name]
		return v, ok
	}
	switch c := c.(type) {
	case store.Equals:
		v, ok := attr(c.Attribute)
		return ok && v == c.Value
	case store.Contains:
		v, ok := attr(c.Attribute)
		return ok && strings.Contains(v, c.Substring)
	default:
		return false
	}
}

// UpdateRollout changes the rollout percentage. It takes effect on the next
// evaluation.
func (e *Evaluator) UpdateRollout(ctx context.Context, id string, percentage float64) (*store.FeatureFlag, error) {
	if percentage < 0 || percentage > 100 {
		return nil, apperr.NewValidationError(fmt.Sprintf("rollout percentage %v must be between 0 and 100", percentage))
	}
	return e.update(ctx, id, func(f *store.FeatureFlag) { f.RolloutPercentage = percentage })
}

func (e *Evaluator) SetStatus(ctx context.Context, id string, status store.FlagStatus) (*store.FeatureFlag, error) {
	if status != store.FlagActive && status != store.FlagInactive {
		return nil, apperr.NewValidationError(fmt.Sprintf("unknown flag status %q", status))
	}
	return e.update(ctx, id, func(f *store.FeatureFlag) { f.Status = status })
}

func (e *Evaluator) update(ctx context.Context, id string, mutate func(*store.FeatureFlag)) (*store.FeatureFlag, error) {
	f, err := e.store.GetFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(f)
	f.UpdatedAt = e.now()
	if err := e.store.UpdateFlag(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to update flag: %w", err)
	}
	e.logger.Info("feature flag updated",
		zap.String("flag_id", f.ID),
		zap.Float64("rollout_percentage", f.RolloutPercentage),
		zap.String("status", string(f.Status)))
	return f, nil
}

func (e *Evaluator) Get(ctx context.Context, id string) (*store.FeatureFlag, error) {
	return e.store.GetFlag(ctx, id)
}

func (e *Evaluator) GetByKey(ctx context.Context, key string) (*store.FeatureFlag, error) {
	return e.store.GetFlagByKey(ctx, key)
}

func (e *Evaluator) List(ctx context.Context) ([]*store.FeatureFlag, error) {
	return e.store.ListFlags(ctx)
}
