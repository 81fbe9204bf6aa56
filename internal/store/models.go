package store

import (
	"maps"
	"slices"
	"time"
)

type ExperimentType string

const (
	TypeABTest       ExperimentType = "ab_test"
	TypeMultivariate ExperimentType = "multivariate"
	TypeFeatureFlag  ExperimentType = "feature_flag"
)

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

type Variant struct {
	ID                string         `json:"id" yaml:"id"`
	Name              string         `json:"name" yaml:"name" validate:"required"`
	IsControl         bool           `json:"is_control" yaml:"is_control"`
	TrafficPercentage float64        `json:"traffic_percentage" yaml:"traffic_percentage" validate:"gte=0,lte=100"`
	Config            map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type GoalType string

const (
	GoalConversion GoalType = "conversion"
	GoalRevenue    GoalType = "revenue"
	GoalCustom     GoalType = "custom"
)

type Aggregation string

const (
	AggregateUnique  Aggregation = "unique"
	AggregateCount   Aggregation = "count"
	AggregateSum     Aggregation = "sum"
	AggregateAverage Aggregation = "average"
)

type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

type SuccessCriteria struct {
	Direction               Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	MinimumDetectableEffect float64   `json:"minimum_detectable_effect,omitempty" yaml:"minimum_detectable_effect,omitempty"`
}

// GoalStatistics holds the per-goal test parameters. Method is "z_test" or
// "wilson" and only changes how per-goal intervals are reported.
type GoalStatistics struct {
	SignificanceLevel float64 `json:"significance_level,omitempty" yaml:"significance_level,omitempty" validate:"omitempty,gt=0,lt=1"`
	Power             float64 `json:"power,omitempty" yaml:"power,omitempty" validate:"omitempty,gt=0,lt=1"`
	Method            string  `json:"method,omitempty" yaml:"method,omitempty" validate:"omitempty,oneof=z_test wilson"`
}

type Goal struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name" validate:"required"`
	Type            GoalType        `json:"type" yaml:"type" validate:"omitempty,oneof=conversion revenue custom"`
	IsPrimary       bool            `json:"is_primary" yaml:"is_primary"`
	EventName       string          `json:"event_name,omitempty" yaml:"event_name,omitempty"`
	Aggregation     Aggregation     `json:"aggregation,omitempty" yaml:"aggregation,omitempty" validate:"omitempty,oneof=unique count sum average"`
	SuccessCriteria SuccessCriteria `json:"success_criteria" yaml:"success_criteria"`
	Statistics      GoalStatistics  `json:"statistics" yaml:"statistics"`
}

// TrafficAllocation controls how much of the eligible population enters the
// experiment at all. Percentage 0 is treated as 100.
type TrafficAllocation struct {
	Percentage float64 `json:"percentage" yaml:"percentage" validate:"gte=0,lte=100"`
	Method     string  `json:"method,omitempty" yaml:"method,omitempty"`
}

type StatisticalConfig struct {
	SignificanceLevel float64 `json:"significance_level" yaml:"significance_level" validate:"omitempty,gt=0,lt=1"`
	Power             float64 `json:"power" yaml:"power" validate:"omitempty,gt=0,lt=1"`
	MinimumSampleSize int     `json:"minimum_sample_size" yaml:"minimum_sample_size" validate:"gte=0"`
	MaxDurationDays   int     `json:"max_duration_days" yaml:"max_duration_days" validate:"gte=0"`
	EarlyStopping     bool    `json:"early_stopping" yaml:"early_stopping"`
}

type SampleSizeCalculation struct {
	BaselineRate            float64 `json:"baseline_rate" yaml:"baseline_rate"`
	MinimumDetectableEffect float64 `json:"minimum_detectable_effect" yaml:"minimum_detectable_effect"`
	PerVariant              int     `json:"per_variant" yaml:"per_variant"`
	Total                   int     `json:"total" yaml:"total"`
	EstimatedDurationDays   int     `json:"estimated_duration_days" yaml:"estimated_duration_days"`
}

type ChecklistItem struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description" validate:"required"`
	Required    bool   `json:"required" yaml:"required"`
	Completed   bool   `json:"completed" yaml:"completed"`
}

type Experiment struct {
	ID                    string                 `json:"id" yaml:"id"`
	Name                  string                 `json:"name" yaml:"name" validate:"required"`
	Description           string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Hypothesis            string                 `json:"hypothesis,omitempty" yaml:"hypothesis,omitempty"`
	Type                  ExperimentType         `json:"type" yaml:"type" validate:"omitempty,oneof=ab_test multivariate feature_flag"`
	Status                ExperimentStatus       `json:"status" yaml:"status"`
	Variants              []Variant              `json:"variants" yaml:"variants" validate:"dive"`
	Goals                 []Goal                 `json:"goals" yaml:"goals" validate:"dive"`
	TrafficAllocation     TrafficAllocation      `json:"traffic_allocation" yaml:"traffic_allocation"`
	StatisticalConfig     StatisticalConfig      `json:"statistical_config" yaml:"statistical_config"`
	SampleSizeCalculation *SampleSizeCalculation `json:"sample_size_calculation,omitempty" yaml:"sample_size_calculation,omitempty"`
	PreTestChecklist      []ChecklistItem        `json:"pre_test_checklist,omitempty" yaml:"pre_test_checklist,omitempty" validate:"dive"`
	Owner                 string                 `json:"owner,omitempty" yaml:"owner,omitempty"`
	StopReason            string                 `json:"stop_reason,omitempty" yaml:"-"`
	StartedAt             *time.Time             `json:"started_at,omitempty" yaml:"-"`
	EndedAt               *time.Time             `json:"ended_at,omitempty" yaml:"-"`
	CreatedAt             time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt             time.Time              `json:"updated_at" yaml:"-"`
}

// Control returns the control variant, or nil when there are no variants.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	if len(e.Variants) > 0 {
		return &e.Variants[0]
	}
	return nil
}

// Variant looks up a variant by id.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// PrimaryGoal returns the goal marked primary, falling back to the first goal.
func (e *Experiment) PrimaryGoal() *Goal {
	for i := range e.Goals {
		if e.Goals[i].IsPrimary {
			return &e.Goals[i]
		}
	}
	if len(e.Goals) > 0 {
		return &e.Goals[0]
	}
	return nil
}

// Clone returns a copy that shares no slices with e.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Variants = slices.Clone(e.Variants)
	for i := range c.Variants {
		c.Variants[i].Config = maps.Clone(c.Variants[i].Config)
	}
	c.Goals = slices.Clone(e.Goals)
	c.PreTestChecklist = slices.Clone(e.PreTestChecklist)
	if e.SampleSizeCalculation != nil {
		ssc := *e.SampleSizeCalculation
		c.SampleSizeCalculation = &ssc
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// ExperimentPatch is a partial update. Nil fields are left untouched.
type ExperimentPatch struct {
	Status           *ExperimentStatus
	StartedAt        *time.Time
	EndedAt          *time.Time
	StopReason       *string
	Variants         []Variant
	PreTestChecklist []ChecklistItem
}

// Apply writes the patch onto e and bumps UpdatedAt.
func (p ExperimentPatch) Apply(e *Experiment, now time.Time) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		e.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		e.EndedAt = &t
	}
	if p.StopReason != nil {
		e.StopReason = *p.StopReason
	}
	if p.Variants != nil {
		e.Variants = slices.Clone(p.Variants)
	}
	if p.PreTestChecklist != nil {
		e.PreTestChecklist = slices.Clone(p.PreTestChecklist)
	}
	e.UpdatedAt = now
}

type AssignmentMethod string

const (
	MethodHash     AssignmentMethod = "hash"
	MethodOverride AssignmentMethod = "override"
)

type Assignment struct {
	ExperimentID   string            `json:"experiment_id"`
	SubjectID      string            `json:"subject_id"`
	VariantID      string            `json:"variant_id"`
	AssignedAt     time.Time         `json:"assigned_at"`
	Method         AssignmentMethod  `json:"method"`
	Sticky         bool              `json:"sticky"`
	Overridden     bool              `json:"overridden"`
	OverrideReason string            `json:"override_reason,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

type EventType string

const (
	EventAssignment EventType = "assignment"
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
)

type Event struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	SubjectID    string            `json:"subject_id"`
	SessionID    string            `json:"session_id,omitempty"`
	ExperimentID string            `json:"experiment_id"`
	VariantID    string            `json:"variant_id"`
	Type         EventType         `json:"event_type"`
	GoalID       string            `json:"goal_id,omitempty"`
	Value        float64           `json:"value,omitempty"`
	Properties   map[string]any    `json:"properties,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Snapshot is a persisted results report. The payload is opaque to the store.
type Snapshot struct {
	ExperimentID string    `json:"experiment_id"`
	GeneratedAt  time.Time `json:"generated_at"`
	Payload      []byte    `json:"payload"`
}

type FlagStatus string

const (
	FlagActive   FlagStatus = "active"
	FlagInactive FlagStatus = "inactive"
)

type Variation struct {
	Key    string  `json:"key" yaml:"key" validate:"required"`
	Value  any     `json:"value" yaml:"value"`
	Weight float64 `json:"weight" yaml:"weight" validate:"gte=0,lte=100"`
}

type FeatureFlag struct {
	ID                string      `json:"id" yaml:"id,omitempty"`
	Key               string      `json:"key" yaml:"key" validate:"required"`
	Name              string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description       string      `json:"description,omitempty" yaml:"description,omitempty"`
	Status            FlagStatus  `json:"status" yaml:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	RolloutPercentage float64     `json:"rollout_percentage" yaml:"rollout_percentage" validate:"gte=0,lte=100"`
	Rules             []Rule      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Variations        []Variation `json:"variations" yaml:"variations" validate:"min=1,dive"`
	DefaultVariation  string      `json:"default_variation" yaml:"default_variation" validate:"required"`
	CreatedAt         time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time   `json:"updated_at" yaml:"-"`
}

// Variation looks up a variation by key.
func (f *FeatureFlag) Variation(key string) *Variation {
	for i := range f.Variations {
		if f.Variations[i].Key == key {
			return &f.Variations[i]
		}
	}
	return nil
}

func (f *FeatureFlag) Clone() *FeatureFlag {
	c := *f
	c.Rules = slices.Clone(f.Rules)
	c.Variations = slices.Clone(f.Variations)
	return &c
}
