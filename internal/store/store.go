package store

import (
	"context"
	"errors"

	"github.com/gkobilansky/goatlab/internal/apperr"
)

var (
	ErrNotFound      = apperr.ErrNotFound
	ErrStorage       = apperr.ErrStorage
	ErrAlreadyExists = errors.New("already exists")
)

// Store defines the persistence operations the engine depends on.
type Store interface {
	// Experiment operations
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)
	UpdateExperiment(ctx context.Context, id string, patch ExperimentPatch) (*Experiment, error)

	// Assignment operations. CreateAssignmentIfAbsent is first-write-wins:
	// when a record already exists it is returned with created=false.
	GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error)
	CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (stored *Assignment, created bool, err error)
	PutOverride(ctx context.Context, a *Assignment) error

	// Event operations. Events are returned in timestamp order.
	AppendEvent(ctx context.Context, e *Event) error
	QueryEvents(ctx context.Context, experimentID string) ([]*Event, error)

	// Results snapshots
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error)

	// Feature flag operations
	CreateFlag(ctx context.Context, f *FeatureFlag) error
	GetFlag(ctx context.Context, id string) (*FeatureFlag, error)
	GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error)
	ListFlags(ctx context.Context) ([]*FeatureFlag, error)
	UpdateFlag(ctx context.Context, f *FeatureFlag) error

	// Lifecycle
	Close() error
}
