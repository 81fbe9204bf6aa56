package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store for testing.
type MockStore struct {
	mock.Mock
}

var _ Store = &MockStore{} // Compile-time check

func (m *MockStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	return m.Called(ctx, exp).Error(0)
}

func (m *MockStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	args := m.Called(ctx, id)
	exp, _ := args.Get(0).(*Experiment)
	return exp, args.Error(1)
}

func (m *MockStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	args := m.Called(ctx)
	exps, _ := args.Get(0).([]*Experiment)
	return exps, args.Error(1)
}

func (m *MockStore) UpdateExperiment(ctx context.Context, id string, patch ExperimentPatch) (*Experiment, error) {
	args := m.Called(ctx, id, patch)
	exp, _ := args.Get(0).(*Experiment)
	return exp, args.Error(1)
}

func (m *MockStore) GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error) {
	args := m.Called(ctx, experimentID, subjectID)
	a, _ := args.Get(0).(*Assignment)
	return a, args.Error(1)
}

func (m *MockStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	args := m.Called(ctx, a)
	stored, _ := args.Get(0).(*Assignment)
	return stored, args.Bool(1), args.Error(2)
}

func (m *MockStore) PutOverride(ctx context.Context, a *Assignment) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockStore) AppendEvent(ctx context.Context, e *Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockStore) QueryEvents(ctx context.Context, experimentID string) ([]*Event, error) {
	args := m.Called(ctx, experimentID)
	events, _ := args.Get(0).([]*Event)
	return events, args.Error(1)
}

func (m *MockStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockStore) GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error) {
	args := m.Called(ctx, experimentID)
	snap, _ := args.Get(0).(*Snapshot)
	return snap, args.Error(1)
}

func (m *MockStore) CreateFlag(ctx context.Context, f *FeatureFlag) error {
	return m.Called(ctx, f).Error(0)
}

func (m *MockStore) GetFlag(ctx context.Context, id string) (*FeatureFlag, error) {
	args := m.Called(ctx, id)
	f, _ := args.Get(0).(*FeatureFlag)
	return f, args.Error(1)
}

func (m *MockStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	args := m.Called(ctx, key)
	f, _ := args.Get(0).(*FeatureFlag)
	return f, args.Error(1)
}

func (m *MockStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	args := m.Called(ctx)
	flags, _ := args.Get(0).([]*FeatureFlag)
	return flags, args.Error(1)
}

func (m *MockStore) UpdateFlag(ctx context.Context, f *FeatureFlag) error {
	return m.Called(ctx, f).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}
