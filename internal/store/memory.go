package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It is used by tests and by
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	assignments map[string]*Assignment
	events      map[string][]*Event
	snapshots   map[string]*Snapshot
	flags       map[string]*FeatureFlag
	flagKeys    map[string]string
	now         func() time.Time
}

var _ Store = &MemoryStore{} // Compile-time check

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
		assignments: make(map[string]*Assignment),
		events:      make(map[string][]*Event),
		snapshots:   make(map[string]*Snapshot),
		flags:       make(map[string]*FeatureFlag),
		flagKeys:    make(map[string]string),
		now:         time.Now,
	}
}

func assignmentKey(experimentID, subjectID string) string {
	return experimentID + "\x00" + subjectID
}

func (s *MemoryStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrAlreadyExists)
	}
	s.experiments[exp.ID] = exp.Clone()
	return nil
}

func (s *MemoryStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exp.Clone(), nil
}

func (s *MemoryStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		out = append(out, exp.Clone())
	}
	slices.SortFunc(out, func(a, b *Experiment) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateExperiment(ctx context.Context, id string, patch ExperimentPatch) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(exp, s.now())
	return exp.Clone(), nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey(experimentID, subjectID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *MemoryStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(a.ExperimentID, a.SubjectID)
	if existing, ok := s.assignments[key]; ok {
		return cloneAssignment(existing), false, nil
	}
	s.assignments[key] = cloneAssignment(a)
	return cloneAssignment(a), true, nil
}

func (s *MemoryStore) PutOverride(ctx context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assignments[assignmentKey(a.ExperimentID, a.SubjectID)] = cloneAssignment(a)
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *e
	s.events[e.ExperimentID] = append(s.events[e.ExperimentID], &c)
	return nil
}

func (s *MemoryStore) QueryEvents(ctx context.Context, experimentID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[experimentID]
	out := make([]*Event, len(src))
	for i, e := range src {
		c := *e
		out[i] = &c
	}
	slices.SortStableFunc(out, func(a, b *Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	c.Payload = slices.Clone(snap.Payload)
	s.snapshots[snap.ExperimentID] = &c
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[experimentID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *snap
	c.Payload = slices.Clone(snap.Payload)
	return &c, nil
}

func (s *MemoryStore) CreateFlag(ctx context.Context, f *FeatureFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[f.ID]; ok {
		return fmt.Errorf("flag %s: %w", f.ID, ErrAlreadyExists)
	}
	if _, ok := s.flagKeys[f.Key]; ok {
		return fmt.Errorf("flag key %s: %w", f.Key, ErrAlreadyExists)
	}
	s.flags[f.ID] = f.Clone()
	s.flagKeys[f.Key] = f.ID
	return nil
}

func (s *MemoryStore) GetFlag(ctx context.Context, id string) (*FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

func (s *MemoryStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.flagKeys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.flags[id].Clone(), nil
}

func (s *MemoryStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FeatureFlag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f.Clone())
	}
	slices.SortFunc(out, func(a, b *FeatureFlag) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (s *MemoryStore) UpdateFlag(ctx context.Context, f *FeatureFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.flags[f.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Key != f.Key {
		if _, taken := s.flagKeys[f.Key]; taken {
			return fmt.Errorf("flag key %s: %w", f.Key, ErrAlreadyExists)
		}
		delete(s.flagKeys, old.Key)
		s.flagKeys[f.Key] = f.ID
	}
	s.flags[f.ID] = f.Clone()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneAssignment(a *Assignment) *Assignment {
	c := *a
	c.Context = maps.Clone(a.Context)
	return &c
}
