// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gkobilansky/goatlab/internal/store"
)

// SetupTestStore creates a SQLite database under t.TempDir() and closes it
// when the test finishes.
func SetupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// SetupBadgerStore opens an in-memory badger store.
func SetupBadgerStore(t *testing.T) *store.BadgerStore {
	t.Helper()

	s, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open badger store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Experiment returns a draft A/B experiment with a 50/50 split and one
// primary conversion goal.
func Experiment(id string) *store.Experiment {
	now := time.Now()
	return &store.Experiment{
		ID:     id,
		Name:   "Checkout button " + id,
		Type:   store.TypeABTest,
		Status: store.StatusDraft,
		Variants: []store.Variant{
			{ID: "control", Name: "Control", IsControl: true, TrafficPercentage: 50},
			{ID: "treatment", Name: "Treatment", TrafficPercentage: 50},
		},
		Goals: []store.Goal{
			{ID: "purchase", Name: "Purchase", Type: store.GoalConversion, IsPrimary: true, EventName: "purchase"},
		},
		TrafficAllocation: store.TrafficAllocation{Percentage: 100},
		StatisticalConfig: store.StatisticalConfig{SignificanceLevel: 0.05, Power: 0.8},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clock is a manually advanced time source.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	return c.T
}

func (c *Clock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
