package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/gkobilansky/goatlab/internal/testutil"
)

type recorder struct {
	initialized []string
	begun       []string
	ceased      []string
	finalized   []string
	finalizeErr error
}

func (r *recorder) InitializeExperiment(ctx context.Context, id string) error {
	r.initialized = append(r.initialized, id)
	return nil
}

func (r *recorder) Begin(id string) { r.begun = append(r.begun, id) }
func (r *recorder) Cease(id string) { r.ceased = append(r.ceased, id) }

func (r *recorder) Finalize(ctx context.Context, exp *store.Experiment) error {
	r.finalized = append(r.finalized, exp.ID)
	return r.finalizeErr
}

func newManager(t *testing.T) (*Manager, *recorder, *testutil.Clock) {
	t.Helper()
	rec := &recorder{}
	clock := testutil.NewClock()
	m := New(store.NewMemoryStore(), rec, rec,
		WithFinalizer(rec),
		WithIDs(ids.NewSequential("id")),
		WithClock(clock.Now))
	return m, rec, clock
}

func draft() *store.Experiment {
	exp := testutil.Experiment("")
	exp.Name = "Pricing page headline"
	return exp
}

func TestCreate_FillsDefaults(t *testing.T) {
	m, _, clock := newManager(t)
	in := draft()
	in.Variants[0].IsControl = false
	in.Variants[0].ID = ""
	in.StatisticalConfig = store.StatisticalConfig{}
	in.Status = store.StatusRunning

	exp, err := m.Create(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "id-1", exp.ID)
	assert.Equal(t, "id-2", exp.Variants[0].ID)
	assert.True(t, exp.Variants[0].IsControl, "first variant promoted to control")
	assert.Equal(t, store.StatusDraft, exp.Status)
	assert.Equal(t, 0.05, exp.StatisticalConfig.SignificanceLevel)
	assert.Equal(t, 0.8, exp.StatisticalConfig.Power)
	assert.Equal(t, clock.Now(), exp.CreatedAt)

	stored, err := m.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Name, stored.Name)
}

func TestCreate_ValidationReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Experiment)
		reason string
	}{
		{"missing name", func(e *store.Experiment) { e.Name = "" }, "Name is required"},
		{"traffic over 100", func(e *store.Experiment) { e.Variants[1].TrafficPercentage = 60 }, "sum to 110.00"},
		{"two controls", func(e *store.Experiment) { e.Variants[1].IsControl = true }, "marked as control"},
		{"duplicate variant", func(e *store.Experiment) { e.Variants[1].ID = "control" }, "duplicate variant id"},
		{"percentage out of range", func(e *store.Experiment) { e.Variants[0].TrafficPercentage = -5 }, "TrafficPercentage"},
		{"significance out of range", func(e *store.Experiment) { e.StatisticalConfig.SignificanceLevel = 1.5 }, "SignificanceLevel"},
		{"goal without name", func(e *store.Experiment) { e.Goals[0].Name = "" }, "Name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newManager(t)
			exp := draft()
			tt.mutate(exp)

			_, err := m.Create(context.Background(), exp)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, apperr.CodeValidation, apperr.Code(err))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			joined := ""
			for _, r := range ve.Reasons {
				joined += r + "\n"
			}
			assert.Contains(t, joined, tt.reason)
		})
	}
}

func TestCreate_SampleSizePlan(t *testing.T) {
	m, _, _ := newManager(t)
	exp := draft()
	exp.Goals[0].SuccessCriteria.MinimumDetectableEffect = 0.10
	exp.SampleSizeCalculation = &store.SampleSizeCalculation{BaselineRate: 0.10}

	created, err := m.Create(context.Background(), exp)
	require.NoError(t, err)
	require.NotNil(t, created.SampleSizeCalculation)
	assert.Equal(t, 14736, created.SampleSizeCalculation.PerVariant)
	assert.Equal(t, 29472, created.SampleSizeCalculation.Total)
	assert.Equal(t, 30, created.SampleSizeCalculation.EstimatedDurationDays)
	assert.Equal(t, 14736, created.StatisticalConfig.MinimumSampleSize)
}

func TestStart(t *testing.T) {
	m, rec, clock := newManager(t)
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)

	started, err := m.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, clock.Now(), *started.StartedAt)
	assert.Equal(t, []string{exp.ID}, rec.initialized)
	assert.Equal(t, []string{exp.ID}, rec.begun)

	_, err = m.Start(ctx, exp.ID)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "running", te.From)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.Code(err))
}

func TestStart_Blockers(t *testing.T) {
	m, rec, _ := newManager(t)
	ctx := context.Background()
	in := draft()
	in.Goals = nil
	in.PreTestChecklist = []store.ChecklistItem{
		{ID: "qa", Description: "QA sign-off", Required: true},
		{ID: "nice", Description: "Screenshots"},
	}
	exp, err := m.Create(ctx, in)
	require.NoError(t, err)

	_, err = m.Start(ctx, exp.ID)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Reasons, 2)
	assert.Empty(t, rec.initialized)

	stored, err := m.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDraft, stored.Status)
}

func TestStart_GoalNeedsEventName(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	in := draft()
	in.Goals = append(in.Goals,
		store.Goal{ID: "clicks", Name: "Clicks"},
		store.Goal{ID: "revenue", Name: "Revenue", Type: store.GoalRevenue},
	)
	exp, err := m.Create(ctx, in)
	require.NoError(t, err)

	_, err = m.Start(ctx, exp.ID)
	assert.Equal(t, []string{`goal "Clicks" needs an event name`}, apperr.Reasons(err))
}

func TestChecklistThenStart(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	in := draft()
	in.PreTestChecklist = []store.ChecklistItem{{ID: "qa", Description: "QA sign-off", Required: true}}
	exp, err := m.Create(ctx, in)
	require.NoError(t, err)

	_, err = m.CompleteChecklistItem(ctx, exp.ID, "qa")
	require.NoError(t, err)
	_, err = m.CompleteChecklistItem(ctx, exp.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Start(ctx, exp.ID)
	assert.NoError(t, err)
}

func TestPauseResume(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)

	_, err = m.Pause(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "cannot pause a draft")

	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	paused, err := m.Pause(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, paused.Status)

	_, err = m.Pause(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	resumed, err := m.Resume(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, resumed.Status)

	_, err = m.Resume(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStop_Idempotent(t *testing.T) {
	m, rec, clock := newManager(t)
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)
	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)

	stopped, err := m.Stop(ctx, exp.ID, "treatment won")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stopped.Status)
	assert.Equal(t, "treatment won", stopped.StopReason)
	assert.Equal(t, clock.Now(), *stopped.EndedAt)
	assert.Equal(t, []string{exp.ID}, rec.ceased)
	assert.Equal(t, []string{exp.ID}, rec.finalized)

	again, err := m.Stop(ctx, exp.ID, "second stop")
	require.NoError(t, err)
	assert.Equal(t, "treatment won", again.StopReason)
	assert.Len(t, rec.finalized, 1)

	_, err = m.Start(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = m.Resume(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStop_FromDraft(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)

	stopped, err := m.Stop(ctx, exp.ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stopped.Status)
}

func TestStop_FinalizerFailureKeepsCompleted(t *testing.T) {
	m, rec, _ := newManager(t)
	rec.finalizeErr = apperr.ErrMissingVariant
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)

	stopped, err := m.Stop(ctx, exp.ID, "done")
	assert.ErrorIs(t, err, apperr.ErrMissingVariant)
	require.NotNil(t, stopped)
	assert.Equal(t, store.StatusCompleted, stopped.Status)

	stored, err := m.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
}

func TestUpdateVariants(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	exp, err := m.Create(ctx, draft())
	require.NoError(t, err)

	updated, err := m.UpdateVariants(ctx, exp.ID, []store.Variant{
		{ID: "a", Name: "A", TrafficPercentage: 34},
		{ID: "b", Name: "B", TrafficPercentage: 33},
		{ID: "c", Name: "C", TrafficPercentage: 33},
	})
	require.NoError(t, err)
	require.Len(t, updated.Variants, 3)
	assert.True(t, updated.Variants[0].IsControl)

	_, err = m.UpdateVariants(ctx, exp.ID, []store.Variant{
		{ID: "a", Name: "A", TrafficPercentage: 80},
		{ID: "b", Name: "B", TrafficPercentage: 80},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = m.Start(ctx, exp.ID)
	require.NoError(t, err)
	_, err = m.UpdateVariants(ctx, exp.ID, []store.Variant{{ID: "a", Name: "A", TrafficPercentage: 100}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTransitions_NotFound(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Stop(ctx, "missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
