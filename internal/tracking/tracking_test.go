package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/gkobilansky/goatlab/internal/testutil"
)

func setup(t *testing.T, status store.ExperimentStatus) (*Tracker, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	exp := testutil.Experiment("exp-1")
	exp.Status = status
	ctx := context.Background()
	require.NoError(t, s.CreateExperiment(ctx, exp))
	_, _, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{
		ExperimentID: "exp-1", SubjectID: "user-1", VariantID: "treatment",
		AssignedAt: time.Now(), Method: store.MethodHash, Sticky: true,
	})
	require.NoError(t, err)
	return New(s, ids.NewSequential("evt"), nil), s
}

func TestTrackExposure_UsesAssignedVariant(t *testing.T) {
	tr, s := setup(t, store.StatusRunning)
	ctx := context.Background()

	ev, err := tr.TrackExposure(ctx, Exposure{ExperimentID: "exp-1", SubjectID: "user-1", SessionID: "sess"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "treatment", ev.VariantID)
	assert.Equal(t, store.EventExposure, ev.Type)

	events, err := s.QueryEvents(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTrackConversion_DefaultsToPrimaryGoal(t *testing.T) {
	tr, _ := setup(t, store.StatusRunning)

	ev, err := tr.TrackConversion(context.Background(), Conversion{ExperimentID: "exp-1", SubjectID: "user-1", Value: 19.99})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "purchase", ev.GoalID)
	assert.Equal(t, 19.99, ev.Value)
}

func TestTrackConversion_UnknownGoal(t *testing.T) {
	tr, _ := setup(t, store.StatusRunning)

	_, err := tr.TrackConversion(context.Background(), Conversion{ExperimentID: "exp-1", SubjectID: "user-1", GoalID: "signup"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTrack_UnassignedSubjectDropped(t *testing.T) {
	tr, _ := setup(t, store.StatusRunning)

	ev, err := tr.TrackExposure(context.Background(), Exposure{ExperimentID: "exp-1", SubjectID: "stranger"})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestTrack_CeaseStopsAccepting(t *testing.T) {
	tr, s := setup(t, store.StatusRunning)
	ctx := context.Background()

	tr.Cease("exp-1")
	ev, err := tr.TrackConversion(ctx, Conversion{ExperimentID: "exp-1", SubjectID: "user-1"})
	assert.NoError(t, err)
	assert.Nil(t, ev)

	tr.Begin("exp-1")
	ev, err = tr.TrackConversion(ctx, Conversion{ExperimentID: "exp-1", SubjectID: "user-1"})
	require.NoError(t, err)
	assert.NotNil(t, ev)

	events, err := s.QueryEvents(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTrack_FallsBackToStoredStatus(t *testing.T) {
	tr, _ := setup(t, store.StatusDraft)

	ev, err := tr.TrackExposure(context.Background(), Exposure{ExperimentID: "exp-1", SubjectID: "user-1"})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestTrack_StoredStatusOverridesBegin(t *testing.T) {
	tr, s := setup(t, store.StatusRunning)
	ctx := context.Background()
	tr.Begin("exp-1")

	// Another process completes the experiment.
	completed := store.StatusCompleted
	_, err := s.UpdateExperiment(ctx, "exp-1", store.ExperimentPatch{Status: &completed})
	require.NoError(t, err)

	ev, err := tr.TrackExposure(ctx, Exposure{ExperimentID: "exp-1", SubjectID: "user-1"})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestTrack_Validation(t *testing.T) {
	tr, _ := setup(t, store.StatusRunning)

	_, err := tr.TrackExposure(context.Background(), Exposure{ExperimentID: "exp-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = tr.TrackExposure(context.Background(), Exposure{ExperimentID: "missing", SubjectID: "u"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
