package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/flags"
	"github.com/gkobilansky/goatlab/internal/ids"
	"github.com/gkobilansky/goatlab/internal/results"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/gkobilansky/goatlab/internal/testutil"
)

const testToken = "s3cret"

func setup(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e := engine.New(store.NewMemoryStore(), engine.Options{IDs: ids.NewSequential("id")})
	return New(e, Options{Token: testToken}), e
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if strings.HasPrefix(path, "/admin/") {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func running(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateExperiment(ctx, testutil.Experiment(id))
	require.NoError(t, err)
	_, err = e.StartExperiment(ctx, id)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	srv, e := setup(t)
	running(t, e, "exp1")

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ExperimentCount)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setup(t)
	w := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuth(t *testing.T) {
	srv, _ := setup(t)

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"bad bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken) }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + testToken }, http.StatusOK},
		{"bad query", func(r *http.Request) { r.URL.RawQuery = "token=nope" }, http.StatusUnauthorized},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieName, Value: testToken}) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/api/experiments", nil)
			tt.mutate(req)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuth_QueryTokenSetsCookie(t *testing.T) {
	srv, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/api/flags?token="+testToken, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, tokenCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	srv, _ := setup(t)

	w := do(t, srv, http.MethodPost, "/admin/api/experiments", testutil.Experiment("exp1"))
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody[store.Experiment](t, w)
	assert.Equal(t, store.StatusDraft, created.Status)

	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.StatusRunning, decodeBody[store.Experiment](t, w).Status)

	// starting twice is an invalid transition
	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/start", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", decodeBody[ErrorResponse](t, w).Error)

	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/stop", StopRequest{Reason: "done"})
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decodeBody[store.Experiment](t, w)
	assert.Equal(t, store.StatusCompleted, stopped.Status)
	assert.Equal(t, "done", stopped.StopReason)

	w = do(t, srv, http.MethodGet, "/admin/api/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]store.Experiment](t, w), 1)
}

func TestCreateExperiment_Invalid(t *testing.T) {
	srv, _ := setup(t)
	exp := testutil.Experiment("bad")
	exp.Variants[1].TrafficPercentage = 80

	w := do(t, srv, http.MethodPost, "/admin/api/experiments", exp)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "sum to 130.00")
}

func TestExperimentNotFound(t *testing.T) {
	srv, _ := setup(t)
	for _, path := range []string{
		"/admin/api/experiments/missing",
		"/admin/api/experiments/missing/results",
	} {
		w := do(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := do(t, srv, http.MethodPost, "/admin/api/experiments/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAssignBeaconAndResults(t *testing.T) {
	srv, e := setup(t)
	running(t, e, "exp1")

	var converted int
	for i := range 40 {
		subject := fmt.Sprintf("s%d", i)
		w := do(t, srv, http.MethodGet, "/api/assign?experiment=exp1&subject="+subject, nil)
		require.Equal(t, http.StatusOK, w.Code)
		a := decodeBody[AssignResponse](t, w)
		require.NotEmpty(t, a.Variant)

		w = do(t, srv, http.MethodPost, "/b", BeaconRequest{Experiment: "exp1", Subject: subject, EventType: "exposure"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.True(t, decodeBody[BeaconResponse](t, w).Recorded)

		if i%4 == 0 {
			w = do(t, srv, http.MethodPost, "/b", BeaconRequest{Experiment: "exp1", Subject: subject, EventType: "conversion"})
			require.Equal(t, http.StatusAccepted, w.Code)
			converted++
		}
	}

	w := do(t, srv, http.MethodGet, "/admin/api/experiments/exp1/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[results.ExperimentResults](t, w)
	total := 0
	for _, v := range res.Variants {
		total += v.Conversions
	}
	assert.Equal(t, converted, total)
}

func TestAssign_NotRunning(t *testing.T) {
	srv, _ := setup(t)
	w := do(t, srv, http.MethodGet, "/api/assign?experiment=nope&subject=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[AssignResponse](t, w).Variant)

	w = do(t, srv, http.MethodGet, "/api/assign?experiment=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBeacon(t *testing.T) {
	srv, e := setup(t)
	running(t, e, "exp1")

	t.Run("preflight", func(t *testing.T) {
		w := do(t, srv, http.MethodOptions, "/b", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("wrong method", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/b", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/b", strings.NewReader("{"))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("unknown event type", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/b", BeaconRequest{Experiment: "exp1", Subject: "s1", EventType: "click"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("unassigned subject is dropped", func(t *testing.T) {
		w := do(t, srv, http.MethodPost, "/b", BeaconRequest{Experiment: "exp1", Subject: "stranger", EventType: "exposure"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.False(t, decodeBody[BeaconResponse](t, w).Recorded)
	})
	t.Run("unknown goal", func(t *testing.T) {
		do(t, srv, http.MethodGet, "/api/assign?experiment=exp1&subject=s2", nil)
		w := do(t, srv, http.MethodPost, "/b", BeaconRequest{Experiment: "exp1", Subject: "s2", EventType: "conversion", Goal: "signup"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOverride(t *testing.T) {
	srv, e := setup(t)
	running(t, e, "exp1")

	w := do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/override", OverrideRequest{Subject: "qa", Variant: "treatment", Reason: "qa"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/assign?experiment=exp1&subject=qa", nil)
	a := decodeBody[AssignResponse](t, w)
	assert.Equal(t, "treatment", a.Variant)
	assert.True(t, a.Override)

	w = do(t, srv, http.MethodPost, "/admin/api/experiments/exp1/override", OverrideRequest{Subject: "qa", Variant: "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSampleSize(t *testing.T) {
	srv, _ := setup(t)
	w := do(t, srv, http.MethodPost, "/admin/api/sample-size", map[string]any{
		"baseline_rate":             0.10,
		"minimum_detectable_effect": 0.10,
	})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[map[string]int](t, w)
	assert.Equal(t, 14736, res["per_variant"])
	assert.Equal(t, 29472, res["total"])
}

func TestFlags(t *testing.T) {
	srv, _ := setup(t)
	flag := store.FeatureFlag{
		Key:               "new-nav",
		RolloutPercentage: 100,
		DefaultVariation:  "off",
		Variations: []store.Variation{
			{Key: "on", Value: true},
			{Key: "off", Value: false},
		},
		Rules: []store.Rule{{Condition: store.Equals{Attribute: "plan", Value: "pro"}, Variation: "on"}},
	}

	w := do(t, srv, http.MethodPost, "/admin/api/flags", flag)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody[store.FeatureFlag](t, w)

	w = do(t, srv, http.MethodGet, "/api/flags/new-nav?subject=u1&attr.plan=pro", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ev := decodeBody[flags.Evaluation](t, w)
	assert.Equal(t, true, ev.Value)
	assert.Equal(t, flags.ReasonRuleMatch, ev.Reason)

	zero := 0.0
	w = do(t, srv, http.MethodPost, "/admin/api/flags/"+created.ID+"/rollout", RolloutRequest{Percentage: &zero})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/flags/new-nav?subject=u1&attr.plan=pro", nil)
	ev = decodeBody[flags.Evaluation](t, w)
	assert.Equal(t, false, ev.Value)
	assert.Equal(t, flags.ReasonOutOfRollout, ev.Reason)

	w = do(t, srv, http.MethodGet, "/api/flags/unknown", nil)
	ev = decodeBody[flags.Evaluation](t, w)
	assert.Equal(t, flags.ReasonNotFound, ev.Reason)

	w = do(t, srv, http.MethodGet, "/admin/api/flags/new-nav", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/admin/api/flags/missing/rollout", RolloutRequest{Percentage: &zero})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodPost, "/admin/api/flags/"+created.ID+"/status", StatusRequest{Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
