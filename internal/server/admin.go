package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gkobilansky/goatlab/internal/stats"
	"github.com/gkobilansky/goatlab/internal/store"
)

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.engine.ListExperiments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exps == nil {
		exps = []*store.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var exp store.Experiment
	if !decode(w, r, &exp) {
		return
	}
	created, err := s.engine.CreateExperiment(r.Context(), &exp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.GetExperiment(r.Context(), r.PathValue("id"))
	s.respondExperiment(w, r, exp, err)
}

func (s *Server) respondExperiment(w http.ResponseWriter, r *http.Request, exp *store.Experiment, err error) {
	switch {
	case err != nil:
		s.writeError(w, r, err)
	case exp == nil:
		writeNotFound(w, "experiment")
	default:
		writeJSON(w, http.StatusOK, exp)
	}
}

// transition adapts a lifecycle call to a handler.
func (s *Server) transition(fn func(ctx context.Context, id string) (*store.Experiment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := fn(r.Context(), r.PathValue("id"))
		s.respondExperiment(w, r, exp, err)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.StartExperiment)(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.PauseExperiment)(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.ResumeExperiment)(w, r)
}

type StopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	exp, err := s.engine.StopExperiment(r.Context(), r.PathValue("id"), req.Reason)
	s.respondExperiment(w, r, exp, err)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetExperimentResults(r.Context(), r.PathValue("id"))
	switch {
	case err != nil:
		s.writeError(w, r, err)
	case res == nil:
		writeNotFound(w, "experiment")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type OverrideRequest struct {
	Subject string `json:"subject"`
	Variant string `json:"variant"`
	Reason  string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Subject == "" || req.Variant == "" {
		writeBadRequest(w, "subject and variant are required")
		return
	}
	a, err := s.engine.OverrideVariantAssignment(r.Context(), r.PathValue("id"), req.Subject, req.Variant, req.Reason)
	switch {
	case err != nil:
		s.writeError(w, r, err)
	case a == nil:
		writeNotFound(w, "experiment")
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleSampleSize(w http.ResponseWriter, r *http.Request) {
	var in stats.SampleSizeInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.engine.CalculateSampleSize(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListFeatureFlags(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.FeatureFlag{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var f store.FeatureFlag
	if !decode(w, r, &f) {
		return
	}
	created, err := s.engine.CreateFeatureFlag(r.Context(), &f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) respondFlag(w http.ResponseWriter, r *http.Request, f *store.FeatureFlag, err error) {
	switch {
	case err != nil:
		s.writeError(w, r, err)
	case f == nil:
		writeNotFound(w, "flag")
	default:
		writeJSON(w, http.StatusOK, f)
	}
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.GetFeatureFlag(r.Context(), r.PathValue("id"))
	s.respondFlag(w, r, f, err)
}

type RolloutRequest struct {
	Percentage *float64 `json:"percentage"`
}

func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	var req RolloutRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Percentage == nil {
		writeBadRequest(w, "percentage is required")
		return
	}
	f, err := s.engine.UpdateFeatureFlagRollout(r.Context(), r.PathValue("id"), *req.Percentage)
	s.respondFlag(w, r, f, err)
}

type StatusRequest struct {
	Status store.FlagStatus `json:"status"`
}

func (s *Server) handleFlagStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.engine.SetFeatureFlagStatus(r.Context(), r.PathValue("id"), req.Status)
	s.respondFlag(w, r, f, err)
}
