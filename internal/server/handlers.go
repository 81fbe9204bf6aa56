package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/gkobilansky/goatlab/internal/tracking"
	"go.uber.org/zap"
)

// Event types accepted by the beacon endpoint.
const (
	beaconExposure   = "exposure"
	beaconConversion = "conversion"
)

type HealthResponse struct {
	Status          string `json:"status"`
	ExperimentCount int    `json:"experiment_count"`
	FlagCount       int    `json:"flag_count"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition:
		return http.StatusConflict
	case apperr.CodeMissingVariant:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.Code(err)
	status := statusFor(code)
	resp := ErrorResponse{Error: code, Message: err.Error()}
	if status < http.StatusInternalServerError {
		resp.Reasons = apperr.Reasons(err)
	} else {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Message = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeNotFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: apperr.CodeNotFound, Message: what + " not found"})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: apperr.CodeValidation, Message: msg})
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	exps, err := s.engine.ListExperiments(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flagList, err := s.engine.ListFeatureFlags(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		ExperimentCount: len(exps),
		FlagCount:       len(flagList),
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
	})
}

// BeaconRequest is an exposure or conversion sent by a client.
type BeaconRequest struct {
	Experiment string            `json:"exp"`
	Subject    string            `json:"sid"`
	Session    string            `json:"ses,omitempty"`
	EventType  string            `json:"e"`
	Goal       string            `json:"goal,omitempty"`
	Value      float64           `json:"value,omitempty"`
	Properties map[string]any    `json:"props,omitempty"`
	Context    map[string]string `json:"ctx,omitempty"`
}

// BeaconResponse reports whether the event was recorded. Events for
// experiments that are not collecting, or for unassigned subjects, are
// accepted and dropped.
type BeaconResponse struct {
	Recorded bool   `json:"recorded"`
	EventID  string `json:"event_id,omitempty"`
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BeaconRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON")
		return
	}
	if req.Experiment == "" || req.Subject == "" {
		writeBadRequest(w, "exp and sid are required")
		return
	}

	ctx := r.Context()
	var (
		event *store.Event
		err   error
	)
	switch req.EventType {
	case beaconExposure:
		event, err = s.engine.TrackExposure(ctx, tracking.Exposure{
			ExperimentID: req.Experiment,
			SubjectID:    req.Subject,
			SessionID:    req.Session,
			Context:      req.Context,
		})
	case beaconConversion:
		event, err = s.engine.TrackConversion(ctx, tracking.Conversion{
			ExperimentID: req.Experiment,
			SubjectID:    req.Subject,
			SessionID:    req.Session,
			GoalID:       req.Goal,
			Value:        req.Value,
			Properties:   req.Properties,
			Context:      req.Context,
		})
	default:
		writeBadRequest(w, "e must be exposure or conversion")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := BeaconResponse{Recorded: event != nil}
	if event != nil {
		resp.EventID = event.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// AssignResponse carries the subject's variant. Variant is empty when the
// subject is not in the experiment.
type AssignResponse struct {
	Experiment string         `json:"experiment"`
	Subject    string         `json:"subject"`
	Variant    string         `json:"variant,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Override   bool           `json:"override,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")

	q := r.URL.Query()
	expID, subject := q.Get("experiment"), q.Get("subject")
	if expID == "" || subject == "" {
		writeBadRequest(w, "experiment and subject parameters required")
		return
	}

	ctx := r.Context()
	a, err := s.engine.GetVariantAssignment(ctx, expID, subject, attributes(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := AssignResponse{Experiment: expID, Subject: subject}
	if a != nil {
		resp.Variant = a.VariantID
		resp.Override = a.Overridden
		if exp, err := s.engine.GetExperiment(ctx, expID); err == nil && exp != nil {
			if v := exp.Variant(a.VariantID); v != nil {
				resp.Config = v.Config
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlagValue(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")

	ev, err := s.engine.GetFeatureFlagValue(r.Context(), r.PathValue("key"), r.URL.Query().Get("subject"), attributes(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// attributes collects attr.<name>=<value> query params for rule matching.
func attributes(r *http.Request) map[string]string {
	var attrs map[string]string
	for k, vs := range r.URL.Query() {
		name, ok := strings.CutPrefix(k, "attr.")
		if !ok || name == "" || len(vs) == 0 {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[name] = vs[0]
	}
	return attrs
}
