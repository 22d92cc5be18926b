package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sirens/internal/scenario"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// startRequest is the optional body of POST /scenarios/{name}/start.
type startRequest struct {
	Devices         []siren.DeviceID `json:"devices,omitempty"`
	DurationSeconds *int             `json:"duration_seconds,omitempty"`
}

// runAccepted is returned when a run is admitted.
type runAccepted struct {
	RunID    scenario.RunID `json:"run_id"`
	Scenario scenario.Name  `json:"scenario"`
}

// handleListScenarios returns every scenario definition.
func (s *Server) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	list := s.scenarios.Scenarios()
	writeJSON(w, http.StatusOK, map[string]any{
		"scenarios": list,
		"count":     len(list),
	})
}

// handleStartScenario admits a run. The run keeps going after the request
// returns; poll GET /runs/{id} or watch the WebSocket for progress.
func (s *Server) handleStartScenario(w http.ResponseWriter, r *http.Request) {
	name := scenario.Name(chi.URLParam(r, "name"))

	var req startRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	opts := scenario.StartOptions{Devices: req.Devices}
	if req.DurationSeconds != nil {
		if *req.DurationSeconds <= 0 {
			writeBadRequest(w, "duration_seconds must be positive")
			return
		}
		opts.Duration = time.Duration(*req.DurationSeconds) * time.Second
	}

	id, err := s.scenarios.StartScenario(r.Context(), name, opts)
	if err != nil {
		s.writeScenarioError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+string(id))
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: id, Scenario: name})
}

// handleEmergencyStop silences every known siren.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id, err := s.scenarios.EmergencyStop(r.Context())
	if err != nil {
		s.writeScenarioError(w, r, err)
		return
	}

	s.logger.Warn("emergency stop requested via API",
		"run_id", id,
		"subject", subjectOf(r),
	)
	w.Header().Set("Location", "/api/v1/runs/"+string(id))
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: id, Scenario: scenario.EmergencyStop})
}

// handleListRuns returns snapshots of the active runs.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.scenarios.ActiveRuns()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns the status of one run, active or recent.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.scenarios.Status(scenario.RunID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeScenarioError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCancelRun requests cancellation of an active run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := scenario.RunID(chi.URLParam(r, "id"))
	if err := s.scenarios.Cancel(id); err != nil {
		s.writeScenarioError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": id,
		"state":  scenario.StateCancelling,
	})
}

// writeScenarioError maps sequencer errors onto HTTP responses.
func (s *Server) writeScenarioError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scenario.ErrUnknownScenario), errors.Is(err, scenario.ErrRunNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, scenario.ErrRunAlreadyActive), errors.Is(err, scenario.ErrNoActiveRun):
		writeConflict(w, err.Error())
	case errors.Is(err, scenario.ErrNoDevices),
		errors.Is(err, scenario.ErrInvalidDuration),
		errors.Is(err, siren.ErrInvalidDevice):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, scenario.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error("scenario request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}

// subjectOf names the caller for audit log lines.
func subjectOf(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}
