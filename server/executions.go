package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
)

type (
	// StartExecutionRequest is the body of POST /executions.
	StartExecutionRequest struct {
		// Path addresses the playbook. PlaybookRef is an accepted alias.
		Path        string `json:"path,omitempty"`
		PlaybookRef string `json:"playbook_ref,omitempty"`
		// Version selects a registered version, latest when empty.
		Version string `json:"version,omitempty"`
		// Payload is merged over the playbook's workload defaults.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// StartExecutionResponse carries the allocated execution id.
	StartExecutionResponse struct {
		ExecutionID int64 `json:"execution_id"`
	}

	// StatusResponse is the projected execution status served by
	// GET /executions/{id}/status.
	StatusResponse struct {
		ExecutionID     int64    `json:"execution_id"`
		Status          string   `json:"status"`
		PlaybookPath    string   `json:"playbook_path"`
		PlaybookVersion string   `json:"playbook_version"`
		CurrentStep     string   `json:"current_step,omitempty"`
		CompletedSteps  []string `json:"completed_steps"`
		Completed       bool     `json:"completed"`
		Failed          bool     `json:"failed"`
		FailedStep      string   `json:"failed_step,omitempty"`
		Error           string   `json:"error,omitempty"`
		Result          any      `json:"result,omitempty"`
		// Variables is the template scope of the execution: vars merged
		// over the workload.
		Variables map[string]any `json:"variables"`
		StartedAt time.Time      `json:"started_at"`
		EndedAt   *time.Time     `json:"ended_at,omitempty"`
	}

	// ExecutionSummary is one row of GET /executions.
	ExecutionSummary struct {
		ExecutionID     int64      `json:"execution_id"`
		Status          string     `json:"status"`
		PlaybookPath    string     `json:"playbook_path"`
		PlaybookVersion string     `json:"playbook_version"`
		StartedAt       time.Time  `json:"started_at"`
		EndedAt         *time.Time `json:"ended_at,omitempty"`
	}

	// CancelRequest is the body of POST /executions/{id}/cancel.
	CancelRequest struct {
		Reason string `json:"reason,omitempty"`
	}
)

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return
	}
	path := req.Path
	if path == "" {
		path = req.PlaybookRef
	}
	if path == "" {
		fail(w, http.StatusBadRequest, codeValidation, "path is required")
		return
	}
	id, err := s.cfg.Runner.StartExecution(r.Context(), path, req.Version, req.Payload)
	if errors.Is(err, catalog.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "playbook %q not found", path)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "start execution: %v", err)
		return
	}
	respond(w, http.StatusCreated, StartExecutionResponse{ExecutionID: id})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	pathFilter := r.URL.Query().Get("path")
	ids, err := s.cfg.Log.Executions(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "list executions: %v", err)
		return
	}
	out := make([]ExecutionSummary, 0, len(ids))
	for _, id := range ids {
		st, err := s.project(r.Context(), id)
		if err != nil {
			continue
		}
		if pathFilter != "" && st.PlaybookPath != pathFilter {
			continue
		}
		out = append(out, ExecutionSummary{
			ExecutionID:     st.ExecutionID,
			Status:          string(st.Status),
			PlaybookPath:    st.PlaybookPath,
			PlaybookVersion: st.PlaybookVersion,
			StartedAt:       st.StartedAt,
			EndedAt:         endedAt(st),
		})
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) executionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	st, err := s.project(r.Context(), id)
	if errors.Is(err, event.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "execution %d not found", id)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "project execution %d: %v", id, err)
		return
	}
	respond(w, http.StatusOK, statusOf(st))
}

func (s *Server) executionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(w, http.StatusBadRequest, codeValidation, "from_seq: %v", err)
			return
		}
		fromSeq = n
	}
	events, err := s.cfg.Log.Read(r.Context(), id, fromSeq)
	if errors.Is(err, event.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "execution %d not found", id)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "read execution %d: %v", id, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	respond(w, http.StatusOK, events)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	// The body is optional; a missing reason gets a default.
	var req CancelRequest
	_ = decode(r, &req)
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	err := s.cfg.Runner.Cancel(r.Context(), id, req.Reason)
	if errors.Is(err, event.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "execution %d not found", id)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "cancel execution %d: %v", id, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"execution_id": id, "cancelled": true})
}

// project reads and folds an execution's log.
func (s *Server) project(ctx context.Context, id int64) (*projection.State, error) {
	events, err := s.cfg.Log.Read(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return projection.Project(events)
}

// statusOf shapes the projected state into the status payload.
func statusOf(st *projection.State) StatusResponse {
	resp := StatusResponse{
		ExecutionID:     st.ExecutionID,
		Status:          string(st.Status),
		PlaybookPath:    st.PlaybookPath,
		PlaybookVersion: st.PlaybookVersion,
		CurrentStep:     currentStep(st),
		CompletedSteps:  st.CompletedSteps(),
		Completed:       st.Status == projection.ExecCompleted,
		Failed:          st.Status == projection.ExecFailed,
		FailedStep:      st.FailedStep,
		Error:           st.Error,
		Result:          st.Result,
		Variables:       variables(st),
		StartedAt:       st.StartedAt,
		EndedAt:         endedAt(st),
	}
	if resp.CompletedSteps == nil {
		resp.CompletedSteps = []string{}
	}
	return resp
}

// variables merges vars over the workload, matching template scope
// precedence.
func variables(st *projection.State) map[string]any {
	out := make(map[string]any, len(st.Workload)+len(st.Vars))
	for k, v := range st.Workload {
		out[k] = v
	}
	for k, v := range st.Vars {
		out[k] = v
	}
	return out
}

// currentStep picks the first enqueued or running step in appearance order.
func currentStep(st *projection.State) string {
	for _, name := range st.StepOrder() {
		switch st.Steps[name].Status {
		case projection.StatusEnqueued, projection.StatusRunning:
			return name
		}
	}
	return ""
}

func endedAt(st *projection.State) *time.Time {
	if st.EndedAt.IsZero() {
		return nil
	}
	t := st.EndedAt
	return &t
}

func executionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		fail(w, http.StatusBadRequest, codeValidation, "invalid execution id %q", raw)
		return 0, false
	}
	return id, true
}
