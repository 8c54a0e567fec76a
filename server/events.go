package server

import (
	"errors"
	"net/http"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
)

// AppendResponse carries the sequence the event was recorded at.
type AppendResponse struct {
	Seq int64 `json:"seq"`
}

// appendEvent is the worker publish path: fold the log, validate the
// transition, compare-and-append with the sequence assigned server-side, and
// retry internally on append races. Duplicate transitions and terminal
// executions come back as 409s the client maps to the projection sentinels,
// which the worker treats as successful outcomes.
func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := decode(r, &e); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return
	}
	if e.ExecutionID <= 0 {
		fail(w, http.StatusBadRequest, codeValidation, "execution_id is required")
		return
	}
	if !e.Kind.Valid() {
		fail(w, http.StatusBadRequest, codeValidation, "unknown event kind %q", e.Kind)
		return
	}

	for {
		events, err := s.cfg.Log.Read(r.Context(), e.ExecutionID, 0)
		if errors.Is(err, event.ErrNotFound) {
			fail(w, http.StatusNotFound, codeNotFound, "execution %d not found", e.ExecutionID)
			return
		}
		if err != nil {
			fail(w, http.StatusInternalServerError, codeInternal, "read log: %v", err)
			return
		}
		st, err := projection.Project(events)
		if err != nil {
			fail(w, http.StatusInternalServerError, codeInternal, "project: %v", err)
			return
		}
		if err := projection.CheckAppend(st, &e); err != nil {
			s.rejectAppend(w, err)
			return
		}
		e.Seq = st.NextSeq
		if e.Timestamp.IsZero() {
			e.Timestamp = s.cfg.Clock().UTC()
		}
		err = s.cfg.Log.Append(r.Context(), e)
		if errors.Is(err, event.ErrConflict) {
			// Another writer got the slot; re-fold and retry.
			continue
		}
		if err != nil {
			fail(w, http.StatusInternalServerError, codeInternal, "append: %v", err)
			return
		}
		s.cfg.Metrics.IncCounter("noetl.server.events_appended", 1, "kind", string(e.Kind))
		respond(w, http.StatusCreated, AppendResponse{Seq: e.Seq})
		return
	}
}

// rejectAppend maps CheckAppend rejections onto conflict responses.
func (s *Server) rejectAppend(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, projection.ErrAlreadyRecorded):
		fail(w, http.StatusConflict, codeAlreadyRecorded, "%v", err)
	case errors.Is(err, projection.ErrExecutionDone):
		fail(w, http.StatusConflict, codeExecutionDone, "%v", err)
	case errors.Is(err, projection.ErrOutOfOrder):
		fail(w, http.StatusConflict, codeOutOfOrder, "%v", err)
	default:
		fail(w, http.StatusInternalServerError, codeInternal, "%v", err)
	}
}
