package server

import (
	"errors"
	"net/http"
	"time"

	"noetl.io/noetl/runtime/queue"
)

// DefaultLeaseSeconds applies when a lease request does not name a duration.
const DefaultLeaseSeconds = 60

type (
	// JobSettleRequest is the body of the ack, nack and extend endpoints.
	// The key travels in the body because job keys contain slashes.
	JobSettleRequest struct {
		Key          string  `json:"key"`
		Worker       string  `json:"worker"`
		Reason       string  `json:"reason,omitempty"`
		LeaseSeconds float64 `json:"lease_seconds,omitempty"`
	}

	// DepthResponse reports the queue depth for one capability tag.
	DepthResponse struct {
		Capability string `json:"capability"`
		Depth      int    `json:"depth"`
	}
)

func (s *Server) leaseJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tag := q.Get("tag")
	worker := q.Get("worker")
	if tag == "" || worker == "" {
		fail(w, http.StatusBadRequest, codeValidation, "tag and worker are required")
		return
	}
	d := time.Duration(DefaultLeaseSeconds) * time.Second
	if v := q.Get("lease_seconds"); v != "" {
		secs, err := time.ParseDuration(v + "s")
		if err != nil {
			fail(w, http.StatusBadRequest, codeValidation, "lease_seconds: %v", err)
			return
		}
		d = secs
	}
	job, err := s.cfg.Queue.Lease(r.Context(), tag, worker, d)
	if errors.Is(err, queue.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "lease: %v", err)
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var job queue.Job
	if err := decode(r, &job); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return
	}
	if job.ExecutionID <= 0 || job.StepName == "" || job.Capability == "" {
		fail(w, http.StatusBadRequest, codeValidation, "execution_id, step_name and capability are required")
		return
	}
	if err := s.cfg.Queue.Enqueue(r.Context(), &job); err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "enqueue: %v", err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"key": job.Key()})
}

func (s *Server) queueDepth(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		fail(w, http.StatusBadRequest, codeValidation, "tag is required")
		return
	}
	depth, err := s.cfg.Queue.Depth(r.Context(), tag)
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "depth: %v", err)
		return
	}
	respond(w, http.StatusOK, DepthResponse{Capability: tag, Depth: depth})
}

func (s *Server) ackJob(w http.ResponseWriter, r *http.Request) {
	req, ok := settleRequest(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Queue.Ack(r.Context(), req.Key, req.Worker); err != nil {
		s.settleError(w, req.Key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nackJob(w http.ResponseWriter, r *http.Request) {
	req, ok := settleRequest(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Queue.Nack(r.Context(), req.Key, req.Worker, req.Reason); err != nil {
		s.settleError(w, req.Key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) extendJob(w http.ResponseWriter, r *http.Request) {
	req, ok := settleRequest(w, r)
	if !ok {
		return
	}
	secs := req.LeaseSeconds
	if secs <= 0 {
		secs = DefaultLeaseSeconds
	}
	d := time.Duration(secs * float64(time.Second))
	if err := s.cfg.Queue.Extend(r.Context(), req.Key, req.Worker, d); err != nil {
		s.settleError(w, req.Key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func settleRequest(w http.ResponseWriter, r *http.Request) (*JobSettleRequest, bool) {
	var req JobSettleRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return nil, false
	}
	if req.Key == "" || req.Worker == "" {
		fail(w, http.StatusBadRequest, codeValidation, "key and worker are required")
		return nil, false
	}
	return &req, true
}

func (s *Server) settleError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownJob):
		fail(w, http.StatusNotFound, codeNotFound, "job %q not found", key)
	case errors.Is(err, queue.ErrNotLeased):
		fail(w, http.StatusConflict, codeNotLeased, "%v", err)
	default:
		fail(w, http.StatusInternalServerError, codeInternal, "%v", err)
	}
}
