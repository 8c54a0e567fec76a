package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"noetl.io/noetl/runtime/registry"
)

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var info registry.WorkerInfo
	if err := decode(r, &info); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return
	}
	if info.Name == "" {
		fail(w, http.StatusBadRequest, codeValidation, "worker name is required")
		return
	}
	if err := s.cfg.Registry.Register(r.Context(), info); err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "register worker: %v", err)
		return
	}
	s.cfg.Logger.Info(r.Context(), "worker registered",
		"worker", info.Name, "capabilities", info.Capabilities)
	respond(w, http.StatusCreated, map[string]string{"name": info.Name})
}

func (s *Server) heartbeatWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.cfg.Registry.Heartbeat(r.Context(), name)
	if errors.Is(err, registry.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "worker %q not registered", name)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "heartbeat: %v", err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cfg.Registry.Deregister(r.Context(), name); err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "deregister: %v", err)
		return
	}
	s.cfg.Logger.Info(r.Context(), "worker deregistered", "worker", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "list workers: %v", err)
		return
	}
	if workers == nil {
		workers = []registry.WorkerInfo{}
	}
	respond(w, http.StatusOK, workers)
}
