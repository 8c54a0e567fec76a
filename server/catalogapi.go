package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

// maxPlaybookBytes bounds the playbook documents the API accepts.
const maxPlaybookBytes = 1 << 20

type (
	// PlaybookEntry is the wire shape of a catalog entry. Raw is included so
	// clients can fetch registered documents verbatim.
	PlaybookEntry struct {
		Path      string    `json:"path"`
		Version   string    `json:"version"`
		Hash      string    `json:"hash"`
		Raw       string    `json:"raw,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	// CredentialRequest is the body of POST /credentials.
	CredentialRequest struct {
		Name    string          `json:"name"`
		Kind    string          `json:"kind,omitempty"`
		Payload json.RawMessage `json:"payload"`
	}
)

func wireEntry(e *catalog.Entry, withRaw bool) PlaybookEntry {
	out := PlaybookEntry{
		Path:      e.Path,
		Version:   e.Version,
		Hash:      e.Hash,
		CreatedAt: e.CreatedAt,
	}
	if withRaw {
		out.Raw = string(e.Raw)
	}
	return out
}

func (s *Server) registerPlaybook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPlaybookBytes+1))
	if err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "read body: %v", err)
		return
	}
	if len(raw) == 0 {
		fail(w, http.StatusBadRequest, codeValidation, "empty playbook document")
		return
	}
	if len(raw) > maxPlaybookBytes {
		fail(w, http.StatusRequestEntityTooLarge, codeValidation, "playbook document exceeds %d bytes", maxPlaybookBytes)
		return
	}
	entry, err := s.cfg.Catalog.Register(r.Context(), raw)
	var verr *playbook.ValidationError
	if errors.As(err, &verr) {
		respond(w, http.StatusUnprocessableEntity, errorResponse{Error: apiError{
			Code:    codeValidation,
			Message: verr.Error(),
		}})
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "register playbook: %v", err)
		return
	}
	s.cfg.Logger.Info(r.Context(), "playbook registered",
		"path", entry.Path, "version", entry.Version, "hash", entry.Hash)
	respond(w, http.StatusCreated, wireEntry(entry, false))
}

func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Catalog.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "list playbooks: %v", err)
		return
	}
	out := make([]PlaybookEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wireEntry(e, false))
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) getPlaybook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		fail(w, http.StatusBadRequest, codeValidation, "playbook path is required")
		return
	}
	entry, err := s.cfg.Catalog.Lookup(r.Context(), path, r.URL.Query().Get("version"))
	if errors.Is(err, catalog.ErrNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "playbook %q not found", path)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "lookup playbook: %v", err)
		return
	}
	respond(w, http.StatusOK, wireEntry(entry, true))
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := decode(r, &req); err != nil {
		fail(w, http.StatusBadRequest, codeValidation, "%v", err)
		return
	}
	if req.Name == "" {
		fail(w, http.StatusBadRequest, codeValidation, "credential name is required")
		return
	}
	if len(req.Payload) == 0 {
		fail(w, http.StatusBadRequest, codeValidation, "credential payload is required")
		return
	}
	err := s.cfg.Catalog.PutCredential(r.Context(), &catalog.Credential{
		Name:      req.Name,
		Kind:      req.Kind,
		Payload:   req.Payload,
		CreatedAt: s.cfg.Clock().UTC(),
	})
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "store credential: %v", err)
		return
	}
	s.cfg.Logger.Info(r.Context(), "credential stored", "name", req.Name, "kind", req.Kind)
	respond(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) getCredential(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cred, err := s.cfg.Catalog.Credential(r.Context(), name)
	if errors.Is(err, catalog.ErrCredentialNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "credential %q not found", name)
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, codeInternal, "lookup credential: %v", err)
		return
	}
	respond(w, http.StatusOK, cred)
}
