// Package server exposes the execution plane's control API over HTTP/JSON.
//
// The server is a thin translation layer: every handler delegates to the
// event log, queue, catalog or registry, and the worker-facing event
// endpoint enforces the same append protocol the in-process control path
// does. Client in this package mirrors every endpoint so remote workers and
// the CLI consume the API through the same Go interfaces local deployments
// wire directly.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/registry"
	"noetl.io/noetl/runtime/telemetry"
)

type (
	// Runner starts and cancels executions. *broker.Broker satisfies it.
	Runner interface {
		// StartExecution opens a new root execution and returns its id.
		StartExecution(ctx context.Context, path, version string, payload map[string]any) (int64, error)

		// Cancel requests cooperative cancellation of an execution.
		Cancel(ctx context.Context, id int64, reason string) error
	}

	// Config assembles the server's dependencies.
	Config struct {
		// Log is the event store status and event reads are served from.
		// Required.
		Log event.Log
		// Queue is the job transport behind the lease endpoints. Required.
		Queue queue.Queue
		// Catalog backs the playbook and credential endpoints. Required.
		Catalog catalog.Catalog
		// Registry backs the worker membership endpoints. Required.
		Registry registry.Registry
		// Runner starts and cancels executions. Required.
		Runner Runner

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Server is the control API.
	Server struct {
		cfg Config
	}
)

// New validates the configuration and constructs a server. Call Handler to
// obtain the HTTP handler.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("server: Config.Log is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("server: Config.Queue is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("server: Config.Catalog is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("server: Config.Registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("server: Config.Runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{cfg: cfg}, nil
}

// Handler returns the chi router serving the control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.health)

	r.Post("/executions", s.startExecution)
	r.Get("/executions", s.listExecutions)
	r.Get("/executions/{id}/status", s.executionStatus)
	r.Get("/executions/{id}/events", s.executionEvents)
	r.Post("/executions/{id}/cancel", s.cancelExecution)

	r.Post("/events", s.appendEvent)

	r.Post("/workers/register", s.registerWorker)
	r.Post("/workers/{name}/heartbeat", s.heartbeatWorker)
	r.Delete("/workers/{name}", s.deregisterWorker)
	r.Get("/workers", s.listWorkers)

	r.Get("/jobs/lease", s.leaseJob)
	r.Post("/jobs/enqueue", s.enqueueJob)
	r.Get("/jobs/depth", s.queueDepth)
	// Job keys contain slashes, so the settle endpoints take the key in the
	// body instead of the path.
	r.Post("/jobs/ack", s.ackJob)
	r.Post("/jobs/nack", s.nackJob)
	r.Post("/jobs/extend", s.extendJob)

	r.Post("/playbooks", s.registerPlaybook)
	r.Get("/playbooks", s.listPlaybooks)
	r.Get("/playbooks/*", s.getPlaybook)

	r.Post("/credentials", s.putCredential)
	r.Get("/credentials/{name}", s.getCredential)

	return r
}

// observe logs each request and records a latency timer.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.cfg.Clock()
		next.ServeHTTP(ww, r)
		elapsed := s.cfg.Clock().Sub(start)
		s.cfg.Metrics.RecordTimer("noetl.server.request", elapsed,
			"method", r.Method, "status", fmt.Sprintf("%d", ww.Status()))
		s.cfg.Logger.Debug(r.Context(), "request served",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "elapsed", elapsed.String())
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiError is the wire shape of every error response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse is the envelope error payloads travel in.
type errorResponse struct {
	Error apiError `json:"error"`
}

// Error codes used by the API. The client maps them back to the sentinel
// errors of the packages it fronts.
const (
	codeValidation      = "validation_error"
	codeNotFound        = "not_found"
	codeAlreadyRecorded = "already_recorded"
	codeExecutionDone   = "execution_done"
	codeOutOfOrder      = "out_of_order"
	codeNotLeased       = "not_leased"
	codeInternal        = "internal"
)

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func fail(w http.ResponseWriter, status int, code, format string, args ...any) {
	respond(w, status, errorResponse{Error: apiError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}})
}

// decode unmarshals a JSON request body, rejecting unknown garbage early.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
