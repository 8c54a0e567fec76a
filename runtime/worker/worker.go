// Package worker leases jobs from the queue, runs their tool adapters and
// publishes step transitions back to the event log through the control
// plane. Delivery is at-least-once; the log's idempotency tuple turns the
// worker's publishes into exactly-once progression, so a worker never needs
// to know whether it is the first to run an attempt.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/registry"
	"noetl.io/noetl/runtime/telemetry"
	"noetl.io/noetl/runtime/tool"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultMaxConcurrency    = 4
	DefaultLeaseDuration     = 60 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultProgressInterval  = 5 * time.Second
)

type (
	// Config assembles a worker's identity and dependencies.
	Config struct {
		// Name uniquely identifies the worker in the pool.
		Name string
		// Capabilities are the queue tags the worker drains. Defaults to
		// the tags of the registered tool adapters' capabilities.
		Capabilities []string
		// MaxConcurrency is the number of concurrent job slots.
		MaxConcurrency int

		// Queue is the job transport. Required.
		Queue queue.Queue
		// Control is the worker's view of the control plane. Required.
		Control Control
		// Registry is the worker pool membership store. Optional: a worker
		// without one still runs but is invisible to List.
		Registry registry.Registry
		// Tools maps tool kinds to adapters. Defaults to the builtins.
		Tools *tool.Registry
		// Savers maps save storages. Optional.
		Savers *tool.Savers

		// LeaseDuration, HeartbeatInterval, PollInterval and
		// ProgressInterval default to the package constants when zero.
		LeaseDuration     time.Duration
		HeartbeatInterval time.Duration
		PollInterval      time.Duration
		ProgressInterval  time.Duration

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Worker drains job queues and executes tool adapters.
	Worker struct {
		cfg Config
	}
)

// New validates the configuration and constructs a worker. Call Run to
// start draining.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: Config.Queue is required")
	}
	if cfg.Control == nil {
		return nil, fmt.Errorf("worker: Config.Control is required")
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.Builtin()
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaultCapabilities(cfg.Tools)
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
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
	return &Worker{cfg: cfg}, nil
}

// Run registers the worker, starts the heartbeat and drains jobs on
// MaxConcurrency slots until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Registry != nil {
		err := w.cfg.Registry.Register(ctx, registry.WorkerInfo{
			Name:           w.cfg.Name,
			Capabilities:   w.cfg.Capabilities,
			MaxConcurrency: w.cfg.MaxConcurrency,
		})
		if err != nil {
			return fmt.Errorf("worker: register: %w", err)
		}
		defer func() {
			// Use a fresh context: the run context is already cancelled on
			// the shutdown path.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.cfg.Registry.Deregister(dctx, w.cfg.Name); err != nil {
				w.cfg.Logger.Warn(dctx, "worker: deregister failed", "worker", w.cfg.Name, "err", err)
			}
		}()
	}
	w.cfg.Logger.Info(ctx, "worker running",
		"worker", w.cfg.Name, "capabilities", w.cfg.Capabilities, "slots", w.cfg.MaxConcurrency)

	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.Registry != nil {
		g.Go(func() error { return w.heartbeat(ctx) })
	}
	for i := 0; i < w.cfg.MaxConcurrency; i++ {
		g.Go(func() error { return w.slot(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeat refreshes the registry entry until shutdown.
func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.cfg.Registry.Heartbeat(ctx, w.cfg.Name); err != nil {
				w.cfg.Logger.Warn(ctx, "worker: heartbeat failed", "worker", w.cfg.Name, "err", err)
			}
		}
	}
}

// slot is one lease-execute-ack loop, paced by a rate limiter so idle
// workers do not hammer the queue.
func (w *Worker) slot(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(w.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		for _, tag := range w.cfg.Capabilities {
			job, err := w.cfg.Queue.Lease(ctx, tag, w.cfg.Name, w.cfg.LeaseDuration)
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if err != nil {
				w.cfg.Logger.Error(ctx, "worker: lease failed", "capability", tag, "err", err)
				continue
			}
			w.process(ctx, job)
		}
	}
}

// defaultCapabilities derives the capability tags from the registered
// adapters.
func defaultCapabilities(tools *tool.Registry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, kind := range tools.Kinds() {
		t, err := tools.Lookup(kind)
		if err != nil {
			continue
		}
		if _, dup := seen[t.Capability()]; dup {
			continue
		}
		seen[t.Capability()] = struct{}{}
		out = append(out, t.Capability())
	}
	return out
}
