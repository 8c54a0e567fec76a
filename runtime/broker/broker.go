// Package broker drives executions forward. A broker owns no state of its
// own: every tick reads an execution's event log, folds it, plans the next
// actions with the interpreter and applies them with compare-and-append.
// Any number of brokers can run against the same log; conflicts are safe
// and merely cost a wasted tick.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/interpreter"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/registry"
	"noetl.io/noetl/runtime/telemetry"
)

// Defaults applied when the corresponding Config field is zero.
const (
	// DefaultDiscoveryInterval is how often the broker scans the log for
	// live executions, independent of notifications.
	DefaultDiscoveryInterval = 3 * time.Second
	// DefaultMaxConcurrentTicks caps executions ticked in parallel.
	DefaultMaxConcurrentTicks = 8
	// DefaultLeaseTTL is the advisory per-execution lease duration.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultQueueHighWater is the per-capability queue depth above which
	// new enqueues are deferred to the next tick.
	DefaultQueueHighWater = 1024
)

type (
	// Leaser is an optional advisory lock that spreads executions across
	// brokers. It is a latency optimization only: correctness comes from
	// compare-and-append, so a lost or expired lease is harmless.
	Leaser interface {
		// Acquire takes or refreshes the lease. It reports false when
		// another owner holds it.
		Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
		// Release drops the lease if owner still holds it.
		Release(ctx context.Context, key, owner string) error
	}

	// Config assembles a broker's dependencies and tuning.
	Config struct {
		// ID names this broker instance for lease ownership and logs.
		ID string

		// Log is the durable event store. Required.
		Log event.Log
		// Queue is the job transport. Required.
		Queue queue.Queue
		// Catalog resolves playbooks. Required.
		Catalog catalog.Catalog
		// Registry is consulted for logging worker availability. Optional.
		Registry registry.Registry
		// Notifier wakes the broker on log appends. Optional; discovery
		// alone keeps executions live.
		Notifier event.Notifier
		// Leaser spreads executions across broker instances. Optional.
		Leaser Leaser

		// Interpreter tunes the planning decision procedure.
		Interpreter interpreter.Config

		// DiscoveryInterval, MaxConcurrentTicks, LeaseTTL and QueueHighWater
		// default to the package constants when zero.
		DiscoveryInterval  time.Duration
		MaxConcurrentTicks int
		LeaseTTL           time.Duration
		QueueHighWater     int

		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Broker schedules live executions.
	Broker struct {
		cfg Config

		wakeCh chan int64

		mu sync.Mutex
		// ticking marks executions with a tick in flight; again marks those
		// that were woken meanwhile and need another tick.
		ticking map[int64]bool
		again   map[int64]bool
		// timers holds pending revisit wake-ups.
		timers map[int64]*time.Timer
		// deferred holds jobs held back by queue backpressure, keyed by
		// execution. Enqueue is idempotent so flushing retries are safe.
		deferred map[int64][]*queue.Job
	}
)

// New validates the configuration and constructs a broker. Call Run to
// start scheduling.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("broker: Config.Log is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("broker: Config.Queue is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("broker: Config.Catalog is required")
	}
	if cfg.ID == "" {
		cfg.ID = "broker-" + uuid.NewString()[:8]
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.MaxConcurrentTicks <= 0 {
		cfg.MaxConcurrentTicks = DefaultMaxConcurrentTicks
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.QueueHighWater <= 0 {
		cfg.QueueHighWater = DefaultQueueHighWater
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
	return &Broker{
		cfg:      cfg,
		wakeCh:   make(chan int64, 256),
		ticking:  make(map[int64]bool),
		again:    make(map[int64]bool),
		timers:   make(map[int64]*time.Timer),
		deferred: make(map[int64][]*queue.Job),
	}, nil
}

// Run schedules live executions until the context is cancelled. Notification
// delivery is best-effort; the discovery ticker is the liveness guarantee.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if b.cfg.Notifier != nil {
		ch, stop, err := b.cfg.Notifier.Subscribe(ctx)
		if err != nil {
			b.cfg.Logger.Warn(ctx, "broker: notification subscribe failed, discovery only", "err", err)
		} else {
			g.Go(func() error {
				defer stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case id, ok := <-ch:
						if !ok {
							return nil
						}
						b.Wake(id)
					}
				}
			})
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(b.cfg.DiscoveryInterval)
		defer ticker.Stop()
		for {
			b.discover(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		ticks, _ := errgroup.WithContext(ctx)
		ticks.SetLimit(b.cfg.MaxConcurrentTicks)
		defer ticks.Wait() //nolint:errcheck // tick errors are logged, not returned
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case id := <-b.wakeCh:
				if !b.begin(id) {
					continue
				}
				ticks.Go(func() error {
					b.runTick(ctx, id)
					return nil
				})
			}
		}
	})

	err := g.Wait()
	b.stopTimers()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Wake requests a tick for the execution. Safe from any goroutine; a full
// wake buffer drops the request and discovery picks the execution up.
func (b *Broker) Wake(executionID int64) {
	select {
	case b.wakeCh <- executionID:
	default:
	}
}

// discover wakes every live execution.
func (b *Broker) discover(ctx context.Context) {
	ids, err := b.cfg.Log.LiveExecutions(ctx)
	if err != nil {
		b.cfg.Logger.Error(ctx, "broker: discovery failed", "err", err)
		return
	}
	b.cfg.Metrics.RecordGauge("noetl.broker.live_executions", float64(len(ids)))
	for _, id := range ids {
		b.Wake(id)
	}
}

// begin marks a tick as in flight. When one already runs for the execution
// it records the wake instead, so ticks per execution stay serialized.
func (b *Broker) begin(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticking[id] {
		b.again[id] = true
		return false
	}
	b.ticking[id] = true
	return true
}

// finish clears the in-flight mark and reports whether a re-tick is due.
func (b *Broker) finish(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ticking, id)
	if b.again[id] {
		delete(b.again, id)
		return true
	}
	return false
}

// runTick executes one tick and reschedules as needed. Tick errors are
// logged, never fatal: the next discovery pass retries.
func (b *Broker) runTick(ctx context.Context, id int64) {
	start := b.cfg.Clock()
	again, err := b.tick(ctx, id)
	b.cfg.Metrics.RecordTimer("noetl.broker.tick", b.cfg.Clock().Sub(start))
	if err != nil {
		b.cfg.Metrics.IncCounter("noetl.broker.tick_errors", 1)
		b.cfg.Logger.Error(ctx, "broker: tick failed", "execution_id", id, "err", err)
	}
	if b.finish(id) || again {
		b.Wake(id)
	}
}

// revisit arms a wake-up at t, keeping the earliest pending one.
func (b *Broker) revisit(id int64, t time.Time) {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.timers[id]; ok {
		old.Stop()
	}
	b.timers[id] = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, id)
		b.mu.Unlock()
		b.Wake(id)
	})
}

func (b *Broker) stopTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}
