// Package pulse implements the job queue on Redis streams through
// goa.design/pulse.
//
// One stream per capability tag, consumed through a shared sink (consumer
// group) so every worker process competes for the same jobs. Enqueue
// idempotency is a Redis SETNX on the job key; delivery remains
// at-least-once, which the event log's tuple guard absorbs. Jobs with a
// future NotBefore are parked in the leasing process until due.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/telemetry"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultSinkName = "noetl-workers"
	DefaultDedupTTL = 24 * time.Hour
)

const eventName = "job"

type (
	// Config assembles the pulse queue's dependencies.
	Config struct {
		// Redis is the connection backing the streams. Required.
		Redis *redis.Client
		// SinkName is the consumer group shared by all workers.
		SinkName string
		// DedupTTL bounds how long enqueue idempotency keys are kept.
		DedupTTL time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Queue is the Redis streams queue.Queue.
	Queue struct {
		cfg Config

		mu      sync.Mutex
		streams map[string]*streaming.Stream
		sinks   map[string]*streaming.Sink
		chans   map[string]<-chan *streaming.Event
		leased  map[string]*lease
		parked  map[string][]*parkedJob
	}

	// lease tracks one delivered, unacked job.
	lease struct {
		evt      *streaming.Event
		tag      string
		worker   string
		deadline time.Time
	}

	// parkedJob holds a delivered job whose NotBefore is still in the
	// future. The stream event stays unacked until the job settles.
	parkedJob struct {
		evt *streaming.Event
		job *queue.Job
	}
)

var _ queue.Queue = (*Queue)(nil)

// New validates the configuration and returns the queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("pulse queue: Config.Redis is required")
	}
	if cfg.SinkName == "" {
		cfg.SinkName = DefaultSinkName
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		cfg:     cfg,
		streams: make(map[string]*streaming.Stream),
		sinks:   make(map[string]*streaming.Sink),
		chans:   make(map[string]<-chan *streaming.Event),
		leased:  make(map[string]*lease),
		parked:  make(map[string][]*parkedJob),
	}, nil
}

// Close stops the sinks.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sink := range q.sinks {
		sink.Close(ctx)
	}
	q.sinks = make(map[string]*streaming.Sink)
	q.chans = make(map[string]<-chan *streaming.Event)
}

func streamName(tag string) string   { return "noetl-jobs-" + tag }
func dedupKey(key string) string     { return "noetl:queue:dedup:" + key }
func leaseKey(key string) string     { return "noetl:queue:lease:" + key }
func depthCounter(tag string) string { return "noetl:queue:depth:" + tag }

// stream returns the tag's stream handle, creating it on first use.
func (q *Queue) stream(tag string) (*streaming.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[tag]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(streamName(tag), q.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("pulse queue: open stream %q: %w", tag, err)
	}
	q.streams[tag] = s
	return s, nil
}

// events returns the tag's delivery channel, creating the sink on first use.
func (q *Queue) events(ctx context.Context, tag string) (<-chan *streaming.Event, error) {
	q.mu.Lock()
	if ch, ok := q.chans[tag]; ok {
		q.mu.Unlock()
		return ch, nil
	}
	q.mu.Unlock()

	s, err := q.stream(tag)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.chans[tag]; ok {
		return ch, nil
	}
	sink, err := s.NewSink(ctx, q.cfg.SinkName)
	if err != nil {
		return nil, fmt.Errorf("pulse queue: open sink for %q: %w", tag, err)
	}
	q.sinks[tag] = sink
	q.chans[tag] = sink.Subscribe()
	return q.chans[tag], nil
}

// Enqueue implements queue.Queue. The dedup key makes retried enqueues of
// the same job a no-op.
func (q *Queue) Enqueue(ctx context.Context, j *queue.Job) error {
	fresh, err := q.cfg.Redis.SetNX(ctx, dedupKey(j.Key()), "1", q.cfg.DedupTTL).Result()
	if err != nil {
		return fmt.Errorf("pulse queue: dedup %q: %w", j.Key(), err)
	}
	if !fresh {
		return nil
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("pulse queue: encode job %q: %w", j.Key(), err)
	}
	s, err := q.stream(j.Capability)
	if err != nil {
		return err
	}
	if _, err := s.Add(ctx, eventName, payload); err != nil {
		// Roll the dedup key back so the caller's retry can reach the stream.
		_ = q.cfg.Redis.Del(ctx, dedupKey(j.Key())).Err()
		return fmt.Errorf("pulse queue: add job %q: %w", j.Key(), err)
	}
	if err := q.cfg.Redis.Incr(ctx, depthCounter(j.Capability)).Err(); err != nil {
		q.cfg.Logger.Warn(ctx, "pulse queue: depth counter", "tag", j.Capability, "err", err)
	}
	return nil
}

// Lease implements queue.Queue. Parked jobs whose NotBefore has passed are
// served before new stream deliveries.
func (q *Queue) Lease(ctx context.Context, capability, workerID string, d time.Duration) (*queue.LeasedJob, error) {
	if p := q.unpark(capability); p != nil {
		return q.grant(ctx, p.evt, p.job, capability, workerID, d)
	}
	ch, err := q.events(ctx, capability)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil, queue.ErrEmpty
			}
			var job queue.Job
			if err := json.Unmarshal(evt.Payload, &job); err != nil {
				// Poisoned payload: ack it away and keep draining.
				q.cfg.Logger.Error(ctx, "pulse queue: undecodable job dropped", "tag", capability, "err", err)
				q.ackEvent(ctx, capability, evt)
				_ = q.cfg.Redis.Decr(ctx, depthCounter(capability)).Err()
				continue
			}
			if job.NotBefore != nil && job.NotBefore.After(time.Now()) {
				q.park(capability, &parkedJob{evt: evt, job: &job})
				continue
			}
			return q.grant(ctx, evt, &job, capability, workerID, d)
		default:
			return nil, queue.ErrEmpty
		}
	}
}

// grant records the lease and hands the job to the worker.
func (q *Queue) grant(ctx context.Context, evt *streaming.Event, job *queue.Job, tag, workerID string, d time.Duration) (*queue.LeasedJob, error) {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	q.leased[job.Key()] = &lease{evt: evt, tag: tag, worker: workerID, deadline: deadline}
	q.mu.Unlock()
	if err := q.cfg.Redis.Set(ctx, leaseKey(job.Key()), workerID, d).Err(); err != nil {
		q.cfg.Logger.Warn(ctx, "pulse queue: lease marker", "job", job.Key(), "err", err)
	}
	return &queue.LeasedJob{Job: *job, LeaseDeadline: deadline}, nil
}

// unpark pops the first due parked job for the tag.
func (q *Queue) unpark(tag string) *parkedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.parked[tag]
	now := time.Now()
	for i, p := range jobs {
		if p.job.NotBefore == nil || !p.job.NotBefore.After(now) {
			q.parked[tag] = append(jobs[:i:i], jobs[i+1:]...)
			return p
		}
	}
	return nil
}

func (q *Queue) park(tag string, p *parkedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked[tag] = append(q.parked[tag], p)
}

// take removes and returns the lease entry after validating ownership.
func (q *Queue) take(key, workerID string, remove bool) (*lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leased[key]
	if !ok {
		return nil, queue.ErrUnknownJob
	}
	if l.worker != workerID {
		return nil, queue.ErrNotLeased
	}
	if remove {
		delete(q.leased, key)
	}
	return l, nil
}

// Extend implements queue.Queue.
func (q *Queue) Extend(ctx context.Context, key, workerID string, d time.Duration) error {
	l, err := q.take(key, workerID, false)
	if err != nil {
		return err
	}
	q.mu.Lock()
	l.deadline = time.Now().Add(d)
	q.mu.Unlock()
	if err := q.cfg.Redis.PExpire(ctx, leaseKey(key), d).Err(); err != nil {
		return fmt.Errorf("pulse queue: extend %q: %w", key, err)
	}
	return nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, key, workerID string) error {
	l, err := q.take(key, workerID, true)
	if err != nil {
		return err
	}
	q.ackEvent(ctx, l.tag, l.evt)
	if err := q.cfg.Redis.Decr(ctx, depthCounter(l.tag)).Err(); err != nil {
		q.cfg.Logger.Warn(ctx, "pulse queue: depth counter", "tag", l.tag, "err", err)
	}
	_ = q.cfg.Redis.Del(ctx, leaseKey(key)).Err()
	return nil
}

// Nack implements queue.Queue: the payload goes back on the stream and the
// original delivery is acked.
func (q *Queue) Nack(ctx context.Context, key, workerID, reason string) error {
	l, err := q.take(key, workerID, true)
	if err != nil {
		return err
	}
	s, err := q.stream(l.tag)
	if err != nil {
		return err
	}
	if _, err := s.Add(ctx, eventName, l.evt.Payload); err != nil {
		return fmt.Errorf("pulse queue: requeue %q: %w", key, err)
	}
	q.cfg.Logger.Debug(ctx, "pulse queue: job requeued", "job", key, "reason", reason)
	q.ackEvent(ctx, l.tag, l.evt)
	_ = q.cfg.Redis.Del(ctx, leaseKey(key)).Err()
	return nil
}

// ackEvent acknowledges a stream delivery and settles the depth counter.
func (q *Queue) ackEvent(ctx context.Context, tag string, evt *streaming.Event) {
	q.mu.Lock()
	sink := q.sinks[tag]
	q.mu.Unlock()
	if sink != nil {
		if err := sink.Ack(ctx, evt); err != nil {
			q.cfg.Logger.Warn(ctx, "pulse queue: ack", "tag", tag, "err", err)
		}
	}
}

// Depth implements queue.Queue. The counter moves on enqueue and ack, so it
// counts waiting plus leased jobs.
func (q *Queue) Depth(ctx context.Context, capability string) (int, error) {
	n, err := q.cfg.Redis.Get(ctx, depthCounter(capability)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pulse queue: depth %q: %w", capability, err)
	}
	return n, nil
}
