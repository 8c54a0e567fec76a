// Package inmem provides the in-memory event log and notifier used by tests
// and the local executor profile. It enforces the same append guards as the
// durable backends: compare-and-append on sequence, terminal-event fencing,
// and step-terminal tuple idempotency.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"noetl.io/noetl/runtime/event"
)

// Log is an in-memory event.Log.
type Log struct {
	mu     sync.Mutex
	events map[int64][]event.Event
	nextID int64
}

var _ event.Log = (*Log)(nil)

// NewLog creates an empty in-memory log.
func NewLog() *Log {
	return &Log{events: make(map[int64][]event.Event)}
}

// Append implements event.Log.
func (l *Log) Append(_ context.Context, e event.Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("event log: unknown kind %q", e.Kind)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	evs := l.events[e.ExecutionID]
	if n := len(evs); n > 0 && evs[n-1].Kind.Terminal() {
		return event.ErrTerminal
	}
	if e.Seq != int64(len(evs)) {
		return &event.ConflictError{ExecutionID: e.ExecutionID, CurrentSeq: int64(len(evs))}
	}
	if e.Kind.StepTerminal() {
		tuple := e.Tuple()
		for i := range evs {
			if evs[i].Kind.StepTerminal() && evs[i].Tuple() == tuple {
				return event.ErrDuplicateTerminal
			}
		}
	}
	l.events[e.ExecutionID] = append(evs, e)
	return nil
}

// Read implements event.Log.
func (l *Log) Read(_ context.Context, executionID, fromSeq int64) ([]event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evs, ok := l.events[executionID]
	if !ok {
		return nil, event.ErrNotFound
	}
	if fromSeq >= int64(len(evs)) {
		return nil, nil
	}
	out := make([]event.Event, len(evs[fromSeq:]))
	copy(out, evs[fromSeq:])
	return out, nil
}

// LiveExecutions implements event.Log.
func (l *Log) LiveExecutions(_ context.Context) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var live []int64
	for id, evs := range l.events {
		if n := len(evs); n == 0 || !evs[n-1].Kind.Terminal() {
			live = append(live, id)
		}
	}
	return live, nil
}

// Executions implements event.Log.
func (l *Log) Executions(_ context.Context) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int64, 0, len(l.events))
	for id := range l.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// AllocateExecutionID implements event.Log.
func (l *Log) AllocateExecutionID(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	return l.nextID, nil
}

// Notifier is an in-process event.Notifier fanning execution ids out to all
// subscribers. Slow subscribers drop notifications instead of blocking
// publishers.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan int64
	next int
}

var _ event.Notifier = (*Notifier)(nil)

// NewNotifier creates an in-process notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan int64)}
}

// Publish implements event.Notifier.
func (n *Notifier) Publish(_ context.Context, executionID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- executionID:
		default:
		}
	}
	return nil
}

// Subscribe implements event.Notifier.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan int64, func(), error) {
	ch := make(chan int64, 64)
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}
