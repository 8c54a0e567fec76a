// Package redis implements the broker wake channel on Redis pub/sub.
// Delivery is best-effort by design; brokers keep periodic discovery as the
// source of liveness.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/telemetry"
)

// channel is the pub/sub subject carrying execution ids.
const channel = "noetl:events"

// Notifier is the Redis event.Notifier.
type Notifier struct {
	rdb *goredis.Client
	log telemetry.Logger
}

var _ event.Notifier = (*Notifier)(nil)

// Config assembles the notifier's dependencies.
type Config struct {
	// Redis is the connection used for pub/sub. Required.
	Redis *goredis.Client
	// Logger defaults to a no-op.
	Logger telemetry.Logger
}

// New validates the configuration and returns the notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis notifier: Config.Redis is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Notifier{rdb: cfg.Redis, log: cfg.Logger}, nil
}

// Publish implements event.Notifier.
func (n *Notifier) Publish(ctx context.Context, executionID int64) error {
	if err := n.rdb.Publish(ctx, channel, strconv.FormatInt(executionID, 10)).Err(); err != nil {
		return fmt.Errorf("redis notifier: publish: %w", err)
	}
	return nil
}

// Subscribe implements event.Notifier.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan int64, func(), error) {
	sub := n.rdb.Subscribe(ctx, channel)
	// Force the subscription to establish before we hand the channel out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis notifier: subscribe: %w", err)
	}

	out := make(chan int64, 64)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				id, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					n.log.Warn(ctx, "redis notifier: bad payload", "payload", msg.Payload)
					continue
				}
				select {
				case out <- id:
				default:
					// Slow subscriber: drop, discovery will catch up.
				}
			}
		}
	}()
	return out, stop, nil
}
