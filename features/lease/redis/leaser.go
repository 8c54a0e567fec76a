// Package redis implements the broker's advisory execution lease on Redis
// SET NX PX. Losing a lease never corrupts anything; the event log's
// compare-and-append remains the correctness guard.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only when the caller still owns it.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Leaser is the Redis advisory lock.
type Leaser struct {
	rdb *goredis.Client
}

// New returns a Leaser on the given connection.
func New(rdb *goredis.Client) (*Leaser, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis leaser: client is required")
	}
	return &Leaser{rdb: rdb}, nil
}

// Acquire takes the lease with SET NX PX, or refreshes it when the owner
// already holds it.
func (l *Leaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis leaser: acquire %q: %w", key, err)
	}
	if ok {
		return true, nil
	}
	refreshed, err := refreshScript.Run(ctx, l.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis leaser: refresh %q: %w", key, err)
	}
	return refreshed == 1, nil
}

// Release drops the lease if the owner still holds it.
func (l *Leaser) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("redis leaser: release %q: %w", key, err)
	}
	return nil
}
