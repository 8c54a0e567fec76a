// Package redis implements the worker registry on a pulse replicated map,
// so every broker and server process shares one membership view.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"noetl.io/noetl/runtime/registry"
)

// mapName is the replicated map holding worker records.
const mapName = "noetl-workers"

type (
	// Config assembles the registry's dependencies.
	Config struct {
		// Redis is the connection backing the replicated map. Required.
		Redis *goredis.Client
		// StaleThreshold is the heartbeat age past which a worker reads as
		// OFFLINE. Defaults to registry.DefaultStaleThreshold.
		StaleThreshold time.Duration
		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Registry is the Redis-backed registry.Registry.
	Registry struct {
		cfg Config
		m   *rmap.Map
	}

	// record is the stored shape of one worker.
	record struct {
		Name           string    `json:"name"`
		Capabilities   []string  `json:"capabilities"`
		MaxConcurrency int       `json:"max_concurrency"`
		LastHeartbeat  time.Time `json:"last_heartbeat"`
	}
)

var _ registry.Registry = (*Registry)(nil)

// New joins the replicated map and returns the registry.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis registry: Config.Redis is required")
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = registry.DefaultStaleThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	m, err := rmap.Join(ctx, mapName, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis registry: join map: %w", err)
	}
	return &Registry{cfg: cfg, m: m}, nil
}

// Register implements registry.Registry.
func (r *Registry) Register(ctx context.Context, info registry.WorkerInfo) error {
	rec := record{
		Name:           info.Name,
		Capabilities:   info.Capabilities,
		MaxConcurrency: info.MaxConcurrency,
		LastHeartbeat:  r.cfg.Clock().UTC(),
	}
	return r.store(ctx, rec)
}

// Heartbeat implements registry.Registry.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	rec, err := r.load(name)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = r.cfg.Clock().UTC()
	return r.store(ctx, *rec)
}

// Deregister implements registry.Registry. Removing an unknown worker is a
// no-op.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if _, err := r.m.Delete(ctx, name); err != nil {
		return fmt.Errorf("redis registry: deregister %q: %w", name, err)
	}
	return nil
}

// List implements registry.Registry.
func (r *Registry) List(_ context.Context) ([]registry.WorkerInfo, error) {
	keys := r.m.Keys()
	sort.Strings(keys)
	out := make([]registry.WorkerInfo, 0, len(keys))
	for _, name := range keys {
		rec, err := r.load(name)
		if err != nil {
			// Deleted between Keys and Get.
			continue
		}
		out = append(out, r.info(rec))
	}
	return out, nil
}

// Eligible implements registry.Registry.
func (r *Registry) Eligible(ctx context.Context, tag string) (bool, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	for i := range workers {
		if workers[i].Eligible(tag) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) store(ctx context.Context, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis registry: encode %q: %w", rec.Name, err)
	}
	if _, err := r.m.Set(ctx, rec.Name, string(raw)); err != nil {
		return fmt.Errorf("redis registry: store %q: %w", rec.Name, err)
	}
	return nil
}

func (r *Registry) load(name string) (*record, error) {
	raw, ok := r.m.Get(name)
	if !ok {
		return nil, registry.ErrNotFound
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("redis registry: decode %q: %w", name, err)
	}
	return &rec, nil
}

// info derives the read-time status from heartbeat age.
func (r *Registry) info(rec *record) registry.WorkerInfo {
	status := registry.StatusReady
	if r.cfg.Clock().Sub(rec.LastHeartbeat) > r.cfg.StaleThreshold {
		status = registry.StatusOffline
	}
	return registry.WorkerInfo{
		Name:           rec.Name,
		Capabilities:   rec.Capabilities,
		MaxConcurrency: rec.MaxConcurrency,
		LastHeartbeat:  rec.LastHeartbeat,
		Status:         status,
	}
}
