package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"noetl.io/noetl/config"
	mongocatalog "noetl.io/noetl/features/catalog/mongo"
	pglog "noetl.io/noetl/features/eventlog/postgres"
	redislease "noetl.io/noetl/features/lease/redis"
	redisnotify "noetl.io/noetl/features/notify/redis"
	pulsequeue "noetl.io/noetl/features/queue/pulse"
	redisregistry "noetl.io/noetl/features/registry/redis"
	"noetl.io/noetl/runtime/broker"
	"noetl.io/noetl/runtime/catalog"
	cataloginmem "noetl.io/noetl/runtime/catalog/inmem"
	"noetl.io/noetl/runtime/event"
	eventinmem "noetl.io/noetl/runtime/event/inmem"
	"noetl.io/noetl/runtime/queue"
	queueinmem "noetl.io/noetl/runtime/queue/inmem"
	"noetl.io/noetl/runtime/registry"
	registryinmem "noetl.io/noetl/runtime/registry/inmem"
	"noetl.io/noetl/runtime/telemetry"
	"noetl.io/noetl/server"
)

// cmdServer runs the control API and an embedded broker against the
// configured backends. With the default all-memory configuration it is a
// complete single-process engine.
func cmdServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		configF = fs.String("config", "", "configuration file (YAML)")
		debugF  = fs.Bool("debug", false, "enable debug logs")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}
	if *debugF || cfg.Log.Level == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	p, err := buildPlane(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close(ctx)

	b, err := broker.New(ctx, broker.Config{
		ID:                 cfg.Broker.ID,
		Log:                p.log,
		Queue:              p.queue,
		Catalog:            p.catalog,
		Registry:           p.registry,
		Notifier:           p.notifier,
		Leaser:             p.leaser,
		DiscoveryInterval:  cfg.Broker.DiscoveryInterval,
		MaxConcurrentTicks: cfg.Broker.MaxConcurrentTicks,
		LeaseTTL:           cfg.Broker.LeaseTTL,
		QueueHighWater:     cfg.Broker.QueueHighWater,
		Logger:             telemetry.NewClueLogger(),
		Metrics:            telemetry.NewClueMetrics(),
		Tracer:             telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(ctx, server.Config{
		Log:      p.log,
		Queue:    p.queue,
		Catalog:  p.catalog,
		Registry: p.registry,
		Runner:   b,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewClueMetrics(),
		Tracer:   telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		log.Printf(ctx, "control api listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// plane bundles the backends behind the server and broker along with their
// shutdown hooks.
type plane struct {
	log      event.Log
	queue    queue.Queue
	catalog  catalog.Catalog
	registry registry.Registry
	notifier event.Notifier
	leaser   broker.Leaser

	closers []func(context.Context)
}

func (p *plane) close(ctx context.Context) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i](ctx)
	}
}

// buildPlane constructs each backend named by the configuration. A Redis
// client is opened at most once and shared by the queue, registry, notifier
// and broker leaser.
func buildPlane(ctx context.Context, cfg *config.Config) (*plane, error) {
	p := &plane{}

	var rdb *goredis.Client
	redisClient := func() *goredis.Client {
		if rdb == nil {
			rdb = goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			p.closers = append(p.closers, func(context.Context) { _ = rdb.Close() })
		}
		return rdb
	}

	switch cfg.EventLog.Type {
	case config.BackendPostgres:
		l, err := pglog.New(ctx, pglog.Config{DSN: cfg.EventLog.DSN})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func(context.Context) { l.Close() })
		p.log = l
	default:
		p.log = eventinmem.NewLog()
	}

	switch cfg.Catalog.Type {
	case config.BackendMongo:
		c, err := mongocatalog.New(ctx, mongocatalog.Config{URI: cfg.Catalog.URI, Database: cfg.Catalog.Database})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func(ctx context.Context) { _ = c.Close(ctx) })
		p.catalog = c
	default:
		p.catalog = cataloginmem.New()
	}

	switch cfg.Queue.Type {
	case config.BackendPulse:
		q, err := pulsequeue.New(pulsequeue.Config{Redis: redisClient()})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func(ctx context.Context) { q.Close(ctx) })
		p.queue = q
	default:
		p.queue = queueinmem.New()
	}

	switch cfg.Registry.Type {
	case config.BackendRedis:
		r, err := redisregistry.New(ctx, redisregistry.Config{
			Redis:          redisClient(),
			StaleThreshold: cfg.Registry.StaleThreshold,
		})
		if err != nil {
			return nil, err
		}
		p.registry = r
	default:
		p.registry = registryinmem.New()
	}

	switch cfg.Notify.Type {
	case config.BackendRedis:
		n, err := redisnotify.New(redisnotify.Config{Redis: redisClient()})
		if err != nil {
			return nil, err
		}
		p.notifier = n
	default:
		p.notifier = eventinmem.NewNotifier()
	}
	p.log = event.WithNotify(p.log, p.notifier)

	// With shared Redis available, multiple brokers can spread executions
	// over an advisory lease. Single-process deployments skip it.
	if rdb != nil {
		l, err := redislease.New(rdb)
		if err != nil {
			return nil, err
		}
		p.leaser = l
	}
	return p, nil
}
