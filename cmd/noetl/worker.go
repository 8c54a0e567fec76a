package main

import (
	"context"
	"errors"
	"flag"

	"goa.design/clue/log"

	"noetl.io/noetl/config"
	"noetl.io/noetl/runtime/telemetry"
	"noetl.io/noetl/runtime/worker"
	"noetl.io/noetl/server"
)

// cmdWorker runs a worker process against a remote control server. The HTTP
// client stands in for the queue, control plane and registry so the worker
// runtime is identical to an in-process one.
func cmdWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	var (
		configF = fs.String("config", "", "configuration file (YAML)")
		urlF    = fs.String("url", "", "control server URL (overrides configuration)")
		nameF   = fs.String("name", "", "worker name (overrides configuration)")
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
	if *urlF != "" {
		cfg.Server.URL = *urlF
	}
	if *nameF != "" {
		cfg.Worker.Name = *nameF
	}

	client := server.NewClient(cfg.Server.URL)
	w, err := worker.New(ctx, worker.Config{
		Name:              cfg.Worker.Name,
		Capabilities:      cfg.Worker.Capabilities,
		MaxConcurrency:    cfg.Worker.MaxConcurrency,
		Queue:             client,
		Control:           client,
		Registry:          client,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		ProgressInterval:  cfg.Worker.ProgressInterval,
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewClueMetrics(),
		Tracer:            telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	log.Print(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "server", V: cfg.Server.URL})
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
