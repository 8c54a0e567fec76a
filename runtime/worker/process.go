package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/template"
	"noetl.io/noetl/runtime/tool"
)

// process runs one leased job end to end. Every exit path settles the
// lease: ack when the attempt's outcome is recorded (by us or anyone
// before us), nack when a transient fault leaves the outcome open.
func (w *Worker) process(ctx context.Context, leased *queue.LeasedJob) {
	job := &leased.Job
	key := job.Key()
	started := w.cfg.Clock()
	w.cfg.Logger.Debug(ctx, "job leased", "job", key, "tool", job.Tool, "worker", w.cfg.Name)

	// A cancelled or otherwise finished execution makes the job moot.
	status, err := w.cfg.Control.ExecutionStatus(ctx, job.ExecutionID)
	if err != nil {
		w.nack(ctx, key, fmt.Sprintf("status probe: %v", err))
		return
	}
	if status.Terminal() {
		w.ack(ctx, key)
		return
	}

	err = w.publish(ctx, job, event.KindStepStarted, event.StepStarted{Worker: w.cfg.Name})
	switch {
	case err == nil:
	case errors.Is(err, projection.ErrAlreadyRecorded), errors.Is(err, projection.ErrExecutionDone):
		// Duplicate delivery: the attempt already ran somewhere.
		w.ack(ctx, key)
		return
	default:
		w.nack(ctx, key, fmt.Sprintf("publish step_started: %v", err))
		return
	}

	result, execErr := w.execute(ctx, leased)

	// Re-probe before the terminal publish so a cancellation during a long
	// run releases the job without recording an outcome.
	if status, err := w.cfg.Control.ExecutionStatus(ctx, job.ExecutionID); err == nil && status.Terminal() {
		w.ack(ctx, key)
		return
	}

	if execErr != nil {
		reason, retryable := tool.Classify(execErr)
		err = w.publish(ctx, job, event.KindStepFailed, event.StepFailed{
			Reason:    reason,
			Error:     execErr.Error(),
			Retryable: retryable,
		})
	} else {
		err = w.publish(ctx, job, event.KindStepCompleted, event.StepCompleted{Result: result})
	}
	switch {
	case err == nil:
	case errors.Is(err, projection.ErrAlreadyRecorded), errors.Is(err, projection.ErrExecutionDone):
	default:
		w.nack(ctx, key, fmt.Sprintf("publish terminal: %v", err))
		return
	}

	if execErr == nil && job.Save != nil {
		w.save(ctx, job, result)
	}

	w.ack(ctx, key)
	w.cfg.Metrics.RecordTimer("noetl.worker.job", w.cfg.Clock().Sub(started),
		"tool", job.Tool, "outcome", outcome(execErr))
}

// execute resolves secrets, applies the step timeout and invokes the tool
// adapter, extending the lease while the tool runs.
func (w *Worker) execute(ctx context.Context, leased *queue.LeasedJob) (any, error) {
	job := &leased.Job

	adapter, err := w.cfg.Tools.Lookup(job.Tool)
	if err != nil {
		return nil, tool.Errorf(event.ReasonToolError, false, "%v", err)
	}

	spec, args, saveSpec, err := w.renderSecrets(ctx, job)
	if err != nil {
		return nil, err
	}
	if saveSpec != nil {
		job.Save.Spec = saveSpec
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if job.TimeoutSeconds > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, time.Duration(job.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	stopExtend := w.keepLease(execCtx, job.Key())
	defer stopExtend()

	return w.run(execCtx, adapter, job, spec, args)
}

func (w *Worker) run(ctx context.Context, adapter tool.Tool, job *queue.Job, spec, args map[string]any) (any, error) {
	res, err := adapter.Execute(ctx, &tool.ExecRequest{
		ExecutionID: job.ExecutionID,
		StepName:    job.StepName,
		Attempt:     job.Attempt,
		Spec:        spec,
		Args:        args,
		Workload:    job.Snapshot.Workload,
		Vars:        job.Snapshot.Vars,
		Item:        job.Snapshot.Item,
		Progress:    w.progressSink(ctx, job),
	})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// renderSecrets performs the second resolution pass: credential payloads
// are fetched from the catalog and bound under secret.<alias>, then the
// deferred fragments in spec, args and save resolve against them. A
// credential fetch failure is retryable: the catalog may be briefly away.
func (w *Worker) renderSecrets(ctx context.Context, job *queue.Job) (spec, args, saveSpec map[string]any, err error) {
	if len(job.Snapshot.Credentials) == 0 {
		return job.Spec, job.Args, nil, nil
	}
	secrets := make(map[string]any, len(job.Snapshot.Credentials))
	for alias, name := range job.Snapshot.Credentials {
		cred, err := w.cfg.Control.Credential(ctx, name)
		if err != nil {
			return nil, nil, nil, tool.Errorf(event.ReasonToolError, true, "resolve credential %q: %v", name, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(cred.Payload, &payload); err != nil {
			return nil, nil, nil, tool.Errorf(event.ReasonToolError, false, "credential %q payload: %v", name, err)
		}
		secrets[alias] = payload
	}
	scope := template.NewScope().
		WithWorkload(job.Snapshot.Workload).
		WithVars(job.Snapshot.Vars).
		WithSecrets(secrets)
	if job.LoopIndex != nil {
		scope.WithItem(job.Snapshot.Item, *job.LoopIndex)
	}

	if spec, err = template.ResolveMap(job.Spec, scope); err != nil {
		return nil, nil, nil, tool.Errorf(event.ReasonUnresolvedRef, false, "spec: %v", err)
	}
	if args, err = template.ResolveMap(job.Args, scope); err != nil {
		return nil, nil, nil, tool.Errorf(event.ReasonUnresolvedRef, false, "args: %v", err)
	}
	if job.Save != nil {
		if saveSpec, err = template.ResolveMap(job.Save.Spec, scope); err != nil {
			return nil, nil, nil, tool.Errorf(event.ReasonUnresolvedRef, false, "save: %v", err)
		}
	}
	return spec, args, saveSpec, nil
}

// progressSink throttles advisory progress into step_progress events.
// Publish failures are ignored: progress is best-effort.
func (w *Worker) progressSink(ctx context.Context, job *queue.Job) tool.ProgressSink {
	var last time.Time
	return func(data any) {
		now := w.cfg.Clock()
		if !last.IsZero() && now.Sub(last) < w.cfg.ProgressInterval {
			return
		}
		last = now
		if err := w.publish(ctx, job, event.KindStepProgress, event.StepProgress{Data: data}); err != nil {
			w.cfg.Logger.Debug(ctx, "worker: progress publish failed", "job", job.Key(), "err", err)
		}
	}
}

// keepLease extends the job lease periodically until the returned stop
// function is called.
func (w *Worker) keepLease(ctx context.Context, key string) func() {
	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.cfg.Queue.Extend(ctx, key, w.cfg.Name, w.cfg.LeaseDuration); err != nil {
					w.cfg.Logger.Warn(ctx, "worker: lease extend failed", "job", key, "err", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// save persists the result through the registered saver for the storage.
// Save failures do not fail the step: the result is already recorded.
func (w *Worker) save(ctx context.Context, job *queue.Job, result any) {
	if w.cfg.Savers == nil {
		w.cfg.Logger.Warn(ctx, "worker: no savers registered", "job", job.Key(), "storage", job.Save.Storage)
		return
	}
	saver, ok := w.cfg.Savers.Lookup(job.Save.Storage)
	if !ok {
		w.cfg.Logger.Warn(ctx, "worker: unknown save storage", "job", job.Key(), "storage", job.Save.Storage)
		return
	}
	if err := saver.Save(ctx, job.Save.Spec, result); err != nil {
		w.cfg.Logger.Error(ctx, "worker: save failed", "job", job.Key(), "storage", job.Save.Storage, "err", err)
		w.cfg.Metrics.IncCounter("noetl.worker.save_failures", 1, "storage", job.Save.Storage)
	}
}

func (w *Worker) publish(ctx context.Context, job *queue.Job, kind event.Kind, payload any) error {
	raw, err := event.Encode(payload)
	if err != nil {
		return err
	}
	return w.cfg.Control.PublishEvent(ctx, &event.Event{
		ExecutionID: job.ExecutionID,
		Kind:        kind,
		StepName:    job.StepName,
		Attempt:     job.Attempt,
		LoopIndex:   job.LoopIndex,
		Payload:     raw,
	})
}

func (w *Worker) ack(ctx context.Context, key string) {
	if err := w.cfg.Queue.Ack(ctx, key, w.cfg.Name); err != nil {
		w.cfg.Logger.Warn(ctx, "worker: ack failed", "job", key, "err", err)
	}
}

func (w *Worker) nack(ctx context.Context, key, reason string) {
	if err := w.cfg.Queue.Nack(ctx, key, w.cfg.Name, reason); err != nil {
		w.cfg.Logger.Warn(ctx, "worker: nack failed", "job", key, "err", err)
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}
