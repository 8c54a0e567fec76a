package broker

import (
	"context"
	"errors"
	"fmt"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/interpreter"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/template"
)

// StartExecution opens a new root execution of the playbook at (path,
// version): it merges the caller payload over the playbook's workload
// defaults, renders the playbook vars once, allocates an id and appends
// execution_started. The first tick follows immediately.
func (b *Broker) StartExecution(ctx context.Context, path, version string, payload map[string]any) (int64, error) {
	entry, err := b.cfg.Catalog.Lookup(ctx, path, version)
	if err != nil {
		return 0, err
	}
	workload := mergeWorkload(entry.Playbook.Workload, payload)
	vars, err := renderVars(entry.Playbook, workload)
	if err != nil {
		return 0, fmt.Errorf("render vars for %s: %w", entry.Path, err)
	}

	id, err := b.cfg.Log.AllocateExecutionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate execution: %w", err)
	}
	err = b.appendAt(ctx, id, 0, &interpreter.AppendEvent{
		Kind: event.KindExecutionStarted,
		Payload: event.ExecutionStarted{
			PlaybookPath:    entry.Path,
			PlaybookVersion: entry.Version,
			Workload:        workload,
			Vars:            vars,
			Ancestry:        []string{entry.Path},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("open execution log: %w", err)
	}

	b.cfg.Logger.Info(ctx, "execution started",
		"execution_id", id, "playbook", entry.Path, "version", entry.Version)
	b.cfg.Metrics.IncCounter("noetl.broker.executions_started", 1)
	b.Wake(id)
	return id, nil
}

// Cancel appends execution_cancelled. Cancelling a terminal execution is a
// no-op; concurrent appends are absorbed by re-reading and retrying.
func (b *Broker) Cancel(ctx context.Context, id int64, reason string) error {
	for {
		events, err := b.cfg.Log.Read(ctx, id, 0)
		if err != nil {
			return err
		}
		st, err := projection.Project(events)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
		err = b.appendAt(ctx, id, st.NextSeq, &interpreter.AppendEvent{
			Kind:    event.KindExecutionCancelled,
			Payload: event.ExecutionCancelled{Reason: reason},
		})
		if err == nil {
			b.cfg.Logger.Info(ctx, "execution cancelled", "execution_id", id, "reason", reason)
			return nil
		}
		if !errors.Is(err, event.ErrConflict) {
			return err
		}
	}
}

// resolveVars renders the vars mapping against a scope containing only the
// workload. Vars may not reference step results: no step has run yet.
func resolveVars(vars, workload map[string]any) (map[string]any, error) {
	scope := template.NewScope().WithWorkload(workload)
	return template.ResolveMap(vars, scope)
}
