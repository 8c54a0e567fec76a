package event

import "time"

// Step failure reasons recorded in StepFailed payloads. Tool adapters may
// report their own reasons; these are the ones the execution plane itself
// produces.
const (
	ReasonTimeout        = "timeout"
	ReasonLeaseExpired   = "lease_expired"
	ReasonUnresolvedRef  = "unresolved_reference"
	ReasonSubPlaybook    = "subplaybook_failed"
	ReasonIterator       = "iterator_failed"
	ReasonRecursionLimit = "recursion_limit"
	ReasonToolError      = "tool_error"
	ReasonCancelled      = "cancelled"
)

type (
	// ParentRef points a child execution back at the step that spawned it.
	ParentRef struct {
		// ExecutionID is the parent execution.
		ExecutionID int64 `json:"execution_id"`
		// Step is the parent step name.
		Step string `json:"step"`
		// LoopIndex is set when the parent step is an iterator child.
		LoopIndex *int `json:"loop_index,omitempty"`
	}

	// ExecutionStarted opens every execution log.
	ExecutionStarted struct {
		// PlaybookPath addresses the playbook in the catalog.
		PlaybookPath string `json:"playbook_path"`
		// PlaybookVersion is the resolved catalog version.
		PlaybookVersion string `json:"playbook_version"`
		// Workload is the merge of playbook defaults and the caller payload.
		Workload map[string]any `json:"workload,omitempty"`
		// Vars are the playbook vars rendered against the workload.
		Vars map[string]any `json:"vars,omitempty"`
		// Parent is set on sub-playbook executions.
		Parent *ParentRef `json:"parent,omitempty"`
		// Ancestry lists playbook paths from the root to this execution,
		// inclusive. The recursion guard checks it before spawning children.
		Ancestry []string `json:"ancestry,omitempty"`
	}

	// StepEnqueued records that a job for the step attempt was handed to the
	// queue, or is due to be after NotBefore (retry backoff).
	StepEnqueued struct {
		// Tool is the resolved tool kind.
		Tool string `json:"tool"`
		// Capability is the worker pool tag the job routes to.
		Capability string `json:"capability"`
		// NotBefore delays the actual enqueue for retry backoff.
		NotBefore *time.Time `json:"not_before,omitempty"`
	}

	// StepStarted records that a worker began executing the attempt.
	StepStarted struct {
		// Worker is the executing worker's name.
		Worker string `json:"worker"`
	}

	// StepProgress carries advisory progress from long-running tools.
	StepProgress struct {
		// Data is tool-defined progress information.
		Data any `json:"data,omitempty"`
	}

	// StepCompleted records the successful terminal result of an attempt.
	StepCompleted struct {
		// Result is the tool result's primary data payload.
		Result any `json:"result,omitempty"`
	}

	// StepFailed records the failed terminal state of an attempt.
	StepFailed struct {
		// Reason classifies the failure (timeout, tool_error, ...).
		Reason string `json:"reason"`
		// Error is the failure detail.
		Error string `json:"error,omitempty"`
		// Retryable marks failures the retry policy may re-attempt.
		Retryable bool `json:"retryable,omitempty"`
	}

	// StepSkipped records that a step can never run because every incoming
	// edge was skipped or not selected.
	StepSkipped struct {
		// Reason explains the skip (branch_not_taken).
		Reason string `json:"reason,omitempty"`
	}

	// BranchTaken records successor selection after a step reached a
	// terminal state.
	BranchTaken struct {
		// Step is the completed step whose successors were selected.
		Step string `json:"step"`
		// Selected lists the chosen successor steps in declaration order.
		Selected []string `json:"selected"`
		// Via is "case", "else" or "next".
		Via string `json:"via"`
		// When is the rendered condition that matched, when Via is "case".
		When string `json:"when,omitempty"`
	}

	// IteratorExpanded records the fan-out of an iterator step.
	IteratorExpanded struct {
		// Count is the number of elements in the resolved collection.
		Count int `json:"count"`
		// Mode is sequential, async or parallel.
		Mode string `json:"mode"`
		// Concurrency bounds in-flight children in parallel mode.
		Concurrency int `json:"concurrency,omitempty"`
		// Items is the resolved collection, bound element-wise as item.
		Items []any `json:"items"`
		// ContinueOnError keeps iterating past failed children.
		ContinueOnError bool `json:"continue_on_error,omitempty"`
	}

	// IteratorChildCompleted records one child's terminal contribution to
	// the aggregate, in loop_index position.
	IteratorChildCompleted struct {
		// Index is the child's zero-based loop index.
		Index int `json:"index"`
		// Result is the child's data payload when it completed.
		Result any `json:"result,omitempty"`
		// Failed marks children that ended in step_failed.
		Failed bool `json:"failed,omitempty"`
		// Error is the child's failure detail when Failed.
		Error string `json:"error,omitempty"`
	}

	// SubPlaybookSpawned records the child execution created for a playbook
	// step. Replay reads the child id from here instead of re-allocating, and
	// the recorded workload lets a broker repair a child log that was never
	// opened before a crash.
	SubPlaybookSpawned struct {
		// ChildExecutionID is the allocated child execution.
		ChildExecutionID int64 `json:"child_execution_id"`
		// Path is the child playbook's catalog path.
		Path string `json:"path"`
		// Version is the resolved child playbook version.
		Version string `json:"version"`
		// Workload is the child's resolved input.
		Workload map[string]any `json:"workload,omitempty"`
		// Ancestry is the child's ancestor chain, inclusive.
		Ancestry []string `json:"ancestry,omitempty"`
	}

	// ExecutionCompleted is the successful terminal event.
	ExecutionCompleted struct {
		// Result aggregates the data payloads of terminal leaf steps.
		Result any `json:"result,omitempty"`
	}

	// ExecutionFailed is the failed terminal event.
	ExecutionFailed struct {
		// Step is the first step whose failure ended the execution.
		Step string `json:"step,omitempty"`
		// Error is the failure detail.
		Error string `json:"error,omitempty"`
	}

	// ExecutionCancelled is the cancelled terminal event.
	ExecutionCancelled struct {
		// Reason is the caller-supplied cancellation reason.
		Reason string `json:"reason,omitempty"`
	}
)
