// Package engine drives approved execution plans through the worker pool:
// DAG-ordered dispatch, retries with backoff, checkpointing, cancellation,
// and a daily budget guard.
package engine

import (
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
	"github.com/helmsman-ai/orchestrator/internal/workflow"
)

// State is the lifecycle state of one workflow execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Checkpoint captures enough of an execution to resume it: the completed set
// and the in-flight set, which is re-dispatched on resume.
type Checkpoint struct {
	Completed []string  `json:"completed"`
	InFlight  []string  `json:"in_flight,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowExecution is the run-state of one execution plan. Mutable fields
// are guarded by the engine's lock; callers read it after the execution
// settles or through Engine.Get.
type WorkflowExecution struct {
	ID              string                            `json:"id"`
	ExecutionPlanID string                            `json:"execution_plan_id"`
	Pattern         workflow.Pattern                  `json:"pattern"`
	State           State                             `json:"state"`
	Completed       map[string]bool                   `json:"completed"`
	InFlight        map[string]bool                   `json:"in_flight"`
	Results         map[string]*workerpool.TaskResult `json:"results"`
	Checkpoints     []Checkpoint                      `json:"checkpoints"`
	StartedAt       time.Time                         `json:"started_at"`
	EndedAt         *time.Time                        `json:"ended_at,omitempty"`
	FailedTask      string                            `json:"failed_task,omitempty"`
	FailureCause    string                            `json:"failure_cause,omitempty"`

	cancelling bool
}

// Engine errors.
var (
	ErrExecutionNotFound = errs.New(errs.KindNotFound, "engine", "execution not found")
	ErrBudgetExceeded    = errs.New(errs.KindCapacity, "engine.dispatch", "daily budget exceeded")
	ErrPlanNotApproved   = errs.New(errs.KindValidation, "engine.execute", "execution plan is not approved")
	ErrRoleAtCapacity    = errs.New(errs.KindCapacity, "engine.dispatch", "role is at its concurrency cap")
	ErrNotPaused         = errs.New(errs.KindValidation, "engine.resume", "execution is not paused")
	ErrExecutionClosed   = errs.New(errs.KindValidation, "engine.cancel", "execution already settled")
)
