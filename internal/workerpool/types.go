// Package workerpool manages a fleet of agent worker subprocesses. Each
// worker is an OS process speaking line-delimited JSON over stdin/stdout;
// the pool serializes task I/O per process, monitors liveness with
// heartbeats, and persists per-process state for crash recovery.
package workerpool

import (
	"encoding/json"
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// Status is the lifecycle state of a worker process.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
	StatusUnresponsive Status = "unresponsive"
)

// Priority orders tasks at dispatch.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Task is one unit of work addressed to a role. Input is opaque to the pool.
type Task struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Role         roles.Role      `json:"role"`
	Input        json.RawMessage `json:"input,omitempty"`
	Context      map[string]any  `json:"context,omitempty"`
	Requirements []string        `json:"requirements,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
}

// ResultStatus is the terminal disposition of a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
	ResultTimeout   ResultStatus = "timeout"
)

// TaskResult is the worker's answer to one task.
type TaskResult struct {
	TaskID           string          `json:"task_id"`
	WorkerInstanceID string          `json:"worker_instance_id"`
	Status           ResultStatus    `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	ExecutionTime    float64         `json:"execution_time"`
	Confidence       float64         `json:"confidence"`
	ModelUsed        string          `json:"model_used,omitempty"`
	TokensConsumed   int             `json:"tokens_consumed"`
	CostUSD          float64         `json:"cost_usd"`
	Error            string          `json:"error,omitempty"`
	ResourcesUsed    map[string]any  `json:"resources_used,omitempty"`
}

// ProcessMetrics tracks a worker's health. ResponseTimeEMA uses alpha 0.3.
type ProcessMetrics struct {
	CPUFraction     float64   `json:"cpu_fraction"`
	MemoryFraction  float64   `json:"memory_fraction"`
	ResponseTimeEMA float64   `json:"response_time_ema"`
	TasksCompleted  int       `json:"tasks_completed"`
	TasksFailed     int       `json:"tasks_failed"`
	ErrorCount      int       `json:"error_count"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

const emaAlpha = 0.3

func (m *ProcessMetrics) observeResponseTime(seconds float64) {
	if m.ResponseTimeEMA == 0 {
		m.ResponseTimeEMA = seconds
		return
	}
	m.ResponseTimeEMA = emaAlpha*seconds + (1-emaAlpha)*m.ResponseTimeEMA
}

// SuccessRate is tasks completed over tasks attempted, 1.0 before any task.
func (m *ProcessMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(m.TasksCompleted) / float64(total)
}

// WorkerConfig is the serialized configuration handed to a worker at spawn.
type WorkerConfig struct {
	ModelTier    string         `json:"model_tier,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Snapshot is the externally visible state of one worker process.
type Snapshot struct {
	ProcessID    string         `json:"process_id"`
	InstanceID   string         `json:"instance_id"`
	Role         roles.Role     `json:"role"`
	ModelTier    string         `json:"model_tier"`
	Status       Status         `json:"status"`
	OSPid        int            `json:"os_pid"`
	StartTime    time.Time      `json:"start_time"`
	LastActivity time.Time      `json:"last_activity"`
	CurrentLoad  int            `json:"current_load"`
	CurrentTask  *Task          `json:"current_task,omitempty"`
	Config       WorkerConfig   `json:"config"`
	Metrics      ProcessMetrics `json:"metrics"`
}

// Pool operation errors. All carry an errs kind for retry decisions.
var (
	ErrCapacityExceeded  = errs.New(errs.KindCapacity, "workerpool.spawn", "pool at max concurrent processes")
	ErrDuplicateInstance = errs.New(errs.KindValidation, "workerpool.spawn", "instance id already registered")
	ErrSpawnFailed       = errs.New(errs.KindTransient, "workerpool.spawn", "subprocess could not start")
	ErrHandshakeTimeout  = errs.New(errs.KindTransient, "workerpool.spawn", "worker did not signal ready in time")
	ErrProcessNotFound   = errs.New(errs.KindNotFound, "workerpool.send", "no such worker process")
	ErrProcessNotReady   = errs.New(errs.KindTransient, "workerpool.send", "worker not accepting tasks")
	ErrCommunication     = errs.New(errs.KindTransient, "workerpool.send", "worker pipe failure")
	ErrTaskTimeout       = errs.New(errs.KindTransient, "workerpool.send", "task exceeded its timeout")
	ErrPoolClosed        = errs.New(errs.KindFatal, "workerpool", "pool is shut down")
)
