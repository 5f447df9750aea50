package audit

import (
	"errors"
	"time"
)

// ErrEmptyAction is returned when an entry carries no action string.
var ErrEmptyAction = errors.New("audit entry requires an action")

// EntryKind discriminates audit entries.
type EntryKind string

const (
	KindRequest    EntryKind = "request"
	KindProcessing EntryKind = "processing"
	KindWorkflow   EntryKind = "workflow"
	KindDecision   EntryKind = "decision"
	KindAgentEvent EntryKind = "agent_event"
	KindError      EntryKind = "error"
)

// Severity grades an entry.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Actors identifies the parties an entry concerns. Empty fields mean "not
// applicable".
type Actors struct {
	UserID     string `json:"user_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// Payload is the discriminated union of well-known entry payloads. Exactly
// one pointer field is set per entry; Extra carries free-form extension data.
type Payload struct {
	RequestParsed *RequestParsedPayload `json:"request_parsed,omitempty"`
	Workflow      *WorkflowPayload      `json:"workflow,omitempty"`
	AgentEvent    *AgentEventPayload    `json:"agent_event,omitempty"`
	Failure       *FailurePayload       `json:"failure,omitempty"`
	DurationMS    float64               `json:"duration_ms,omitempty"`
	Extra         map[string]any        `json:"extra,omitempty"`
}

// RequestParsedPayload records the outcome of intent extraction.
type RequestParsedPayload struct {
	Intent        string            `json:"intent"`
	Confidence    float64           `json:"confidence"`
	Entities      map[string]string `json:"entities,omitempty"`
	Keywords      []string          `json:"keywords,omitempty"`
	Clarification string            `json:"clarification,omitempty"`
}

// WorkflowPayload records a workflow matching or lifecycle decision.
type WorkflowPayload struct {
	TemplateID string  `json:"template_id,omitempty"`
	Decision   string  `json:"decision,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
}

// AgentEventPayload records a worker lifecycle event.
type AgentEventPayload struct {
	ProcessID  string `json:"process_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Event      string `json:"event"`
	Detail     string `json:"detail,omitempty"`
}

// FailurePayload records an error with its classification.
type FailurePayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Entry is one audit record. ID and Timestamp are assigned by the store on
// Record when zero.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Actors    Actors    `json:"actors"`
	Action    string    `json:"action"`
	Category  string    `json:"category"`
	Payload   Payload   `json:"payload"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	UserID     string
	RequestID  string
	WorkflowID string
	Kind       EntryKind
	Category   string
	Severity   Severity
	Since      time.Time
	Until      time.Time
	Limit      int
}

// ErrorCount aggregates failures for ErrorSummary.
type ErrorCount struct {
	ErrorType string `json:"error_type"`
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

// RecentError is one recent failure in an ErrorSummary.
type RecentError struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Operation string    `json:"operation"`
}

// ErrorSummary aggregates error entries over a window.
type ErrorSummary struct {
	Window     time.Duration `json:"window"`
	Total      int           `json:"total"`
	ByType     []ErrorCount  `json:"by_type"`
	Recent     []RecentError `json:"recent"`
	OldestSeen time.Time     `json:"oldest_seen"`
}
