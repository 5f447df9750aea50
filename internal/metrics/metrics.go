package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow engine metrics
	TemplateEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_template_evaluations_total",
			Help: "Total number of template evaluations",
		},
		[]string{"result"},
	)

	TemplateEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helmsman_template_evaluation_duration_seconds",
			Help:    "Template evaluation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	TemplatesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_templates_loaded",
			Help: "Number of workflow templates currently registered",
		},
		[]string{"category"},
	)

	EvalCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_eval_cache_requests_total",
			Help: "Evaluation cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Execution metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_executions_started_total",
			Help: "Total number of workflow executions started",
		},
		[]string{"pattern"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_executions_completed_total",
			Help: "Total number of workflow executions finished",
		},
		[]string{"pattern", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern"},
	)

	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
		[]string{"role"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	// Worker pool metrics
	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_workers_active",
			Help: "Number of active worker processes by role and status",
		},
		[]string{"role", "status"},
	)

	WorkersSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_workers_spawned_total",
			Help: "Total number of worker processes spawned",
		},
		[]string{"role"},
	)

	WorkersTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_workers_terminated_total",
			Help: "Total number of worker processes terminated",
		},
		[]string{"role", "reason"},
	)

	HeartbeatsMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_heartbeats_missed_total",
			Help: "Total number of missed worker heartbeats",
		},
		[]string{"role"},
	)

	TaskSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_task_send_duration_seconds",
			Help:    "Round-trip duration of task send/receive per role",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"role"},
	)

	// Router metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_model_calls_total",
			Help: "Total number of model calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	ModelFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_model_failovers_total",
			Help: "Total number of model failovers",
		},
		[]string{"from", "to"},
	)

	ResponseCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_response_cache_requests_total",
			Help: "Response cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	ModelQualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_model_quality_score",
			Help:    "Evaluated response quality scores",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"model"},
	)

	// Rate limiter metrics
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_rate_limit_checks_total",
			Help: "Rate limit checks by outcome",
		},
		[]string{"model", "outcome"},
	)

	RateLimitUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_rate_limit_utilization_percent",
			Help: "Current sliding-window utilization per model",
		},
		[]string{"model"},
	)

	// Metering metrics
	CostRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_cost_usd_total",
			Help: "Cumulative recorded model cost in USD",
		},
		[]string{"model"},
	)

	TokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_tokens_total",
			Help: "Cumulative recorded tokens by model and direction",
		},
		[]string{"model", "direction"},
	)

	// Audit metrics
	AuditEntriesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_audit_entries_total",
			Help: "Total number of audit entries recorded",
		},
		[]string{"kind"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_audit_write_failures_total",
			Help: "Total number of failed audit writes",
		},
	)

	ScopedOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_scoped_operation_duration_seconds",
			Help:    "Duration of audited scoped operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category", "status"},
	)

	// Conversation context metrics
	ContextsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "helmsman_conversation_contexts_active",
			Help: "Number of conversation contexts in the local cache",
		},
	)

	ContextsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_conversation_contexts_evicted_total",
			Help: "Conversation contexts evicted by reason",
		},
		[]string{"reason"},
	)

	// Circuit breaker metrics
	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_approval_decisions_total",
			Help: "Approval gate decisions by type",
		},
		[]string{"gate", "decision"},
	)
)
