// Package planner transforms workflow plans into execution plans and gates
// them through approval workflows.
package planner

import (
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// ComplexityTier grades an execution plan. Derived from
// |agents| + 0.5·|deps| + 0.3·|resources| against thresholds 3/6/10.
type ComplexityTier string

const (
	TierSimple     ComplexityTier = "simple"
	TierModerate   ComplexityTier = "moderate"
	TierComplex    ComplexityTier = "complex"
	TierEnterprise ComplexityTier = "enterprise"
)

// ValidationLevel selects how strictly a plan is validated.
type ValidationLevel string

const (
	ValidationBasic    ValidationLevel = "basic"
	ValidationStandard ValidationLevel = "standard"
	ValidationStrict   ValidationLevel = "strict"
)

// TaskDetail is one unit of the task breakdown. Task ids issued here are
// authoritative through dispatch and checkpointing.
type TaskDetail struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Role            roles.Role `json:"role"`
	DurationMinutes float64    `json:"duration_minutes"`
	Deliverables    []string   `json:"deliverables,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
}

// RiskCategory classifies plan risks.
type RiskCategory string

const (
	RiskResource          RiskCategory = "resource"
	RiskAgentCoordination RiskCategory = "agent_coordination"
	RiskTimeline          RiskCategory = "timeline"
)

// Risk is one identified plan risk.
type Risk struct {
	ID          string       `json:"id"`
	Category    RiskCategory `json:"category"`
	Description string       `json:"description"`
	Probability float64      `json:"probability"`
	Impact      float64      `json:"impact"`
}

// Mitigation addresses one risk.
type Mitigation struct {
	RiskID      string `json:"risk_id"`
	Description string `json:"description"`
}

// Contingency is the fallback when a mitigation fails. Attached only to
// complex and enterprise plans.
type Contingency struct {
	RiskID      string `json:"risk_id"`
	Description string `json:"description"`
}

// QualityCheckpoint is a review point attached by orchestration pattern.
type QualityCheckpoint struct {
	Name      string   `json:"name"`
	AfterTask string   `json:"after_task"`
	Criteria  []string `json:"criteria,omitempty"`
}

// Timeline bounds the plan's execution window.
type Timeline struct {
	EarliestStart time.Time `json:"earliest_start"`
	LatestFinish  time.Time `json:"latest_finish"`
	BufferMinutes float64   `json:"buffer_minutes"`
}

// ExecutionPlan is a workflow plan augmented with task breakdown, critical
// path, risks, checkpoints, and a timeline.
type ExecutionPlan struct {
	ID              string                 `json:"id"`
	PlanID          string                 `json:"plan_id"`
	Complexity      ComplexityTier         `json:"complexity"`
	ValidationLevel ValidationLevel        `json:"validation_level"`
	Tasks           map[string]*TaskDetail `json:"tasks"`
	TaskOrder       []string               `json:"task_order"`
	CriticalPath    []string               `json:"critical_path"`
	ParallelGroups  [][]string             `json:"parallel_groups,omitempty"`
	PeakResources   map[string]float64     `json:"peak_resources,omitempty"`
	CostBreakdown   map[string]float64     `json:"cost_breakdown,omitempty"`
	TotalCostUSD    float64                `json:"total_cost_usd"`
	DurationMinutes float64                `json:"duration_minutes"`
	Risks           []Risk                 `json:"risks,omitempty"`
	Mitigations     []Mitigation           `json:"mitigations,omitempty"`
	Contingencies   []Contingency          `json:"contingencies,omitempty"`
	Checkpoints     []QualityCheckpoint    `json:"checkpoints,omitempty"`
	Timeline        Timeline               `json:"timeline"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Approval statuses.
type WorkflowStatus string

const (
	WorkflowPending              WorkflowStatus = "pending"
	WorkflowApproved             WorkflowStatus = "approved"
	WorkflowRejected             WorkflowStatus = "rejected"
	WorkflowRequiresModification WorkflowStatus = "requires_modification"
	WorkflowExpired              WorkflowStatus = "expired"
)

// GateStatus is the state of one verification gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateExpired  GateStatus = "expired"
)

// Decision is a reviewer's verdict on a gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// Gate names.
const (
	GatePlanReview             = "Plan Review"
	GateRiskAssessment         = "Risk Assessment"
	GateExecutionAuthorization = "Execution Authorization"
)

// ApprovalCriteria configures a gate. AutoApprove holds predicate
// expressions of the form "field op value"; an empty list means the gate is
// only manually approvable and requires an explicit manual-approval record.
type ApprovalCriteria struct {
	Required    []string `json:"required,omitempty"`
	AutoApprove []string `json:"auto_approve,omitempty"`
}

// VerificationGate is one approval checkpoint.
type VerificationGate struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Criteria  ApprovalCriteria `json:"criteria"`
	Status    GateStatus       `json:"status"`
	DecidedBy string           `json:"decided_by,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	Method    string           `json:"method,omitempty"` // "auto_approval" | "manual_approval"
}

// DecisionRecord is one entry in a workflow's decision history.
type DecisionRecord struct {
	GateID    string    `json:"gate_id,omitempty"`
	GateName  string    `json:"gate_name,omitempty"`
	Decision  string    `json:"decision"`
	User      string    `json:"user"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalWorkflow is the ordered gate sequence for one execution plan.
type ApprovalWorkflow struct {
	ID                string              `json:"id"`
	ExecutionPlanID   string              `json:"execution_plan_id"`
	Gates             []*VerificationGate `json:"gates"`
	CurrentGateIndex  int                 `json:"current_gate_index"`
	Status            WorkflowStatus      `json:"status"`
	ModificationCount int                 `json:"modification_count"`
	Modifications     []*Modification     `json:"modifications,omitempty"`
	History           []DecisionRecord    `json:"history"`
	CreatedAt         time.Time           `json:"created_at"`
	ExpiresAt         time.Time           `json:"expires_at"`
}

// ModificationType selects which plan fields a modification touches.
type ModificationType string

const (
	ModAgentChange        ModificationType = "agent_change"
	ModResourceAdjustment ModificationType = "resource_adjustment"
	ModTimelineChange     ModificationType = "timeline_change"
	ModScopeModification  ModificationType = "scope_modification"
	ModDependencyUpdate   ModificationType = "dependency_update"
	ModPriorityChange     ModificationType = "priority_change"
)

// ImpactAssessment quantifies what an applied modification did to the plan.
type ImpactAssessment struct {
	CostDeltaUSD         float64 `json:"cost_delta_usd"`
	DurationDeltaMinutes float64 `json:"duration_delta_minutes"`
	RiskLevel            string  `json:"risk_level"` // "low" | "medium" | "high"
	Summary              string  `json:"summary,omitempty"`
}

// Modification is a requested change to an execution plan awaiting approval.
// The type-specific payload fields are read for the matching Type only;
// OldValue, NewValue, and Impact are filled in when the modification is
// applied.
type Modification struct {
	ID            string             `json:"id,omitempty"`
	Type          ModificationType   `json:"type"`
	TaskID        string             `json:"task_id,omitempty"`
	NewRole       roles.Role         `json:"new_role,omitempty"`
	Dependencies  []string           `json:"dependencies,omitempty"`
	Critical      *bool              `json:"critical,omitempty"`
	BufferMinutes float64            `json:"buffer_minutes,omitempty"`
	PeakResources map[string]float64 `json:"peak_resources,omitempty"`
	AddedTasks    []*TaskDetail      `json:"added_tasks,omitempty"`
	OldValue      any                `json:"old_value,omitempty"`
	NewValue      any                `json:"new_value,omitempty"`
	RequestedBy   string             `json:"requested_by,omitempty"`
	ApprovedBy    string             `json:"approved_by,omitempty"`
	Description   string             `json:"description,omitempty"`
	Impact        *ImpactAssessment  `json:"impact,omitempty"`
}

// Approval errors.
var (
	ErrWorkflowNotFound = errs.New(errs.KindNotFound, "planner.approval", "approval workflow not found")
	ErrGateNotCurrent   = errs.New(errs.KindValidation, "planner.approval", "gate is not the current gate")
	ErrGateDecided      = errs.New(errs.KindValidation, "planner.approval", "gate already decided")
	ErrWorkflowClosed   = errs.New(errs.KindValidation, "planner.approval", "workflow is not open for decisions")
	ErrCriteriaNotMet   = errs.New(errs.KindValidation, "planner.approval", "auto-approve criteria not met")
	ErrPlanNotFound     = errs.New(errs.KindNotFound, "planner.approval", "execution plan not found")

	ErrInvalidModification = errs.New(errs.KindValidation, "planner.modification", "modification rejected")
)
