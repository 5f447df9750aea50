package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// Approvals manages approval workflows over execution plans.
type Approvals struct {
	cfg    config.EngineConfig
	sink   audit.Sink
	logger *zap.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	workflows map[string]*ApprovalWorkflow
	plans     map[string]*ExecutionPlan
	byPlan    map[string]string // execution plan id -> workflow id
}

// NewApprovals builds the approval manager.
func NewApprovals(cfg config.EngineConfig, sink audit.Sink, logger *zap.Logger) *Approvals {
	return &Approvals{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		workflows: make(map[string]*ApprovalWorkflow),
		plans:     make(map[string]*ExecutionPlan),
		byPlan:    make(map[string]string),
	}
}

// CreateWorkflow emits the gate sequence for an execution plan: Plan Review
// always, Risk Assessment for complex and enterprise plans, Execution
// Authorization always.
func (a *Approvals) CreateWorkflow(ctx context.Context, ep *ExecutionPlan) (*ApprovalWorkflow, error) {
	if ep == nil {
		return nil, fmt.Errorf("execution plan is required")
	}

	gates := []*VerificationGate{{
		ID:     uuid.NewString(),
		Name:   GatePlanReview,
		Status: GatePending,
		Criteria: ApprovalCriteria{
			Required: []string{"task breakdown reviewed"},
			AutoApprove: []string{
				fmt.Sprintf("cost < %g", a.cfg.HighCostThresholdUSD),
				"duration <= 480",
			},
		},
	}}
	if ep.Complexity == TierComplex || ep.Complexity == TierEnterprise {
		gates = append(gates, &VerificationGate{
			ID:     uuid.NewString(),
			Name:   GateRiskAssessment,
			Status: GatePending,
			Criteria: ApprovalCriteria{
				Required: []string{"risks reviewed", "mitigations accepted"},
			},
		})
	}
	gates = append(gates, &VerificationGate{
		ID:     uuid.NewString(),
		Name:   GateExecutionAuthorization,
		Status: GatePending,
		Criteria: ApprovalCriteria{
			Required: []string{"authorized to execute"},
		},
	})

	now := a.clock()
	wf := &ApprovalWorkflow{
		ID:              uuid.NewString(),
		ExecutionPlanID: ep.ID,
		Gates:           gates,
		Status:          WorkflowPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(a.cfg.DefaultApprovalTimeoutHours) * time.Hour),
	}

	a.mu.Lock()
	a.workflows[wf.ID] = wf
	a.plans[ep.ID] = ep
	a.byPlan[ep.ID] = wf.ID
	a.mu.Unlock()

	a.recordAudit(ctx, wf, "", "created",
		fmt.Sprintf("%d gates for %s plan", len(gates), ep.Complexity))
	a.logger.Info("Approval workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_plan_id", ep.ID),
		zap.Int("gates", len(gates)))
	return wf, nil
}

// Get returns a workflow by id.
func (a *Approvals) Get(workflowID string) (*ApprovalWorkflow, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	wf, ok := a.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

// ForPlan returns the workflow gating an execution plan.
func (a *Approvals) ForPlan(executionPlanID string) (*ApprovalWorkflow, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byPlan[executionPlanID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return a.workflows[id], nil
}

// Decide applies a reviewer decision to a gate. Only the current gate may be
// decided; decided gates never re-open except through an applied
// modification.
func (a *Approvals) Decide(ctx context.Context, workflowID, gateID string, decision Decision, user, reason string, decisionCtx map[string]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wf, ok := a.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	now := a.clock()
	if now.After(wf.ExpiresAt) && wf.Status == WorkflowPending {
		wf.Status = WorkflowExpired
		for _, g := range wf.Gates {
			if g.Status == GatePending {
				g.Status = GateExpired
			}
		}
	}
	if wf.Status != WorkflowPending {
		return fmt.Errorf("%w: status %s", ErrWorkflowClosed, wf.Status)
	}

	if wf.CurrentGateIndex >= len(wf.Gates) {
		return ErrGateNotCurrent
	}
	gate := wf.Gates[wf.CurrentGateIndex]
	if gate.ID != gateID {
		return fmt.Errorf("%w: current gate is %s", ErrGateNotCurrent, gate.Name)
	}
	if gate.Status != GatePending {
		return ErrGateDecided
	}

	record := DecisionRecord{
		GateID:    gate.ID,
		GateName:  gate.Name,
		Decision:  string(decision),
		User:      user,
		Reason:    reason,
		Timestamp: now,
	}

	switch decision {
	case DecisionApprove:
		if len(gate.Criteria.AutoApprove) > 0 {
			ok, err := evaluateAll(gate.Criteria.AutoApprove, decisionCtx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: gate %s", ErrCriteriaNotMet, gate.Name)
			}
			gate.Method = "auto_approval"
		} else {
			// Gates without predicates need an explicit manual record.
			gate.Method = "manual_approval"
		}
		gate.Status = GateApproved
		gate.DecidedBy = user
		gate.Reason = reason
		gate.DecidedAt = &now
		wf.CurrentGateIndex++
		if wf.CurrentGateIndex >= len(wf.Gates) {
			wf.Status = WorkflowApproved
		}
	case DecisionReject:
		gate.Status = GateRejected
		gate.DecidedBy = user
		gate.Reason = reason
		gate.DecidedAt = &now
		wf.Status = WorkflowRejected
	case DecisionModify:
		wf.Status = WorkflowRequiresModification
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}

	wf.History = append(wf.History, record)
	metrics.ApprovalDecisions.WithLabelValues(gate.Name, string(decision)).Inc()
	a.recordAudit(ctx, wf, gate.Name, string(decision), reason)
	return nil
}

// AutoDecide attempts to approve the current gate from plan-derived context
// values (cost, duration, buffer).
func (a *Approvals) AutoDecide(ctx context.Context, workflowID string) error {
	a.mu.RLock()
	wf, ok := a.workflows[workflowID]
	if !ok {
		a.mu.RUnlock()
		return ErrWorkflowNotFound
	}
	if wf.CurrentGateIndex >= len(wf.Gates) {
		a.mu.RUnlock()
		return ErrGateNotCurrent
	}
	gate := wf.Gates[wf.CurrentGateIndex]
	ep := a.plans[wf.ExecutionPlanID]
	a.mu.RUnlock()

	if ep == nil {
		return ErrPlanNotFound
	}
	return a.Decide(ctx, workflowID, gate.ID, DecisionApprove, "system", "auto-approve criteria satisfied", DecisionContext(ep))
}

// DecisionContext exposes the plan fields predicates may reference.
func DecisionContext(ep *ExecutionPlan) map[string]float64 {
	return map[string]float64{
		"cost":     ep.TotalCostUSD,
		"duration": ep.DurationMinutes,
		"buffer":   ep.Timeline.BufferMinutes,
		"tasks":    float64(len(ep.Tasks)),
	}
}

// Per-minute compute rate used to price scope growth.
const taskCostPerMinute = 0.05

// ApplyModification validates and applies a field-specific update, records
// old value, new value, and a typed impact assessment on the modification,
// and re-opens the workflow to pending.
func (a *Approvals) ApplyModification(ctx context.Context, executionPlanID string, mod Modification, requester string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ep, ok := a.plans[executionPlanID]
	if !ok {
		return ErrPlanNotFound
	}
	wfID, ok := a.byPlan[executionPlanID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf := a.workflows[wfID]
	if wf.Status != WorkflowRequiresModification && wf.Status != WorkflowPending {
		return fmt.Errorf("%w: status %s", ErrWorkflowClosed, wf.Status)
	}

	impact, err := applyToPlan(ep, &mod)
	if err != nil {
		return err
	}

	mod.ID = uuid.NewString()
	mod.RequestedBy = requester
	mod.Impact = impact

	wf.Status = WorkflowPending
	wf.ModificationCount++
	wf.Modifications = append(wf.Modifications, &mod)
	wf.History = append(wf.History, DecisionRecord{
		Decision:  "modification_applied",
		User:      requester,
		Reason:    impact.Summary + "; " + mod.Description,
		Timestamp: a.clock(),
	})

	a.recordAudit(ctx, wf, "", "modification_applied", impact.Summary)
	a.logger.Info("Plan modification applied",
		zap.String("execution_plan_id", executionPlanID),
		zap.String("type", string(mod.Type)),
		zap.String("impact", impact.Summary),
		zap.Float64("cost_delta_usd", impact.CostDeltaUSD),
		zap.Float64("duration_delta_minutes", impact.DurationDeltaMinutes))
	return nil
}

// applyToPlan mutates ep per the modification kind, fills the modification's
// old and new values, and returns the impact assessment.
func applyToPlan(ep *ExecutionPlan, mod *Modification) (*ImpactAssessment, error) {
	switch mod.Type {
	case ModTimelineChange:
		if mod.BufferMinutes <= 0 {
			return nil, fmt.Errorf("%w: timeline change requires a positive buffer", ErrInvalidModification)
		}
		old := ep.Timeline.BufferMinutes
		ep.Timeline.BufferMinutes = mod.BufferMinutes
		ep.Timeline.LatestFinish = ep.Timeline.EarliestStart.
			Add(time.Duration(ep.DurationMinutes+mod.BufferMinutes) * time.Minute)
		mod.OldValue, mod.NewValue = old, mod.BufferMinutes
		risk := "low"
		if mod.BufferMinutes < old {
			risk = "medium"
		}
		return &ImpactAssessment{
			DurationDeltaMinutes: mod.BufferMinutes - old,
			RiskLevel:            risk,
			Summary:              fmt.Sprintf("buffer %.0f -> %.0f minutes", old, mod.BufferMinutes),
		}, nil

	case ModResourceAdjustment:
		if len(mod.PeakResources) == 0 {
			return nil, fmt.Errorf("%w: resource adjustment requires peak usage values", ErrInvalidModification)
		}
		old := ep.PeakResources
		ep.PeakResources = mod.PeakResources
		mod.OldValue, mod.NewValue = old, mod.PeakResources
		risk := "low"
		for typ, amount := range old {
			if mod.PeakResources[typ] < amount {
				risk = "medium"
			}
		}
		return &ImpactAssessment{
			RiskLevel: risk,
			Summary:   fmt.Sprintf("peak resources replaced (%d types)", len(mod.PeakResources)),
		}, nil

	case ModScopeModification:
		if len(mod.AddedTasks) == 0 {
			return nil, fmt.Errorf("%w: scope modification requires tasks", ErrInvalidModification)
		}
		addedMinutes := 0.0
		for _, t := range mod.AddedTasks {
			if _, dup := ep.Tasks[t.ID]; dup {
				return nil, fmt.Errorf("%w: task %s already in breakdown", ErrInvalidModification, t.ID)
			}
			addedMinutes += t.DurationMinutes
		}
		for _, t := range mod.AddedTasks {
			ep.Tasks[t.ID] = t
			ep.TaskOrder = append(ep.TaskOrder, t.ID)
		}
		costDelta := addedMinutes * taskCostPerMinute
		ep.DurationMinutes += addedMinutes
		ep.TotalCostUSD += costDelta
		ep.Timeline.LatestFinish = ep.Timeline.EarliestStart.
			Add(time.Duration(ep.DurationMinutes+ep.Timeline.BufferMinutes) * time.Minute)
		mod.OldValue, mod.NewValue = len(ep.Tasks)-len(mod.AddedTasks), len(ep.Tasks)
		return &ImpactAssessment{
			CostDeltaUSD:         costDelta,
			DurationDeltaMinutes: addedMinutes,
			RiskLevel:            "medium",
			Summary:              fmt.Sprintf("%d tasks added to scope", len(mod.AddedTasks)),
		}, nil

	case ModAgentChange:
		task, ok := ep.Tasks[mod.TaskID]
		if !ok {
			return nil, fmt.Errorf("%w: agent change targets unknown task %q", ErrInvalidModification, mod.TaskID)
		}
		if !roles.Known(mod.NewRole) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidModification, mod.NewRole)
		}
		old := task.Role
		task.Role = mod.NewRole
		mod.OldValue, mod.NewValue = old, mod.NewRole
		return &ImpactAssessment{
			RiskLevel: "medium",
			Summary:   fmt.Sprintf("task %s reassigned %s -> %s", task.ID, old, mod.NewRole),
		}, nil

	case ModDependencyUpdate:
		task, ok := ep.Tasks[mod.TaskID]
		if !ok {
			return nil, fmt.Errorf("%w: dependency update targets unknown task %q", ErrInvalidModification, mod.TaskID)
		}
		for _, dep := range mod.Dependencies {
			if dep == mod.TaskID {
				return nil, fmt.Errorf("%w: task %s cannot depend on itself", ErrInvalidModification, mod.TaskID)
			}
			if _, ok := ep.Tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: dependency on unknown task %q", ErrInvalidModification, dep)
			}
		}
		old := task.Dependencies
		task.Dependencies = append([]string(nil), mod.Dependencies...)
		mod.OldValue, mod.NewValue = old, task.Dependencies
		return &ImpactAssessment{
			RiskLevel: "medium",
			Summary:   fmt.Sprintf("task %s now waits on %d tasks", task.ID, len(task.Dependencies)),
		}, nil

	case ModPriorityChange:
		if _, ok := ep.Tasks[mod.TaskID]; !ok {
			return nil, fmt.Errorf("%w: priority change targets unknown task %q", ErrInvalidModification, mod.TaskID)
		}
		if mod.Critical == nil {
			return nil, fmt.Errorf("%w: priority change requires a critical flag", ErrInvalidModification)
		}
		was := false
		for _, id := range ep.CriticalPath {
			if id == mod.TaskID {
				was = true
				break
			}
		}
		switch {
		case *mod.Critical && !was:
			ep.CriticalPath = append(ep.CriticalPath, mod.TaskID)
		case !*mod.Critical && was:
			kept := ep.CriticalPath[:0]
			for _, id := range ep.CriticalPath {
				if id != mod.TaskID {
					kept = append(kept, id)
				}
			}
			ep.CriticalPath = kept
		}
		mod.OldValue, mod.NewValue = was, *mod.Critical
		return &ImpactAssessment{
			RiskLevel: "low",
			Summary:   fmt.Sprintf("task %s critical-path membership %t -> %t", mod.TaskID, was, *mod.Critical),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown modification type %q", ErrInvalidModification, mod.Type)
	}
}

func (a *Approvals) recordAudit(ctx context.Context, wf *ApprovalWorkflow, gateName, decision, detail string) {
	if a.sink == nil {
		return
	}
	_, err := a.sink.Record(ctx, audit.Entry{
		Kind:     audit.KindDecision,
		Severity: audit.SeverityInfo,
		Actors:   audit.Actors{WorkflowID: wf.ID},
		Action:   "approval." + decision,
		Category: "approval",
		Payload: audit.Payload{Workflow: &audit.WorkflowPayload{
			Decision: decision,
			Pattern:  gateName,
		}, Extra: map[string]any{"detail": detail, "execution_plan_id": wf.ExecutionPlanID}},
	})
	if err != nil {
		a.logger.Warn("Approval audit write failed", zap.Error(err))
	}
}
