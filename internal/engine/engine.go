package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/metering"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/planner"
	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/tracing"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
	"github.com/helmsman-ai/orchestrator/internal/workflow"
)

// Dispatch pacing across all executions.
const (
	dispatchPerSecond = 50
	dispatchBurst     = 10
)

// TaskDispatcher is the pool surface the engine drives. *workerpool.Pool
// satisfies it.
type TaskDispatcher interface {
	SelectWorker(role roles.Role) (workerpool.Snapshot, bool)
	Scale(ctx context.Context, role roles.Role, target int) error
	CountByRole(role roles.Role) int
	Dispatch(ctx context.Context, processID string, task workerpool.Task) (*workerpool.TaskResult, error)
}

// BudgetReporter reports daily spend. *metering.Meter satisfies it.
type BudgetReporter interface {
	BudgetStatus(ctx context.Context, dailyBudget float64) (*metering.BudgetStatus, error)
}

// Engine executes approved plans task-by-task along the dependency DAG.
type Engine struct {
	cfg         config.EngineConfig
	dailyBudget float64
	pool        TaskDispatcher
	budget      BudgetReporter
	approvals   *planner.Approvals
	sink        audit.Sink
	logger      *zap.Logger
	clock       func() time.Time
	limiter     *rate.Limiter

	retryInitial time.Duration
	retryMax     time.Duration

	mu         sync.Mutex
	executions map[string]*WorkflowExecution
	plans      map[string]*planner.ExecutionPlan
}

// New builds the engine. budget and approvals may be nil; a nil budget
// disables the spend guard, a nil approvals skips the approval check.
func New(cfg config.EngineConfig, dailyBudgetUSD float64, pool TaskDispatcher, budget BudgetReporter, approvals *planner.Approvals, sink audit.Sink, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		dailyBudget:  dailyBudgetUSD,
		pool:         pool,
		budget:       budget,
		approvals:    approvals,
		sink:         sink,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
		limiter:      rate.NewLimiter(rate.Limit(dispatchPerSecond), dispatchBurst),
		retryInitial: time.Second,
		retryMax:     60 * time.Second,
		executions:   make(map[string]*WorkflowExecution),
		plans:        make(map[string]*planner.ExecutionPlan),
	}
}

// Execute runs an execution plan to a terminal state or, on a budget stop,
// to paused. It blocks until the execution settles; callers wanting
// fire-and-forget run it in a goroutine and poll Get.
func (e *Engine) Execute(ctx context.Context, ep *planner.ExecutionPlan, pattern workflow.Pattern) (*WorkflowExecution, error) {
	if e.approvals != nil {
		wf, err := e.approvals.ForPlan(ep.ID)
		if err != nil {
			return nil, err
		}
		if wf.Status != planner.WorkflowApproved {
			return nil, fmt.Errorf("%w: workflow %s is %s", ErrPlanNotApproved, wf.ID, wf.Status)
		}
	}

	ex := &WorkflowExecution{
		ID:              uuid.NewString(),
		ExecutionPlanID: ep.ID,
		Pattern:         pattern,
		State:           StatePending,
		Completed:       make(map[string]bool),
		InFlight:        make(map[string]bool),
		Results:         make(map[string]*workerpool.TaskResult),
		StartedAt:       e.clock(),
	}
	e.mu.Lock()
	e.executions[ex.ID] = ex
	e.plans[ex.ID] = ep
	ex.State = StateRunning
	e.mu.Unlock()

	ctx, span := tracing.StartExecution(ctx, ex.ID, string(pattern))
	defer span.End()

	metrics.ExecutionsStarted.WithLabelValues(string(pattern)).Inc()
	e.recordAudit(ctx, ex, "started", fmt.Sprintf("%d tasks", len(ep.Tasks)))
	e.logger.Info("Execution started",
		zap.String("execution_id", ex.ID),
		zap.String("execution_plan_id", ep.ID),
		zap.Int("tasks", len(ep.Tasks)))

	return ex, e.run(ctx, ex, ep)
}

// Get returns an execution by id.
func (e *Engine) Get(executionID string) (*WorkflowExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return ex, nil
}

// Cancel requests cancellation. In-flight tasks finish; no new tasks are
// dispatched afterwards.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	ex, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return ErrExecutionNotFound
	}
	switch ex.State {
	case StateCompleted, StateFailed, StateCancelled:
		e.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrExecutionClosed, ex.State)
	}
	ex.cancelling = true
	paused := ex.State == StatePaused
	if paused {
		// No run loop is active to observe the flag.
		e.settleLocked(ex, StateCancelled)
	}
	e.mu.Unlock()

	if paused {
		e.recordAudit(ctx, ex, "cancelled", "cancelled while paused")
	}
	e.logger.Info("Execution cancellation requested", zap.String("execution_id", executionID))
	return nil
}

// Resume continues a paused execution. The in-flight set from the last
// checkpoint is re-queued, not trusted as done.
func (e *Engine) Resume(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	e.mu.Lock()
	ex, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrExecutionNotFound
	}
	ep := e.plans[executionID]
	if ex.State != StatePaused {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotPaused, ex.State)
	}
	for id := range ex.InFlight {
		delete(ex.InFlight, id)
	}
	ex.State = StateRunning
	e.mu.Unlock()

	e.recordAudit(ctx, ex, "resumed", "")
	e.logger.Info("Execution resumed", zap.String("execution_id", executionID))
	return ex, e.run(ctx, ex, ep)
}

// run is the dispatch loop: waves of ready tasks until done, failure,
// cancellation, or a budget stop.
func (e *Engine) run(ctx context.Context, ex *WorkflowExecution, ep *planner.ExecutionPlan) error {
	for {
		e.mu.Lock()
		if ex.cancelling {
			e.settleLocked(ex, StateCancelled)
			e.mu.Unlock()
			e.recordAudit(ctx, ex, "cancelled", "")
			return nil
		}
		done := len(ex.Completed) == len(ep.Tasks)
		ready := readyTasksLocked(ep, ex)
		e.mu.Unlock()

		if done {
			e.mu.Lock()
			e.settleLocked(ex, StateCompleted)
			e.mu.Unlock()
			e.recordAudit(ctx, ex, "completed", "")
			e.logger.Info("Execution completed", zap.String("execution_id", ex.ID))
			return nil
		}
		if len(ready) == 0 {
			err := fmt.Errorf("execution %s stalled: remaining tasks have unsatisfiable dependencies", ex.ID)
			e.fail(ctx, ex, "", err)
			return err
		}

		if e.budget != nil {
			st, err := e.budget.BudgetStatus(ctx, e.dailyBudget)
			if err != nil {
				e.logger.Warn("Budget check failed, proceeding", zap.Error(err))
			} else if st.IsOverBudget {
				e.mu.Lock()
				ex.State = StatePaused
				e.mu.Unlock()
				e.recordAudit(ctx, ex, "paused",
					fmt.Sprintf("spend %.2f over daily budget %.2f", st.SpendUSD, st.DailyBudgetUSD))
				return fmt.Errorf("%w: spend %.2f of %.2f", ErrBudgetExceeded, st.SpendUSD, st.DailyBudgetUSD)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		if e.cfg.MaxConcurrentPerRole > 0 {
			g.SetLimit(e.cfg.MaxConcurrentPerRole)
		}
		for _, td := range ready {
			e.mu.Lock()
			if ex.cancelling {
				e.mu.Unlock()
				break
			}
			ex.InFlight[td.ID] = true
			e.mu.Unlock()

			td := td
			g.Go(func() error {
				if err := e.limiter.Wait(gctx); err != nil {
					return err
				}
				res, err := e.dispatchWithRetry(gctx, ex, ep, td)

				e.mu.Lock()
				delete(ex.InFlight, td.ID)
				if err != nil {
					if ex.FailedTask == "" {
						ex.FailedTask = td.ID
						ex.FailureCause = err.Error()
					}
					e.mu.Unlock()
					return fmt.Errorf("task %s: %w", td.ID, err)
				}
				ex.Completed[td.ID] = true
				ex.Results[td.ID] = res
				ex.Checkpoints = append(ex.Checkpoints, checkpointLocked(ex, e.clock()))
				e.mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.fail(ctx, ex, ex.FailedTask, err)
			return err
		}
	}
}

// dispatchWithRetry acquires a worker and exchanges one task, retrying
// transient and capacity failures with exponential backoff.
func (e *Engine) dispatchWithRetry(ctx context.Context, ex *WorkflowExecution, ep *planner.ExecutionPlan, td *planner.TaskDetail) (*workerpool.TaskResult, error) {
	input, err := json.Marshal(map[string]any{
		"name":             td.Name,
		"deliverables":     td.Deliverables,
		"success_criteria": td.SuccessCriteria,
	})
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", td.ID, err)
	}
	task := workerpool.Task{
		ID:       td.ID,
		Kind:     "workflow_task",
		Role:     td.Role,
		Input:    input,
		Context:  map[string]any{"execution_id": ex.ID, "execution_plan_id": ep.ID},
		Priority: priorityFor(ep, td.ID),
	}

	var result *workerpool.TaskResult
	op := func() error {
		processID, err := e.acquireWorker(ctx, td.Role)
		if err != nil {
			return classify(err)
		}
		res, err := e.pool.Dispatch(ctx, processID, task)
		if err != nil {
			return classify(err)
		}
		switch res.Status {
		case workerpool.ResultCompleted:
			result = res
			return nil
		case workerpool.ResultTimeout:
			return errs.Newf(errs.KindTransient, "engine.dispatch", "task %s timed out on %s", td.ID, res.WorkerInstanceID)
		default:
			return backoff.Permanent(fmt.Errorf("task %s returned %s: %s", td.ID, res.Status, res.Error))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInitial
	bo.Multiplier = 2
	bo.MaxInterval = e.retryMax
	bo.MaxElapsedTime = 0
	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx),
		func(err error, next time.Duration) {
			metrics.TaskRetries.Inc()
			e.logger.Warn("Task dispatch retry",
				zap.String("task_id", td.ID),
				zap.Duration("backoff", next),
				zap.Error(err))
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// acquireWorker picks an idle worker of the role, scaling up within the
// per-role cap when none is free.
func (e *Engine) acquireWorker(ctx context.Context, role roles.Role) (string, error) {
	if snap, ok := e.pool.SelectWorker(role); ok {
		return snap.ProcessID, nil
	}
	n := e.pool.CountByRole(role)
	if e.cfg.MaxConcurrentPerRole > 0 && n >= e.cfg.MaxConcurrentPerRole {
		return "", fmt.Errorf("%w: role %s has %d workers", ErrRoleAtCapacity, role, n)
	}
	if err := e.pool.Scale(ctx, role, n+1); err != nil {
		return "", err
	}
	if snap, ok := e.pool.SelectWorker(role); ok {
		return snap.ProcessID, nil
	}
	return "", errs.Newf(errs.KindTransient, "engine.dispatch", "no idle %s worker after scale-up", role)
}

// classify maps non-retryable errors to permanent backoff failures.
func classify(err error) error {
	if errs.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (e *Engine) fail(ctx context.Context, ex *WorkflowExecution, taskID string, cause error) {
	e.mu.Lock()
	if ex.FailedTask == "" {
		ex.FailedTask = taskID
		ex.FailureCause = cause.Error()
	}
	e.settleLocked(ex, StateFailed)
	e.mu.Unlock()

	e.recordAudit(ctx, ex, "failed", cause.Error())
	e.logger.Error("Execution failed",
		zap.String("execution_id", ex.ID),
		zap.String("failed_task", ex.FailedTask),
		zap.Error(cause))
}

// settleLocked moves an execution to a terminal state. Caller holds e.mu.
func (e *Engine) settleLocked(ex *WorkflowExecution, state State) {
	ex.State = state
	now := e.clock()
	ex.EndedAt = &now
	metrics.ExecutionsCompleted.WithLabelValues(string(ex.Pattern), string(state)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(ex.Pattern)).Observe(now.Sub(ex.StartedAt).Seconds())
}

// readyTasksLocked returns tasks whose prerequisites are all completed, in
// plan order. Caller holds e.mu.
func readyTasksLocked(ep *planner.ExecutionPlan, ex *WorkflowExecution) []*planner.TaskDetail {
	var ready []*planner.TaskDetail
	for _, id := range ep.TaskOrder {
		if ex.Completed[id] || ex.InFlight[id] {
			continue
		}
		td := ep.Tasks[id]
		ok := true
		for _, dep := range td.Dependencies {
			if !ex.Completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, td)
		}
	}
	return ready
}

func checkpointLocked(ex *WorkflowExecution, now time.Time) Checkpoint {
	cp := Checkpoint{Timestamp: now}
	for id := range ex.Completed {
		cp.Completed = append(cp.Completed, id)
	}
	for id := range ex.InFlight {
		cp.InFlight = append(cp.InFlight, id)
	}
	sort.Strings(cp.Completed)
	sort.Strings(cp.InFlight)
	return cp
}

func priorityFor(ep *planner.ExecutionPlan, taskID string) workerpool.Priority {
	for _, id := range ep.CriticalPath {
		if id == taskID {
			return workerpool.PriorityHigh
		}
	}
	return workerpool.PriorityMedium
}

func (e *Engine) recordAudit(ctx context.Context, ex *WorkflowExecution, event, detail string) {
	if e.sink == nil {
		return
	}
	_, err := e.sink.Record(ctx, audit.Entry{
		Kind:     audit.KindWorkflow,
		Severity: audit.SeverityInfo,
		Actors:   audit.Actors{WorkflowID: ex.ID},
		Action:   "execution." + event,
		Category: "execution",
		Payload: audit.Payload{Workflow: &audit.WorkflowPayload{
			Decision: event,
			Pattern:  string(ex.Pattern),
		}, Extra: map[string]any{"execution_plan_id": ex.ExecutionPlanID, "detail": detail}},
	})
	if err != nil {
		e.logger.Warn("Execution audit write failed", zap.Error(err))
	}
}
