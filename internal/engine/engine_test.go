package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/metering"
	"github.com/helmsman-ai/orchestrator/internal/planner"
	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
	"github.com/helmsman-ai/orchestrator/internal/workflow"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	idle       map[roles.Role]int
	fixedCount int
	scaleCalls int
	dispatched []string
	attempts   map[string]int
	transient  map[string]int
	failTask   map[string]string
	pidSeq     int

	started chan string
	release chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		idle:      make(map[roles.Role]int),
		attempts:  make(map[string]int),
		transient: make(map[string]int),
		failTask:  make(map[string]string),
	}
}

func (d *fakeDispatcher) SelectWorker(role roles.Role) (workerpool.Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle[role] > 0 {
		d.pidSeq++
		return workerpool.Snapshot{
			ProcessID: fmt.Sprintf("%s-proc-%d", role, d.pidSeq),
			Role:      role,
			Status:    workerpool.StatusIdle,
		}, true
	}
	return workerpool.Snapshot{}, false
}

func (d *fakeDispatcher) Scale(ctx context.Context, role roles.Role, target int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scaleCalls++
	d.idle[role] = target
	return nil
}

func (d *fakeDispatcher) CountByRole(role roles.Role) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixedCount > 0 {
		return d.fixedCount
	}
	return d.idle[role]
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, processID string, task workerpool.Task) (*workerpool.TaskResult, error) {
	if d.started != nil {
		d.started <- task.ID
	}
	if d.release != nil {
		<-d.release
	}

	d.mu.Lock()
	d.attempts[task.ID]++
	if d.transient[task.ID] > 0 {
		d.transient[task.ID]--
		d.mu.Unlock()
		return nil, workerpool.ErrCommunication
	}
	if msg, ok := d.failTask[task.ID]; ok {
		d.mu.Unlock()
		return &workerpool.TaskResult{
			TaskID:           task.ID,
			WorkerInstanceID: processID,
			Status:           workerpool.ResultFailed,
			Error:            msg,
		}, nil
	}
	d.dispatched = append(d.dispatched, task.ID)
	d.mu.Unlock()

	return &workerpool.TaskResult{
		TaskID:           task.ID,
		WorkerInstanceID: processID,
		Status:           workerpool.ResultCompleted,
		Output:           json.RawMessage(`{}`),
		ExecutionTime:    0.1,
		Confidence:       0.9,
		CostUSD:          0.01,
	}, nil
}

func (d *fakeDispatcher) dispatchedTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.dispatched...)
}

type fakeBudget struct {
	mu    sync.Mutex
	over  bool
	spend float64
}

func (b *fakeBudget) BudgetStatus(ctx context.Context, daily float64) (*metering.BudgetStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &metering.BudgetStatus{DailyBudgetUSD: daily, SpendUSD: b.spend, IsOverBudget: b.over}, nil
}

func (b *fakeBudget) setOver(over bool) {
	b.mu.Lock()
	b.over = over
	b.mu.Unlock()
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		DefaultBufferPercentage:     0.20,
		DefaultApprovalTimeoutHours: 24,
		HighCostThresholdUSD:        1000.0,
		MaxRetries:                  2,
		MaxConcurrentPerRole:        3,
	}
}

func sequentialExecutionPlan(t *testing.T) *planner.ExecutionPlan {
	t.Helper()
	plan := &workflow.WorkflowPlan{
		ID:      "plan-seq",
		Pattern: workflow.PatternSequential,
		Assignments: []workflow.AgentAssignment{
			{Role: roles.ProjectManager, Priority: 1, DurationMinutes: 320},
			{Role: roles.BusinessAnalyst, Priority: 1, DurationMinutes: 320},
			{Role: roles.SolutionArchitect, Priority: 1, DurationMinutes: 320},
		},
		Dependencies: []workflow.TaskDependency{
			{Dependent: roles.BusinessAnalyst, Prerequisite: roles.ProjectManager, Kind: workflow.DependencyCompletion, Blocking: true},
			{Dependent: roles.SolutionArchitect, Prerequisite: roles.BusinessAnalyst, Kind: workflow.DependencyCompletion, Blocking: true},
		},
		DurationMinutes: 960,
	}
	ep, err := planner.New(engineConfig(), zap.NewNop()).Generate(plan, planner.ValidationStandard)
	require.NoError(t, err)
	return ep
}

func newTestEngine(d TaskDispatcher, b BudgetReporter, approvals *planner.Approvals) *Engine {
	e := New(engineConfig(), 100.0, d, b, approvals, nil, zap.NewNop())
	e.retryInitial = time.Millisecond
	e.retryMax = 5 * time.Millisecond
	e.limiter = rate.NewLimiter(rate.Inf, 1)
	return e
}

func TestExecuteCompletesDAGInOrder(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ex.State)
	require.NotNil(t, ex.EndedAt)
	assert.Len(t, ex.Results, 10)
	assert.Empty(t, ex.InFlight)

	want := []string{
		"project_manager-1", "project_manager-2", "project_manager-3", "project_manager-4",
		"business_analyst-1", "business_analyst-2", "business_analyst-3",
		"solution_architect-1", "solution_architect-2", "solution_architect-3",
	}
	assert.Equal(t, want, d.dispatchedTasks())
}

func TestExecuteCheckpointsAfterEachCompletion(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.NoError(t, err)

	require.Len(t, ex.Checkpoints, 10)
	for i, cp := range ex.Checkpoints {
		assert.Len(t, cp.Completed, i+1)
	}
	last := ex.Checkpoints[len(ex.Checkpoints)-1]
	assert.Len(t, last.Completed, 10)
	assert.Empty(t, last.InFlight)
}

func TestExecuteScalesUpWhenNoIdleWorker(t *testing.T) {
	d := newFakeDispatcher()
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ex.State)
	assert.GreaterOrEqual(t, d.scaleCalls, 1)
}

func TestExecuteFailsWhenRoleAtCapacity(t *testing.T) {
	d := newFakeDispatcher()
	d.fixedCount = engineConfig().MaxConcurrentPerRole // no idle worker, cap reached
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.ErrorIs(t, err, ErrRoleAtCapacity)
	assert.Equal(t, StateFailed, ex.State)
	assert.Equal(t, "project_manager-1", ex.FailedTask)
	assert.Zero(t, d.scaleCalls)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	d.transient["project_manager-1"] = 2
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ex.State)
	assert.Equal(t, 3, d.attempts["project_manager-1"])
}

func TestExecuteFailsOnNonRetryableTaskFailure(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	d.failTask["business_analyst-1"] = "model unavailable"
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.Error(t, err)
	assert.Equal(t, StateFailed, ex.State)
	assert.Equal(t, "business_analyst-1", ex.FailedTask)
	assert.Contains(t, ex.FailureCause, "model unavailable")
	// One dispatch attempt, no retries of a permanent failure.
	assert.Equal(t, 1, d.attempts["business_analyst-1"])
	// All project manager tasks finished before the failure.
	assert.Len(t, ex.Results, 4)
}

func TestCancelDrainsInFlightThenStops(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	d.started = make(chan string, 16)
	d.release = make(chan struct{})
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	var (
		ex  *WorkflowExecution
		err error
	)
	done := make(chan struct{})
	go func() {
		ex, err = e.Execute(context.Background(), ep, workflow.PatternSequential)
		close(done)
	}()

	first := <-d.started
	assert.Equal(t, "project_manager-1", first)

	e.mu.Lock()
	var execID string
	for id := range e.executions {
		execID = id
	}
	e.mu.Unlock()
	require.NoError(t, e.Cancel(context.Background(), execID))

	close(d.release)
	<-done

	require.NoError(t, err)
	assert.Equal(t, StateCancelled, ex.State)
	assert.Equal(t, []string{"project_manager-1"}, d.dispatchedTasks())

	err = e.Cancel(context.Background(), execID)
	assert.ErrorIs(t, err, ErrExecutionClosed)
}

func TestBudgetGuardPausesThenResumeCompletes(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	b := &fakeBudget{over: true, spend: 150}
	e := newTestEngine(d, b, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, StatePaused, ex.State)
	assert.Empty(t, d.dispatchedTasks())

	b.setOver(false)
	resumed, err := e.Resume(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, resumed.State)
	assert.Len(t, resumed.Results, 10)
}

func TestResumeRequiresPausedState(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	e := newTestEngine(d, nil, nil)
	ep := sequentialExecutionPlan(t)

	ex, err := e.Execute(context.Background(), ep, workflow.PatternSequential)
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), ex.ID)
	assert.ErrorIs(t, err, ErrNotPaused)
	_, err = e.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = e.Get("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	err = e.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecuteRequiresApprovedWorkflow(t *testing.T) {
	d := newFakeDispatcher()
	for _, r := range roles.All() {
		d.idle[r] = 1
	}
	approvals := planner.NewApprovals(engineConfig(), nil, zap.NewNop())
	e := newTestEngine(d, nil, approvals)
	ctx := context.Background()

	plan := &workflow.WorkflowPlan{
		ID:      "plan-small",
		Pattern: workflow.PatternSequential,
		Assignments: []workflow.AgentAssignment{
			{Role: roles.ProjectManager, Priority: 1, DurationMinutes: 240},
		},
		DurationMinutes: 240,
	}
	ep, err := planner.New(engineConfig(), zap.NewNop()).Generate(plan, planner.ValidationStandard)
	require.NoError(t, err)
	wf, err := approvals.CreateWorkflow(ctx, ep)
	require.NoError(t, err)

	_, err = e.Execute(ctx, ep, workflow.PatternSequential)
	require.ErrorIs(t, err, ErrPlanNotApproved)

	// cost 0 < 1000 and duration 240 <= 480; second gate is manual.
	require.NoError(t, approvals.Decide(ctx, wf.ID, wf.Gates[0].ID, planner.DecisionApprove, "alice", "", planner.DecisionContext(ep)))
	require.NoError(t, approvals.Decide(ctx, wf.ID, wf.Gates[1].ID, planner.DecisionApprove, "alice", "go", nil))

	ex, err := e.Execute(ctx, ep, workflow.PatternSequential)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ex.State)
	assert.Len(t, ex.Results, 4)
}
