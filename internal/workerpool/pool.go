package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

const (
	gracefulExitWait = 10 * time.Second
	sigtermWait      = 5 * time.Second
	sweepInterval    = 10 * time.Second
)

// Pool manages the fleet of worker subprocesses.
type Pool struct {
	cfg     config.PoolConfig
	spawner Spawner
	sink    audit.Sink
	logger  *zap.Logger
	clock   func() time.Time

	// mu is the pool registry lock. It guards workers, reserved, and
	// closed, and is never held across pipe I/O or process waits.
	mu       sync.RWMutex
	workers  map[string]*worker
	reserved int
	closed   bool
	nextPID  int64

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Overridable in tests to avoid multi-second termination waits.
	gracefulWait time.Duration
	termWait     time.Duration
}

// New builds a pool and starts its background sweeper.
func New(cfg config.PoolConfig, spawner Spawner, sink audit.Sink, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:          cfg,
		spawner:      spawner,
		sink:         sink,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
		workers:      make(map[string]*worker),
		sem:          make(chan struct{}, cfg.MaxConcurrentProcesses),
		stopCh:       make(chan struct{}),
		gracefulWait: gracefulExitWait,
		termWait:     sigtermWait,
	}
	p.wg.Add(1)
	go p.sweeper()
	return p
}

// Spawn launches one worker for role and waits for its ready signal. The
// returned snapshot reflects the worker in idle state.
func (p *Pool) Spawn(ctx context.Context, role roles.Role, instanceID string, wcfg WorkerConfig) (Snapshot, error) {
	if !roles.Known(role) {
		return Snapshot{}, fmt.Errorf("%w: unknown role %q", ErrSpawnFailed, role)
	}
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
	}
	if wcfg.ModelTier == "" {
		wcfg.ModelTier = string(roles.DefaultTier(role))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Snapshot{}, ErrPoolClosed
	}
	if len(p.workers)+p.reserved >= p.cfg.MaxConcurrentProcesses {
		p.mu.Unlock()
		return Snapshot{}, ErrCapacityExceeded
	}
	for _, w := range p.workers {
		if w.instanceID == instanceID {
			p.mu.Unlock()
			return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateInstance, instanceID)
		}
	}
	p.reserved++
	p.nextPID++
	localPID := p.nextPID
	p.mu.Unlock()

	unreserve := func() {
		p.mu.Lock()
		p.reserved--
		p.mu.Unlock()
	}

	cfgJSON, err := json.Marshal(wcfg)
	if err != nil {
		unreserve()
		return Snapshot{}, fmt.Errorf("%w: marshal config: %v", ErrSpawnFailed, err)
	}

	handle, err := p.spawner.Spawn(ctx, SpawnCommand{
		Runtime:    p.cfg.Runtime,
		Module:     roles.ModulePath(role),
		InstanceID: instanceID,
		ConfigJSON: string(cfgJSON),
		LogPath:    filepath.Join(p.cfg.LogsDir, instanceID+".log"),
	})
	if err != nil {
		unreserve()
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	processID := uuid.NewString()
	w := newWorker(processID, instanceID, role, wcfg.ModelTier, wcfg, handle, localPID, p.clock())
	go w.readLoop()

	select {
	case <-w.readyCh:
	case <-w.stopped:
		unreserve()
		p.dropGauge(w)
		return Snapshot{}, fmt.Errorf("%w: worker exited before ready", ErrSpawnFailed)
	case <-time.After(p.cfg.HandshakeTimeout()):
		handle.Kill()
		unreserve()
		p.dropGauge(w)
		return Snapshot{}, ErrHandshakeTimeout
	case <-ctx.Done():
		handle.Kill()
		unreserve()
		p.dropGauge(w)
		return Snapshot{}, ctx.Err()
	}

	w.setStatus(StatusIdle)

	p.mu.Lock()
	p.reserved--
	p.workers[processID] = w
	p.mu.Unlock()

	if p.cfg.Heartbeat.Enabled {
		p.wg.Add(1)
		go p.heartbeatLoop(w)
	}

	metrics.WorkersSpawned.WithLabelValues(string(role)).Inc()
	p.auditEvent(ctx, w, "spawned", fmt.Sprintf("os pid %d", handle.OSPid()))
	p.logger.Info("Worker spawned",
		zap.String("process_id", processID),
		zap.String("instance_id", instanceID),
		zap.String("role", string(role)),
		zap.Int("os_pid", handle.OSPid()))
	return w.snapshot(), nil
}

// Send dispatches a task to a specific worker and returns a future for its
// result. The exchange runs on the pool's bounded executor; per-worker task
// I/O is strictly serialized.
func (p *Pool) Send(ctx context.Context, processID string, task Task) *TaskFuture {
	f := newTaskFuture()
	w, ok := p.lookup(processID)
	if !ok {
		f.complete(nil, ErrProcessNotFound)
		return f
	}

	go func() {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			f.complete(nil, ctx.Err())
			return
		case <-p.stopCh:
			f.complete(nil, ErrPoolClosed)
			return
		}
		res, err := p.exchange(ctx, w, task)
		f.complete(res, err)
	}()
	return f
}

// Dispatch sends a task and blocks until its result or ctx cancellation.
func (p *Pool) Dispatch(ctx context.Context, processID string, task Task) (*TaskResult, error) {
	return p.Send(ctx, processID, task).Wait(ctx)
}

// exchange performs one task round-trip with a worker.
func (p *Pool) exchange(ctx context.Context, w *worker, task Task) (*TaskResult, error) {
	w.taskMu.Lock()
	defer w.taskMu.Unlock()

	start := p.clock()
	if !w.beginTask(&task, start) {
		return nil, fmt.Errorf("%w: %s is %s", ErrProcessNotReady, w.instanceID, w.currentStatus())
	}

	frame, err := encodeTask(task)
	if err != nil {
		w.failTask(p.clock())
		return nil, fmt.Errorf("%w: encode task %s: %v", ErrCommunication, task.ID, err)
	}
	if err := w.handle.WriteLine(frame); err != nil {
		w.failTask(p.clock())
		return nil, fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	timeout := p.cfg.TaskTimeout()
	if task.Deadline != nil {
		if until := task.Deadline.Sub(start); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-w.results:
			if msg.TaskID != task.ID {
				// Stale result from an abandoned exchange.
				continue
			}
			elapsed := time.Since(start)
			res := msg.toResult(w.instanceID)
			w.finishTask(res, elapsed, p.clock())
			metrics.TasksDispatched.WithLabelValues(string(w.role)).Inc()
			metrics.TaskSendDuration.WithLabelValues(string(w.role)).Observe(elapsed.Seconds())
			return res, nil
		case <-w.stopped:
			w.failTask(p.clock())
			return nil, fmt.Errorf("%w: worker %s exited mid-task", ErrCommunication, w.instanceID)
		case <-timer.C:
			w.failTask(p.clock())
			p.auditEvent(ctx, w, "task_timeout", task.ID)
			return timeoutResult(task.ID, w.instanceID, time.Since(start)), ErrTaskTimeout
		case <-ctx.Done():
			w.failTask(p.clock())
			return nil, ctx.Err()
		}
	}
}

// Scale adjusts the number of workers for a role to target. Scaling down
// terminates oldest-idle workers first and never preempts a busy worker.
func (p *Pool) Scale(ctx context.Context, role roles.Role, target int) error {
	if target < 0 {
		return fmt.Errorf("scale target must not be negative, got %d", target)
	}

	current := p.snapshotRole(role)
	switch {
	case len(current) < target:
		for i := len(current); i < target; i++ {
			if _, err := p.Spawn(ctx, role, "", WorkerConfig{}); err != nil {
				return fmt.Errorf("scale up %s to %d: %w", role, target, err)
			}
		}
	case len(current) > target:
		idle := make([]*worker, 0, len(current))
		for _, w := range current {
			if w.currentStatus() == StatusIdle {
				idle = append(idle, w)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			wi, wj := idle[i], idle[j]
			wi.stateMu.Lock()
			ti := wi.lastActivity
			wi.stateMu.Unlock()
			wj.stateMu.Lock()
			tj := wj.lastActivity
			wj.stateMu.Unlock()
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return wi.localPID < wj.localPID
		})
		excess := len(current) - target
		for i := 0; i < excess && i < len(idle); i++ {
			if err := p.Terminate(ctx, idle[i].processID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Terminate shuts one worker down: shutdown message, then SIGTERM, then
// SIGKILL, each after a bounded wait. Safe to call repeatedly.
func (p *Pool) Terminate(ctx context.Context, processID string) error {
	w, ok := p.lookup(processID)
	if !ok {
		return nil
	}
	p.terminateWorker(ctx, w, "requested")
	return nil
}

func (p *Pool) terminateWorker(ctx context.Context, w *worker, reason string) {
	p.mu.Lock()
	if _, present := p.workers[w.processID]; !present {
		p.mu.Unlock()
		return
	}
	delete(p.workers, w.processID)
	p.mu.Unlock()

	w.stopHeartbeat()

	if w.handle.Running() {
		if err := w.handle.WriteLine(encodeControl(msgShutdown)); err == nil {
			if w.handle.AwaitExit(p.gracefulWait) {
				p.finishTermination(ctx, w, reason)
				return
			}
		}
		w.handle.Signal(syscall.SIGTERM)
		if !w.handle.AwaitExit(p.termWait) {
			w.handle.Kill()
			w.handle.AwaitExit(time.Second)
		}
	}
	p.finishTermination(ctx, w, reason)
}

func (p *Pool) finishTermination(ctx context.Context, w *worker, reason string) {
	w.setStatus(StatusTerminated)
	p.dropGauge(w)
	metrics.WorkersTerminated.WithLabelValues(string(w.role), reason).Inc()
	p.auditEvent(ctx, w, "terminated", reason)
	p.logger.Info("Worker terminated",
		zap.String("process_id", w.processID),
		zap.String("instance_id", w.instanceID),
		zap.String("reason", reason))
}

// dropGauge removes the worker's contribution to the active-workers gauge
// once it leaves the registry.
func (p *Pool) dropGauge(w *worker) {
	w.stateMu.Lock()
	metrics.WorkersActive.WithLabelValues(string(w.role), string(w.status)).Dec()
	w.stateMu.Unlock()
}

// Status returns the snapshot for one worker.
func (p *Pool) Status(processID string) (Snapshot, error) {
	w, ok := p.lookup(processID)
	if !ok {
		return Snapshot{}, ErrProcessNotFound
	}
	return w.snapshot(), nil
}

// StatusAll returns snapshots for every registered worker, ordered by spawn.
func (p *Pool) StatusAll() []Snapshot {
	p.mu.RLock()
	all := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].localPID < all[j].localPID })
	out := make([]Snapshot, len(all))
	for i, w := range all {
		out[i] = w.snapshot()
	}
	return out
}

// SelectWorker picks an idle worker of the role: least-loaded first, then
// lowest pool-local pid. Reports false when none is idle.
func (p *Pool) SelectWorker(role roles.Role) (Snapshot, bool) {
	var best *worker
	var bestLoad int
	for _, w := range p.snapshotRole(role) {
		w.stateMu.Lock()
		status, load := w.status, w.currentLoad
		w.stateMu.Unlock()
		if status != StatusIdle {
			continue
		}
		if best == nil || load < bestLoad || (load == bestLoad && w.localPID < best.localPID) {
			best, bestLoad = w, load
		}
	}
	if best == nil {
		return Snapshot{}, false
	}
	return best.snapshot(), true
}

// CountByRole returns the number of registered workers for a role.
func (p *Pool) CountByRole(role roles.Role) int {
	return len(p.snapshotRole(role))
}

// CleanupTerminated reaps workers whose subprocess has exited and terminates
// unresponsive and errored ones. Returns the number of workers removed.
func (p *Pool) CleanupTerminated(ctx context.Context) int {
	p.mu.RLock()
	all := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.RUnlock()

	reaped := 0
	for _, w := range all {
		switch {
		case !w.handle.Running():
			p.terminateWorker(ctx, w, "exited")
			reaped++
		case w.currentStatus() == StatusUnresponsive:
			p.terminateWorker(ctx, w, "unresponsive")
			reaped++
		case w.currentStatus() == StatusError:
			// Errored workers no longer accept tasks; reclaim their slot
			// even while the subprocess is still alive.
			p.terminateWorker(ctx, w, "errored")
			reaped++
		}
	}
	return reaped
}

// Shutdown saves state for every worker, terminates each, and joins the
// background loops.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.Unlock()

	for _, w := range all {
		if err := p.SaveState(w.processID); err != nil {
			p.logger.Warn("State save failed during shutdown",
				zap.String("process_id", w.processID), zap.Error(err))
		}
	}
	for _, w := range all {
		p.terminateWorker(ctx, w, "shutdown")
	}

	close(p.stopCh)
	p.cleanupStaleStates()
	p.wg.Wait()
	p.logger.Info("Worker pool shut down", zap.Int("workers", len(all)))
	return nil
}

func (p *Pool) sweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n := p.CleanupTerminated(context.Background()); n > 0 {
				p.logger.Debug("Sweeper reaped workers", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) lookup(processID string) (*worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[processID]
	return w, ok
}

func (p *Pool) snapshotRole(role roles.Role) []*worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*worker, 0)
	for _, w := range p.workers {
		if w.role == role {
			out = append(out, w)
		}
	}
	return out
}

func (p *Pool) auditEvent(ctx context.Context, w *worker, event, detail string) {
	if p.sink == nil {
		return
	}
	_, err := p.sink.Record(ctx, audit.Entry{
		Kind:     audit.KindAgentEvent,
		Severity: audit.SeverityInfo,
		Actors:   audit.Actors{AgentID: w.instanceID},
		Action:   "worker." + event,
		Category: "worker_pool",
		Payload: audit.Payload{AgentEvent: &audit.AgentEventPayload{
			ProcessID:  w.processID,
			InstanceID: w.instanceID,
			Role:       string(w.role),
			Event:      event,
			Detail:     detail,
		}},
	})
	if err != nil {
		p.logger.Warn("Worker audit write failed", zap.Error(err))
	}
}

// TaskFuture resolves to the result of one dispatched task.
type TaskFuture struct {
	once sync.Once
	done chan struct{}
	res  *TaskResult
	err  error
}

func newTaskFuture() *TaskFuture {
	return &TaskFuture{done: make(chan struct{})}
}

func (f *TaskFuture) complete(res *TaskResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done closes when the result is available.
func (f *TaskFuture) Done() <-chan struct{} { return f.done }

// Wait blocks for the result or context cancellation.
func (f *TaskFuture) Wait(ctx context.Context) (*TaskResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
