package workerpool

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// worker is the pool-internal record for one subprocess.
//
// Lock order: pool registry lock before stateMu before nothing. stateMu is
// never held across pipe I/O; taskMu serializes task exchanges and is the
// only lock held while awaiting a result.
type worker struct {
	processID  string
	instanceID string
	role       roles.Role
	tier       string
	config     WorkerConfig
	handle     Handle
	localPID   int64

	stateMu      sync.Mutex
	status       Status
	currentTask  *Task
	currentLoad  int
	startTime    time.Time
	lastActivity time.Time
	metrics      ProcessMetrics
	missedBeats  int

	taskMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
	results   chan *resultMessage
	acks      chan struct{}
	stopped   chan struct{}
	hbOnce    sync.Once
	stopHB    chan struct{}
}

func newWorker(processID, instanceID string, role roles.Role, tier string, cfg WorkerConfig, h Handle, localPID int64, now time.Time) *worker {
	w := &worker{
		processID:    processID,
		instanceID:   instanceID,
		role:         role,
		tier:         tier,
		config:       cfg,
		handle:       h,
		localPID:     localPID,
		status:       StatusStarting,
		startTime:    now,
		lastActivity: now,
		readyCh:      make(chan struct{}),
		results:      make(chan *resultMessage, 4),
		acks:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		stopHB:       make(chan struct{}),
	}
	metrics.WorkersActive.WithLabelValues(string(role), string(StatusStarting)).Inc()
	return w
}

// readLoop demultiplexes the worker's stdout. Results route to the pending
// exchange, acks to the heartbeat monitor, ready to the spawn handshake.
// Unknown message types are skipped.
func (w *worker) readLoop() {
	defer close(w.stopped)
	for raw := range w.handle.Lines() {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case msgReady:
			w.readyOnce.Do(func() { close(w.readyCh) })
		case msgResult:
			var msg resultMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			select {
			case w.results <- &msg:
			default:
				// No exchange is waiting; result for an abandoned task.
			}
		case msgHeartbeatAck:
			select {
			case w.acks <- struct{}{}:
			default:
			}
		}
	}
}

// setStatusLocked transitions the state machine and keeps the per-role gauge
// consistent. Caller holds stateMu.
func (w *worker) setStatusLocked(s Status) {
	if s == w.status {
		return
	}
	metrics.WorkersActive.WithLabelValues(string(w.role), string(w.status)).Dec()
	metrics.WorkersActive.WithLabelValues(string(w.role), string(s)).Inc()
	w.status = s
}

func (w *worker) setStatus(s Status) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.setStatusLocked(s)
}

func (w *worker) currentStatus() Status {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.status
}

// beginTask transitions idle to busy. Returns false when the worker is not
// accepting tasks.
func (w *worker) beginTask(t *Task, now time.Time) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.status != StatusIdle && w.status != StatusBusy {
		return false
	}
	w.setStatusLocked(StatusBusy)
	w.currentTask = t
	w.currentLoad++
	w.lastActivity = now
	return true
}

// finishTask records the exchange outcome and returns the worker to idle
// unless a concurrent transition moved it elsewhere.
func (w *worker) finishTask(res *TaskResult, elapsed time.Duration, now time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.currentTask = nil
	if w.currentLoad > 0 {
		w.currentLoad--
	}
	w.lastActivity = now
	w.metrics.observeResponseTime(elapsed.Seconds())
	if res != nil && res.Status == ResultCompleted {
		w.metrics.TasksCompleted++
	} else {
		w.metrics.TasksFailed++
	}
	if w.status == StatusBusy {
		w.setStatusLocked(StatusIdle)
	}
}

// failTask moves the worker to error after a pipe failure or task timeout.
func (w *worker) failTask(now time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.currentTask = nil
	if w.currentLoad > 0 {
		w.currentLoad--
	}
	w.lastActivity = now
	w.metrics.TasksFailed++
	w.metrics.ErrorCount++
	w.setStatusLocked(StatusError)
}

// recordAck resets the missed-heartbeat counter.
func (w *worker) recordAck(now time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.missedBeats = 0
	w.metrics.LastHeartbeat = now
}

// recordMiss increments the missed counter and reports whether the worker
// just crossed the unresponsive threshold.
func (w *worker) recordMiss(maxMissed int) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.missedBeats++
	metrics.HeartbeatsMissed.WithLabelValues(string(w.role)).Inc()
	if w.missedBeats >= maxMissed && (w.status == StatusIdle || w.status == StatusBusy) {
		w.setStatusLocked(StatusUnresponsive)
		return true
	}
	return false
}

func (w *worker) stopHeartbeat() {
	w.hbOnce.Do(func() { close(w.stopHB) })
}

func (w *worker) snapshot() Snapshot {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	var task *Task
	if w.currentTask != nil {
		copied := *w.currentTask
		task = &copied
	}
	return Snapshot{
		ProcessID:    w.processID,
		InstanceID:   w.instanceID,
		Role:         w.role,
		ModelTier:    w.tier,
		Status:       w.status,
		OSPid:        w.handle.OSPid(),
		StartTime:    w.startTime,
		LastActivity: w.lastActivity,
		CurrentLoad:  w.currentLoad,
		CurrentTask:  task,
		Config:       w.config,
		Metrics:      w.metrics,
	}
}
