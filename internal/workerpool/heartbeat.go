package workerpool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// heartbeatLoop probes one worker on the configured interval. Each probe
// must be acknowledged within the heartbeat timeout; the missed counter
// resets on every ack, and max_missed consecutive misses move the worker to
// unresponsive for the sweeper to reap.
func (p *Pool) heartbeatLoop(w *worker) {
	defer p.wg.Done()

	interval := p.cfg.Heartbeat.Interval()
	timeout := time.Duration(p.cfg.Heartbeat.TimeoutSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopHB:
			return
		case <-w.stopped:
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		if err := w.handle.WriteLine(encodeControl(msgHeartbeat)); err != nil {
			if p.probeMissed(w) {
				return
			}
			continue
		}

		select {
		case <-w.acks:
			w.recordAck(p.clock())
		case <-time.After(timeout):
			if p.probeMissed(w) {
				return
			}
		case <-w.stopHB:
			return
		case <-w.stopped:
			return
		}
	}
}

// probeMissed records one missed heartbeat and reports whether the worker
// crossed into unresponsive, which ends the monitor.
func (p *Pool) probeMissed(w *worker) bool {
	if w.recordMiss(p.cfg.Heartbeat.MaxMissed) {
		p.logger.Warn("Worker unresponsive after missed heartbeats",
			zap.String("process_id", w.processID),
			zap.String("instance_id", w.instanceID),
			zap.Int("max_missed", p.cfg.Heartbeat.MaxMissed))
		p.auditEvent(context.Background(), w, "unresponsive", "missed heartbeats")
		return true
	}
	return false
}
