// Package health aggregates component health checks and serves the HTTP
// liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status grades a component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string         `json:"component"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Critical  bool           `json:"critical"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checker is one registered health probe. Check must honor ctx cancellation.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// Report is the aggregated service health.
type Report struct {
	Status     Status                 `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Live       bool                   `json:"live"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

const checkTimeout = 5 * time.Second

// Manager runs registered checkers and aggregates their results.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager builds an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a checker. Duplicate names are rejected.
func (m *Manager) Register(c Checker) error {
	if c.Name() == "" {
		return fmt.Errorf("health checker requires a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("health checker %s already registered", c.Name())
		}
	}
	m.checkers = append(m.checkers, c)
	m.logger.Info("Health checker registered",
		zap.String("checker", c.Name()),
		zap.Bool("critical", c.Critical()))
	return nil
}

// Report runs every checker under a per-check timeout and aggregates.
// A critical failure makes the service unhealthy and not ready; any other
// failure only degrades it.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker{}, m.checkers...)
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	criticalFailures := 0
	failures := 0
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		res := c.Check(checkCtx)
		cancel()
		res.Component = c.Name()
		res.Critical = c.Critical()
		res.Duration = time.Since(start)
		res.Timestamp = start
		components[c.Name()] = res

		if res.Status == StatusUnhealthy {
			if res.Critical {
				criticalFailures++
			} else {
				failures++
			}
		} else if res.Status == StatusDegraded {
			failures++
		}
	}

	rep := Report{Components: components, Timestamp: time.Now().UTC()}
	switch {
	case len(checkers) == 0:
		rep.Status = StatusHealthy
		rep.Message = "no checks registered"
		rep.Ready, rep.Live = true, true
	case criticalFailures > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		rep.Ready, rep.Live = false, true
	case failures > 0:
		rep.Status = StatusDegraded
		rep.Message = fmt.Sprintf("%d component(s) degraded", failures)
		rep.Ready, rep.Live = true, true
	default:
		rep.Status = StatusHealthy
		rep.Message = fmt.Sprintf("all %d components healthy", len(checkers))
		rep.Ready, rep.Live = true, true
	}
	return rep
}

// IsReady reports readiness for traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Report(ctx).Ready
}

// IsLive reports process liveness.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Report(ctx).Live
}
