// Package circuitbreaker keeps repeatedly-failing model endpoints out of the
// routing pool. One breaker exists per endpoint; the router consults Allow
// before offering an endpoint and reports every call outcome back.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned in half-open state when the probe quota is
// exhausted.
var ErrTooManyProbes = errors.New("too many probes in half-open state")

// Config holds breaker tuning.
type Config struct {
	MaxProbes        uint32        // probes admitted in half-open state
	Interval         time.Duration // closed-state counter reset interval
	OpenTimeout      time.Duration // open -> half-open delay
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // half-open successes that close it
}

// DefaultConfig suits model endpoints: open after 5 consecutive failures,
// probe again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		MaxProbes:        3,
		Interval:         60 * time.Second,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

type counts struct {
	requests             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
}

// Breaker is a generation-counted circuit breaker.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	clock  func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger,
		clock:  time.Now,
		state:  StateClosed,
	}
	b.expiry = b.clock().Add(config.Interval)
	return b
}

// WithClock overrides the time source; tests only.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call may proceed. The returned generation token
// must be passed to Report so late results from a previous generation are
// discarded.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.requests >= b.config.MaxProbes:
		return generation, ErrTooManyProbes
	}
	b.counts.requests++
	return generation, nil
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	state, current := b.currentState(now)
	if current != generation {
		return
	}

	if success {
		b.counts.consecutiveFailures = 0
		if state == StateHalfOpen {
			b.counts.consecutiveSuccesses++
			if b.counts.consecutiveSuccesses >= b.config.SuccessThreshold {
				b.setState(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.counts.consecutiveFailures++
		if b.counts.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// State returns the current state, advancing open -> half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.clock())
	return s
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	metrics.BreakerStateChanges.WithLabelValues(b.name, state.String()).Inc()
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = counts{}
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}

// Group manages one breaker per key.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewGroup creates an empty keyed breaker set.
func NewGroup(config Config, logger *zap.Logger) *Group {
	return &Group{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		b = New(key, g.config, g.logger)
		g.breakers[key] = b
	}
	return b
}
