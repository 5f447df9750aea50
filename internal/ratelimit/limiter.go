// Package ratelimit enforces per-model request/token rate limits over a
// sliding 60-second window. A provider-reported rate limit (429) is
// authoritative and marks the model limited regardless of the window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/modelregistry"
	"github.com/helmsman-ai/orchestrator/internal/storage"
)

const window = 60 * time.Second

// Status is the outcome of a Check.
type Status struct {
	IsLimited         bool       `json:"is_limited"`
	UtilizationPct    float64    `json:"utilization_pct"`
	RequestsRemaining int        `json:"requests_remaining"`
	TokensRemaining   int        `json:"tokens_remaining"`
	ResetTime         *time.Time `json:"reset_time,omitempty"`
}

type windowEntry struct {
	ts     time.Time
	tokens int
}

type modelState struct {
	entries      []windowEntry
	limitedUntil time.Time
}

// Limiter tracks sliding-window usage per model.
type Limiter struct {
	mu           sync.Mutex
	models       map[string]*modelState
	registry     *modelregistry.Registry
	db           *storage.DB
	sink         audit.Sink
	logger       *zap.Logger
	thresholdPct float64
	clock        func() time.Time
}

// NewLimiter creates a limiter. thresholdPct is the inclusive utilization
// percentage at which a model counts as limited (default 90 when <= 0).
func NewLimiter(registry *modelregistry.Registry, db *storage.DB, sink audit.Sink, thresholdPct float64, logger *zap.Logger) *Limiter {
	if thresholdPct <= 0 {
		thresholdPct = 90.0
	}
	return &Limiter{
		models:       make(map[string]*modelState),
		registry:     registry,
		db:           db,
		sink:         sink,
		logger:       logger,
		thresholdPct: thresholdPct,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source; tests only.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Check purges expired window entries, then reports whether a call with the
// estimated token count should be blocked. A model is limited iff it has a
// future reset mark or its utilization is at or above the threshold.
func (l *Limiter) Check(ctx context.Context, modelID string, estimatedTokens int) (Status, error) {
	meta, err := l.registry.Get(modelID)
	if err != nil {
		return Status{}, err
	}
	rpm := meta.RateLimits.RequestsPerMinute
	tpm := meta.RateLimits.TokensPerMinute

	l.mu.Lock()
	st := l.state(modelID)
	now := l.clock()
	l.purgeLocked(st, now)

	requests := len(st.entries)
	tokens := 0
	for _, e := range st.entries {
		tokens += e.tokens
	}

	// Utilization is computed from observed usage only; the estimate feeds
	// the predictive overflow check below.
	var utilization float64
	if rpm > 0 {
		utilization = float64(requests) / float64(rpm) * 100
	}
	if tpm > 0 {
		if tu := float64(tokens) / float64(tpm) * 100; tu > utilization {
			utilization = tu
		}
	}

	out := Status{UtilizationPct: utilization}
	if rpm > 0 {
		out.RequestsRemaining = max(0, rpm-requests)
	}
	if tpm > 0 {
		out.TokensRemaining = max(0, tpm-tokens)
	}

	marked := false
	resetExpired := false
	if !st.limitedUntil.IsZero() {
		if now.Before(st.limitedUntil) {
			marked = true
			reset := st.limitedUntil
			out.ResetTime = &reset
		} else {
			st.limitedUntil = time.Time{}
			resetExpired = true
		}
	}

	wouldOverflow := tpm > 0 && tokens+estimatedTokens > tpm
	out.IsLimited = marked || utilization >= l.thresholdPct || wouldOverflow

	newlyMarked := out.IsLimited && !marked
	if newlyMarked {
		// Window-derived limit: mark the model so IsLimited observes it and
		// the reset event fires once the window drains.
		st.limitedUntil = now.Add(window)
		reset := st.limitedUntil
		out.ResetTime = &reset
	}
	l.mu.Unlock()

	if resetExpired {
		l.recordEvent(ctx, modelID, "reset", "")
	}
	if newlyMarked {
		l.recordEvent(ctx, modelID, "limited", fmt.Sprintf("utilization %.1f%%", utilization))
	}

	metrics.RateLimitUtilization.WithLabelValues(modelID).Set(utilization)
	outcome := "allowed"
	if out.IsLimited {
		outcome = "limited"
	}
	metrics.RateLimitChecks.WithLabelValues(modelID, outcome).Inc()
	return out, nil
}

// Record appends one observation to the window. When the provider reported a
// rate limit, the model is marked limited until now + retryAfter (60s when
// retryAfter is zero) and a rate-limit event is written.
func (l *Limiter) Record(ctx context.Context, modelID string, tokens int, wasRateLimited bool, retryAfter time.Duration) {
	l.mu.Lock()
	st := l.state(modelID)
	now := l.clock()
	st.entries = append(st.entries, windowEntry{ts: now, tokens: tokens})
	if wasRateLimited {
		if retryAfter <= 0 {
			retryAfter = window
		}
		st.limitedUntil = now.Add(retryAfter)
	}
	l.mu.Unlock()

	if wasRateLimited {
		l.recordEvent(ctx, modelID, "provider_limited", fmt.Sprintf("retry after %s", retryAfter))
	}
}

// IsLimited reads the cached mark; when the reset time has passed it clears
// the mark and writes a reset event exactly once.
func (l *Limiter) IsLimited(ctx context.Context, modelID string) bool {
	l.mu.Lock()
	st := l.state(modelID)
	now := l.clock()
	if st.limitedUntil.IsZero() {
		l.mu.Unlock()
		return false
	}
	if now.Before(st.limitedUntil) {
		l.mu.Unlock()
		return true
	}
	st.limitedUntil = time.Time{}
	l.mu.Unlock()

	l.recordEvent(ctx, modelID, "reset", "")
	return false
}

// TimeUntilReset returns the remaining limited duration: zero when the mark
// has passed, nil when the model is not marked at all.
func (l *Limiter) TimeUntilReset(modelID string) *time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(modelID)
	if st.limitedUntil.IsZero() {
		return nil
	}
	d := st.limitedUntil.Sub(l.clock())
	if d < 0 {
		d = 0
	}
	return &d
}

func (l *Limiter) state(modelID string) *modelState {
	st, ok := l.models[modelID]
	if !ok {
		st = &modelState{}
		l.models[modelID] = st
	}
	return st
}

// purgeLocked drops entries older than the window. O(k) in expired entries.
func (l *Limiter) purgeLocked(st *modelState, now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.entries) && !st.entries[i].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		st.entries = append(st.entries[:0], st.entries[i:]...)
	}
}

func (l *Limiter) recordEvent(ctx context.Context, modelID, event, detail string) {
	if l.db != nil {
		if _, err := l.db.ExecContext(ctx,
			`INSERT INTO rate_limit_events (ts, model_id, event, detail) VALUES (?, ?, ?, ?)`,
			l.clock(), modelID, event, detail); err != nil {
			l.logger.Warn("Failed to persist rate limit event",
				zap.String("model", modelID), zap.String("event", event), zap.Error(err))
		}
	}
	if l.sink != nil {
		_, err := l.sink.Record(ctx, audit.Entry{
			Kind:     audit.KindProcessing,
			Severity: audit.SeverityWarning,
			Action:   "ratelimit." + event,
			Category: "rate_limit",
			Payload:  audit.Payload{Extra: map[string]any{"model_id": modelID, "detail": detail}},
		})
		if err != nil {
			l.logger.Warn("Failed to audit rate limit event", zap.String("model", modelID), zap.Error(err))
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
