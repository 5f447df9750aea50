// Package router selects a backend model for each call, trading off observed
// success rate, latency, cost, and response quality, with failover to the
// next-best candidate when a call fails or the model is rate limited.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/audit"
	"github.com/helmsman-ai/orchestrator/internal/circuitbreaker"
	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/metering"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/modelregistry"
	"github.com/helmsman-ai/orchestrator/internal/ratelimit"
	"github.com/helmsman-ai/orchestrator/internal/storage"
	"github.com/helmsman-ai/orchestrator/internal/tracing"
)

// Request is the payload handed to a backend model.
type Request struct {
	Prompt            string `json:"prompt"`
	TaskID            string `json:"task_id"`
	Role              string `json:"role"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
	Cacheable         bool   `json:"cacheable,omitempty"`
	DisableEvaluation bool   `json:"disable_evaluation,omitempty"`
}

// Response is what a backend returns for one invocation.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	LatencyMS    float64
	RateLimited  bool
	RetryAfter   time.Duration
}

// Backend performs the actual model invocation. Inference itself is outside
// the kernel; workers and tests provide implementations.
type Backend interface {
	Invoke(ctx context.Context, model modelregistry.Metadata, req Request) (*Response, error)
}

// Constraints narrow candidate selection for one call.
type Constraints struct {
	MaxCostPer1K       float64
	MinQuality         float64
	PreferredProviders []string
}

// Call describes one routed model call.
type Call struct {
	Role            string
	Capabilities    []string
	EstimatedTokens int
	Constraints     Constraints
	Request         Request
}

// Candidate is a ranked routing option.
type Candidate struct {
	Model modelregistry.Metadata
	Score float64
}

// Result is the outcome of a successful routed call.
type Result struct {
	ModelID      string
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMS    float64
	Quality      Score
	FromCache    bool
	Failovers    int
}

// NoAvailableModelError reports that every candidate was filtered out or
// failed; RetryAfter carries the earliest known rate-limit reset.
type NoAvailableModelError struct {
	RetryAfter *time.Duration
}

func (e *NoAvailableModelError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("no available model (earliest reset in %s)", *e.RetryAfter)
	}
	return "no available model"
}

// Router routes model calls.
type Router struct {
	registry *modelregistry.Registry
	limiter  *ratelimit.Limiter
	meter    *metering.Meter
	breakers *circuitbreaker.Group
	cache    *ResponseCache
	db       *storage.DB
	sink     audit.Sink
	backend  Backend
	logger   *zap.Logger

	qualityThreshold float64
	evalWindow       int

	mu           sync.Mutex
	recentScores map[string][]float64
}

// Options bundles the router's tunables.
type Options struct {
	QualityThreshold float64
	EvaluationWindow int
}

// New creates a router. cache, db, and sink may be nil (disabled).
func New(
	registry *modelregistry.Registry,
	limiter *ratelimit.Limiter,
	meter *metering.Meter,
	breakers *circuitbreaker.Group,
	cache *ResponseCache,
	db *storage.DB,
	sink audit.Sink,
	backend Backend,
	opts Options,
	logger *zap.Logger,
) *Router {
	if opts.QualityThreshold <= 0 {
		opts.QualityThreshold = 0.7
	}
	if opts.EvaluationWindow <= 0 {
		opts.EvaluationWindow = 10
	}
	return &Router{
		registry:         registry,
		limiter:          limiter,
		meter:            meter,
		breakers:         breakers,
		cache:            cache,
		db:               db,
		sink:             sink,
		backend:          backend,
		logger:           logger,
		qualityThreshold: opts.QualityThreshold,
		evalWindow:       opts.EvaluationWindow,
		recentScores:     make(map[string][]float64),
	}
}

// Route returns candidates ranked best-first. Disabled, rate-limited, and
// breaker-open models are excluded; ties keep catalog order.
func (r *Router) Route(ctx context.Context, call Call) ([]Candidate, error) {
	var (
		candidates    []Candidate
		earliestReset *time.Duration
	)

	for _, m := range r.registry.Enabled() {
		if !hasAllCapabilities(&m, call.Capabilities) {
			continue
		}
		if len(call.Constraints.PreferredProviders) > 0 && !contains(call.Constraints.PreferredProviders, m.Provider) {
			continue
		}
		costPer1K := m.InputPricePerK + m.OutputPricePerK
		if call.Constraints.MaxCostPer1K > 0 && costPer1K > call.Constraints.MaxCostPer1K {
			continue
		}
		if call.EstimatedTokens > 0 && m.ContextWindow > 0 && call.EstimatedTokens > m.ContextWindow {
			continue
		}
		if r.breakers != nil && r.breakers.Get(m.ID).State() == circuitbreaker.StateOpen {
			continue
		}
		if r.limiter != nil {
			st, err := r.limiter.Check(ctx, m.ID, call.EstimatedTokens)
			if err != nil {
				return nil, err
			}
			if st.IsLimited {
				if d := r.limiter.TimeUntilReset(m.ID); d != nil {
					if earliestReset == nil || *d < *earliestReset {
						earliestReset = d
					}
				}
				continue
			}
		}

		score, quality := r.score(ctx, &m, costPer1K)
		if call.Constraints.MinQuality > 0 && quality < call.Constraints.MinQuality {
			continue
		}
		candidates = append(candidates, Candidate{Model: m, Score: score})
	}

	if len(candidates) == 0 {
		return nil, errs.Wrap(errs.KindCapacity, "router.route", &NoAvailableModelError{RetryAfter: earliestReset})
	}

	// Stable sort preserves catalog order for equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// score combines observed success rate, rolling p95 latency, cost, and
// rolling quality into one scalar. Models without observations fall back to
// catalog expectations.
func (r *Router) score(ctx context.Context, m *modelregistry.Metadata, costPer1K float64) (float64, float64) {
	successRate := 1.0
	p95 := m.AvgResponseTimeMS
	quality := r.qualityThreshold

	if r.meter != nil {
		if rep, err := r.meter.Performance(ctx, m.ID, 24); err == nil && rep.Requests > 0 {
			successRate = rep.SuccessRate
			if rep.P95LatencyMS > 0 {
				p95 = rep.P95LatencyMS
			}
			if rep.AvgQuality > 0 {
				quality = rep.AvgQuality
			}
		}
	}

	latencyScore := 1.0 / (1.0 + p95/1000.0)
	costScore := 1.0 / (1.0 + costPer1K*50.0)
	score := 0.35*successRate + 0.25*latencyScore + 0.20*costScore + 0.20*quality
	return score, quality
}

// Execute routes and performs the call, failing over through the ranked
// candidates. Cost, performance, and quality are recorded for every attempt.
func (r *Router) Execute(ctx context.Context, call Call) (*Result, error) {
	candidates, err := r.Route(ctx, call)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, cand := range candidates {
		m := cand.Model

		if call.Request.Cacheable && r.cache != nil {
			key := Key(m.ID, call.Request.Prompt)
			if entry, ok := r.cache.Get(ctx, key); ok {
				metrics.ModelCalls.WithLabelValues(m.ID, "cache_hit").Inc()
				return &Result{
					ModelID:   m.ID,
					Content:   entry.Response,
					Quality:   perfectScore(),
					FromCache: true,
					Failovers: i,
				}, nil
			}
		}

		res, callErr := r.invoke(ctx, &m, call)
		if callErr == nil {
			res.Failovers = i
			if call.Request.Cacheable && r.cache != nil {
				key := Key(m.ID, call.Request.Prompt)
				r.cache.Put(ctx, key, m.ID, key, res.Content)
			}
			return res, nil
		}

		lastErr = callErr
		r.logger.Warn("Model call failed, trying next candidate",
			zap.String("model", m.ID),
			zap.Int("rank", i),
			zap.Error(callErr),
		)
		if i+1 < len(candidates) {
			r.recordFailover(ctx, m.ID, candidates[i+1].Model.ID, callErr.Error())
		}
	}

	var earliest *time.Duration
	if r.limiter != nil {
		for _, cand := range candidates {
			if d := r.limiter.TimeUntilReset(cand.Model.ID); d != nil {
				if earliest == nil || *d < *earliest {
					earliest = d
				}
			}
		}
	}
	if earliest != nil {
		return nil, errs.Wrap(errs.KindCapacity, "router.execute", &NoAvailableModelError{RetryAfter: earliest})
	}
	return nil, errs.Wrap(errs.KindCapacity, "router.execute",
		fmt.Errorf("all %d candidates failed: %w", len(candidates), lastErr))
}

func (r *Router) invoke(ctx context.Context, m *modelregistry.Metadata, call Call) (*Result, error) {
	ctx, span := tracing.StartModelCall(ctx, m.ID)
	defer span.End()

	var gen uint64
	if r.breakers != nil {
		var err error
		gen, err = r.breakers.Get(m.ID).Allow()
		if err != nil {
			return nil, errs.Wrap(errs.KindCapacity, "router.invoke", err)
		}
	}

	start := time.Now()
	resp, err := r.backend.Invoke(ctx, *m, call.Request)
	latency := float64(time.Since(start).Milliseconds())

	if err != nil || resp == nil {
		if r.breakers != nil {
			r.breakers.Get(m.ID).Report(gen, false)
		}
		if r.limiter != nil {
			r.limiter.Record(ctx, m.ID, 0, false, 0)
		}
		if r.meter != nil {
			_ = r.meter.RecordPerformance(ctx, m.ID, call.Role, call.Request.TaskID, latency, false, nil)
		}
		metrics.ModelCalls.WithLabelValues(m.ID, "error").Inc()
		if err == nil {
			err = fmt.Errorf("backend returned no response")
		}
		return nil, errs.Wrap(errs.KindTransient, "router.invoke", err)
	}

	if resp.LatencyMS > 0 {
		latency = resp.LatencyMS
	}
	totalTokens := resp.InputTokens + resp.OutputTokens

	if resp.RateLimited {
		if r.breakers != nil {
			r.breakers.Get(m.ID).Report(gen, false)
		}
		if r.limiter != nil {
			r.limiter.Record(ctx, m.ID, totalTokens, true, resp.RetryAfter)
		}
		metrics.ModelCalls.WithLabelValues(m.ID, "rate_limited").Inc()
		return nil, errs.Newf(errs.KindTransient, "router.invoke", "model %s rate limited by provider", m.ID)
	}

	if r.breakers != nil {
		r.breakers.Get(m.ID).Report(gen, true)
	}
	if r.limiter != nil {
		r.limiter.Record(ctx, m.ID, totalTokens, false, 0)
	}

	score := perfectScore()
	if !call.Request.DisableEvaluation {
		score = Evaluate(call.Request.Prompt, resp.Content)
	}
	r.pushScore(m.ID, score.Overall)
	metrics.ModelQualityScore.WithLabelValues(m.ID).Observe(score.Overall)

	cost := m.Cost(resp.InputTokens, resp.OutputTokens)
	if r.meter != nil {
		if err := r.meter.RecordCost(ctx, m.ID, call.Role, call.Request.TaskID, resp.InputTokens, resp.OutputTokens, cost); err != nil {
			r.logger.Warn("Cost record failed", zap.String("model", m.ID), zap.Error(err))
		}
		q := score.Overall
		if err := r.meter.RecordPerformance(ctx, m.ID, call.Role, call.Request.TaskID, latency, true, &q); err != nil {
			r.logger.Warn("Performance record failed", zap.String("model", m.ID), zap.Error(err))
		}
	}
	metrics.ModelCalls.WithLabelValues(m.ID, "success").Inc()

	return &Result{
		ModelID:      m.ID,
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
		LatencyMS:    latency,
		Quality:      score,
	}, nil
}

// ShouldSwitch reports whether the model's recent quality history warrants
// switching: three or more of the last ten observed scores below threshold.
func (r *Router) ShouldSwitch(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	scores := r.recentScores[modelID]
	below := 0
	for _, s := range scores {
		if s < r.qualityThreshold {
			below++
		}
	}
	return below >= 3
}

// RecentScores returns a copy of the model's rolling score window.
func (r *Router) RecentScores(modelID string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.recentScores[modelID]))
	copy(out, r.recentScores[modelID])
	return out
}

func (r *Router) pushScore(modelID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scores := append(r.recentScores[modelID], score)
	if len(scores) > r.evalWindow {
		scores = scores[len(scores)-r.evalWindow:]
	}
	r.recentScores[modelID] = scores
}

func (r *Router) recordFailover(ctx context.Context, from, to, reason string) {
	metrics.ModelFailovers.WithLabelValues(from, to).Inc()
	if r.db != nil {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO failover_events (ts, from_model, to_model, reason) VALUES (?, ?, ?, ?)`,
			time.Now().UTC(), from, to, reason); err != nil {
			r.logger.Warn("Failover event write failed", zap.Error(err))
		}
	}
	if r.sink != nil {
		_, _ = r.sink.Record(ctx, audit.Entry{
			Kind:     audit.KindProcessing,
			Severity: audit.SeverityWarning,
			Action:   "router.failover",
			Category: "routing",
			Payload:  audit.Payload{Extra: map[string]any{"from": from, "to": to, "reason": reason}},
		})
	}
}

func hasAllCapabilities(m *modelregistry.Metadata, tags []string) bool {
	for _, t := range tags {
		if !m.HasCapability(t) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
