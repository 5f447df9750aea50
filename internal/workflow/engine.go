package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/session"
	"github.com/helmsman-ai/orchestrator/internal/tracing"
)

// Matches below this relevance are discarded.
const relevanceFloor = 0.1

// Per-minute cost rate used for plan resource estimates.
const computeCostPerMinute = 0.05

// Setup-time surcharge per orchestration pattern, in seconds.
var patternSurcharge = map[Pattern]int{
	PatternSequential:   0,
	PatternParallel:     10,
	PatternHierarchical: 20,
	PatternDynamic:      30,
}

// PrereqChecker answers whether a named prerequisite is satisfied.
type PrereqChecker interface {
	Available(name string) bool
}

// StaticPrereqChecker satisfies every prerequisite it knows by name.
type StaticPrereqChecker map[string]bool

func (s StaticPrereqChecker) Available(name string) bool { return s[name] }

// AgentAvailability reports live workers per role. The worker pool satisfies
// this.
type AgentAvailability interface {
	CountByRole(role roles.Role) int
}

// Engine evaluates requests against the template registry and expands the
// best match into a WorkflowPlan.
type Engine struct {
	registry *Registry
	logger   *zap.Logger
	cache    *evalCache
	clock    func() time.Time

	statsMu       sync.Mutex
	totalEvals    int
	matchedEvals  int
	totalEvalTime time.Duration
	cacheLookups  int
	cacheHits     int
}

// NewEngine builds the engine and wires cache invalidation to registry
// mutations.
func NewEngine(registry *Registry, cfg config.TemplateConfig, logger *zap.Logger) *Engine {
	e := &Engine{
		registry: registry,
		logger:   logger,
		cache:    newEvalCache(time.Duration(cfg.EvalCacheTTLSec)*time.Second, cfg.EvalCacheSize),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	registry.OnMutation(e.cache.purge)
	return e
}

// Evaluate scores every compatible template against the request. convCtx may
// be nil; context boosts then do not apply. Matches return in registry order.
func (e *Engine) Evaluate(ctx context.Context, req *ParsedRequest, convCtx *session.ConversationContext) []TemplateMatch {
	_, span := tracing.Start(ctx, "workflow.evaluate")
	defer span.End()

	start := e.clock()
	scores := e.baseScores(req)

	templates := e.registry.List()
	byID := make(map[string]*WorkflowTemplate, len(templates))
	for _, tpl := range templates {
		byID[tpl.ID] = tpl
	}

	var matches []TemplateMatch
	for _, s := range scores {
		tpl := byID[s.TemplateID]
		if tpl == nil {
			continue
		}
		relevance := 0.6*s.IntentScore + 0.4*s.EntityScore
		if relevance < relevanceFloor {
			continue
		}

		confidence := relevance
		if s.IntentScore >= 0.8 {
			confidence += 0.1
		}
		if s.EntityScore >= 0.8 {
			confidence += 0.1
		}
		if len(req.Requirements) >= 3 {
			confidence += 0.05
		}
		if req.Confidence < 0.7 {
			confidence -= 0.1
		}
		confidence = clamp01(confidence)

		if convCtx != nil {
			if convCtx.UsedTemplateRecently(tpl.ID) {
				relevance += 0.1
			}
			if convCtx.PrefersPattern(string(tpl.Pattern)) {
				relevance += 0.15
			}
			switch convCtx.Preferences.ExperienceLevel {
			case "beginner":
				if tpl.LowComplexityOnly() {
					relevance += 0.1
				}
			case "expert":
				if tpl.SupportsComplexity(ComplexityHigh) {
					relevance += 0.05
				}
			}
			relevance = clamp01(relevance)
		}

		matches = append(matches, TemplateMatch{
			Template:    tpl,
			Relevance:   relevance,
			Confidence:  confidence,
			IntentScore: s.IntentScore,
			EntityScore: s.EntityScore,
		})
	}

	elapsed := e.clock().Sub(start)
	metrics.TemplateEvaluationDuration.Observe(elapsed.Seconds())
	outcome := "matched"
	if len(matches) == 0 {
		outcome = "no_match"
	}
	metrics.TemplateEvaluations.WithLabelValues(outcome).Inc()

	e.statsMu.Lock()
	e.totalEvals++
	if len(matches) > 0 {
		e.matchedEvals++
	}
	e.totalEvalTime += elapsed
	e.statsMu.Unlock()

	return matches
}

// baseScores computes (or retrieves from cache) the context-independent
// intent/entity scores for every compatible template.
func (e *Engine) baseScores(req *ParsedRequest) []baseScore {
	key := fingerprint(req, e.registry.ContentHash())
	now := e.clock()

	e.statsMu.Lock()
	e.cacheLookups++
	e.statsMu.Unlock()

	if cached, ok := e.cache.get(key, now); ok {
		e.statsMu.Lock()
		e.cacheHits++
		e.statsMu.Unlock()
		return cached
	}

	var scores []baseScore
	for _, tpl := range e.registry.List() {
		if !tpl.SupportsComplexity(req.Complexity) {
			continue
		}
		scores = append(scores, baseScore{
			TemplateID:  tpl.ID,
			IntentScore: intentScore(req.Intent, tpl.IntentKeywords),
			EntityScore: entityScore(req.Entities, tpl.EntityRequirements),
		})
	}
	e.cache.put(key, scores, now)
	return scores
}

// intentScore is the fraction of template keywords present in the intent.
func intentScore(intent string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	normalized := strings.ToLower(intent)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// entityScore is the fraction of required entity slots the request fills.
// Optional slots never count against the score.
func entityScore(entities map[string][]string, requirements map[string]string) float64 {
	total := 0
	satisfied := 0
	for slot, level := range requirements {
		if level != "required" {
			continue
		}
		total++
		if vals, ok := entities[slot]; ok && len(vals) > 0 {
			satisfied++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(satisfied) / float64(total)
}

// Rank orders matches by compound score, descending. The sort is stable, so
// equal scores retain registry order.
func (e *Engine) Rank(matches []TemplateMatch) []TemplateMatch {
	ranked := append([]TemplateMatch{}, matches...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RankScore() > ranked[j].RankScore()
	})
	return ranked
}

// Select expands the top-ranked match into a WorkflowPlan.
func (e *Engine) Select(req *ParsedRequest, matches []TemplateMatch) (*WorkflowPlan, error) {
	if len(matches) == 0 {
		return nil, ErrNoMatch
	}
	ranked := e.Rank(matches)
	tpl := ranked[0].Template

	perRole := tpl.DurationMinutes / float64(len(tpl.RequiredRoles))
	assignments := make([]AgentAssignment, 0, len(tpl.RequiredRoles))
	resources := make([]ResourceRequirement, 0, len(tpl.RequiredRoles))
	for _, role := range tpl.RequiredRoles {
		priority := 2
		if roles.Coordinating(role) {
			priority = 1
		}
		assignments = append(assignments, AgentAssignment{
			Role:            role,
			Priority:        priority,
			DurationMinutes: perRole,
			ModelTier:       string(roles.DefaultTier(role)),
		})
		resources = append(resources, ResourceRequirement{
			Type:         "agent_compute",
			Amount:       perRole,
			Unit:         "minutes",
			CostEstimate: perRole * computeCostPerMinute,
			Critical:     priority == 1,
		})
	}

	plan := &WorkflowPlan{
		ID:              uuid.NewString(),
		TemplateID:      tpl.ID,
		RequestID:       req.ID,
		Pattern:         tpl.Pattern,
		Assignments:     assignments,
		Dependencies:    buildDependencies(tpl.Pattern, tpl.RequiredRoles),
		Resources:       resources,
		Priority:        string(req.Complexity),
		DurationMinutes: tpl.DurationMinutes,
		CreatedAt:       e.clock(),
	}

	e.logger.Info("Workflow plan selected",
		zap.String("plan_id", plan.ID),
		zap.String("template_id", tpl.ID),
		zap.String("pattern", string(tpl.Pattern)),
		zap.Float64("rank_score", ranked[0].RankScore()))
	return plan, nil
}

// buildDependencies emits the task ordering for a pattern over the listed
// roles.
func buildDependencies(pattern Pattern, ordered []roles.Role) []TaskDependency {
	var deps []TaskDependency
	blocking := func(dep, pre roles.Role) TaskDependency {
		return TaskDependency{Dependent: dep, Prerequisite: pre, Kind: DependencyCompletion, Blocking: true}
	}

	switch pattern {
	case PatternSequential:
		for i := 1; i < len(ordered); i++ {
			deps = append(deps, blocking(ordered[i], ordered[i-1]))
		}
	case PatternParallel:
		hub := ordered[0]
		for _, r := range ordered {
			if r == roles.ProjectManager {
				hub = r
				break
			}
		}
		for _, r := range ordered {
			if r != hub {
				deps = append(deps, blocking(r, hub))
			}
		}
	case PatternHierarchical:
		for i := 1; i < len(ordered); i++ {
			deps = append(deps, blocking(ordered[i], ordered[(i-1)/2]))
		}
	case PatternDynamic:
		research := roles.Role("")
		for _, r := range ordered {
			if r == roles.Researcher {
				research = r
				break
			}
		}
		if research == "" {
			return buildDependencies(PatternSequential, ordered)
		}
		for _, r := range ordered {
			if r != research {
				deps = append(deps, blocking(r, research))
			}
		}
	}
	return deps
}

// ValidatePrerequisites checks template prerequisites and agent availability
// for a selected plan.
func (e *Engine) ValidatePrerequisites(plan *WorkflowPlan, checker PrereqChecker, avail AgentAvailability) (*ValidationResult, error) {
	tpl, err := e.registry.Get(plan.TemplateID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{OK: true}
	for _, prereq := range tpl.Prerequisites {
		if checker == nil || !checker.Available(prereq) {
			result.OK = false
			result.MissingPrereqs = append(result.MissingPrereqs, prereq)
		}
	}
	if avail != nil {
		for _, a := range plan.Assignments {
			if avail.CountByRole(a.Role) == 0 {
				result.Warnings = append(result.Warnings,
					"no live worker for role "+string(a.Role)+"; one will be spawned at dispatch")
			}
		}
	}

	setup := 15 + 30*len(result.MissingPrereqs) + patternSurcharge[plan.Pattern]
	if extra := len(plan.Assignments) - 3; extra > 0 {
		setup += 10 * extra
	}
	result.EstimatedSetupSeconds = setup
	return result, nil
}

// GetMetrics reports evaluation telemetry.
func (e *Engine) GetMetrics() Metrics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	m := Metrics{
		TotalEvaluations:      e.totalEvals,
		SuccessfulEvaluations: e.matchedEvals,
		CacheSize:             e.cache.size(),
		TemplatesLoaded:       e.registry.Len(),
	}
	if e.totalEvals > 0 {
		m.SuccessRate = float64(e.matchedEvals) / float64(e.totalEvals)
		m.AvgEvaluationTime = e.totalEvalTime / time.Duration(e.totalEvals)
	}
	if e.cacheLookups > 0 {
		m.CacheHitRate = float64(e.cacheHits) / float64(e.cacheLookups)
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
