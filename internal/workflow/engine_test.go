package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/session"
)

func newTestEngine(t *testing.T) (*Engine, *Registry) {
	t.Helper()
	r := loadedRegistry(t)
	e := NewEngine(r, config.TemplateConfig{EvalCacheTTLSec: 300, EvalCacheSize: 16}, zap.NewNop())
	return e, r
}

func projectCreationRequest() *ParsedRequest {
	return &ParsedRequest{
		ID:         "req-1",
		UserID:     "user-1",
		Intent:     "create_project",
		Confidence: 0.9,
		Entities: map[string][]string{
			"languages":  {"python"},
			"frameworks": {"django"},
		},
		Complexity: ComplexityHigh,
		Timestamp:  time.Now().UTC(),
	}
}

func TestEvaluateMatchesProjectCreation(t *testing.T) {
	e, _ := newTestEngine(t)
	matches := e.Evaluate(context.Background(), projectCreationRequest(), nil)

	require.Len(t, matches, 1) // code_review does not support high complexity
	m := matches[0]
	assert.Equal(t, "project_creation", m.Template.ID)
	assert.Equal(t, 1.0, m.IntentScore)
	assert.Equal(t, 1.0, m.EntityScore)
	assert.Equal(t, 1.0, m.Relevance)
	assert.Equal(t, 1.0, m.Confidence)
}

func TestSelectExpandsScenarioPlan(t *testing.T) {
	e, _ := newTestEngine(t)
	req := projectCreationRequest()
	matches := e.Evaluate(context.Background(), req, nil)

	plan, err := e.Select(req, matches)
	require.NoError(t, err)

	assert.Equal(t, "project_creation", plan.TemplateID)
	assert.Equal(t, PatternSequential, plan.Pattern)
	assert.Equal(t, 960.0, plan.DurationMinutes)
	assert.Equal(t, "high", plan.Priority)

	require.Len(t, plan.Assignments, 3)
	for _, a := range plan.Assignments {
		assert.Equal(t, 1, a.Priority) // PM, BA, SA all coordinate
		assert.InDelta(t, 320.0, a.DurationMinutes, 1e-9)
	}

	require.Len(t, plan.Dependencies, 2)
	assert.Equal(t, roles.BusinessAnalyst, plan.Dependencies[0].Dependent)
	assert.Equal(t, roles.ProjectManager, plan.Dependencies[0].Prerequisite)
	assert.Equal(t, roles.SolutionArchitect, plan.Dependencies[1].Dependent)
	assert.Equal(t, roles.BusinessAnalyst, plan.Dependencies[1].Prerequisite)
	assertAcyclic(t, plan)
}

func TestSelectWithNoMatches(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Select(projectCreationRequest(), nil)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestEvaluateSkipsLowRelevance(t *testing.T) {
	e, _ := newTestEngine(t)
	req := &ParsedRequest{
		Intent:     "deploy_service",
		Confidence: 0.9,
		Complexity: ComplexityMedium,
	}
	matches := e.Evaluate(context.Background(), req, nil)
	// No keywords match; entity-free code_review still scores 0.4 entity
	// weight, project_creation misses its required slot.
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Relevance, relevanceFloor)
	}
}

func TestEntityScoreCountsOnlyRequiredSlots(t *testing.T) {
	requirements := map[string]string{"languages": "required", "frameworks": "optional"}

	// A missing optional slot does not depress the score.
	assert.InDelta(t, 1.0, entityScore(map[string][]string{"languages": {"python"}}, requirements), 1e-9)
	assert.InDelta(t, 0.0, entityScore(map[string][]string{"frameworks": {"django"}}, requirements), 1e-9)
	assert.InDelta(t, 1.0, entityScore(nil, map[string]string{"frameworks": "optional"}), 1e-9)
	assert.InDelta(t, 1.0, entityScore(nil, nil), 1e-9)

	e, _ := newTestEngine(t)
	req := projectCreationRequest()
	delete(req.Entities, "frameworks")
	matches := e.Evaluate(context.Background(), req, nil)
	m := findMatch(matches, "project_creation")
	require.NotNil(t, m)
	assert.InDelta(t, 1.0, m.EntityScore, 1e-9)
}

func TestConfidenceAdjustments(t *testing.T) {
	e, _ := newTestEngine(t)
	base := &ParsedRequest{
		Intent:     "review_stuff", // matches 1 of 2 code_review keywords
		Confidence: 0.9,
		Complexity: ComplexityMedium,
	}
	matches := e.Evaluate(context.Background(), base, nil)
	var reviewMatch *TemplateMatch
	for i := range matches {
		if matches[i].Template.ID == "code_review" {
			reviewMatch = &matches[i]
		}
	}
	require.NotNil(t, reviewMatch)
	assert.InDelta(t, 0.5, reviewMatch.IntentScore, 1e-9)
	assert.InDelta(t, 1.0, reviewMatch.EntityScore, 1e-9)
	assert.InDelta(t, 0.7, reviewMatch.Relevance, 1e-9)
	// relevance 0.7, +0.1 entity >= 0.8
	assert.InDelta(t, 0.8, reviewMatch.Confidence, 1e-9)

	lowConf := *base
	lowConf.Confidence = 0.5
	matches = e.Evaluate(context.Background(), &lowConf, nil)
	for _, m := range matches {
		if m.Template.ID == "code_review" {
			assert.InDelta(t, 0.7, m.Confidence, 1e-9) // -0.1 for low request confidence
		}
	}

	withReqs := *base
	withReqs.Requirements = []string{"a", "b", "c"}
	matches = e.Evaluate(context.Background(), &withReqs, nil)
	for _, m := range matches {
		if m.Template.ID == "code_review" {
			assert.InDelta(t, 0.85, m.Confidence, 1e-9) // +0.05 for three requirements
		}
	}
}

func findMatch(matches []TemplateMatch, id string) *TemplateMatch {
	for i := range matches {
		if matches[i].Template.ID == id {
			return &matches[i]
		}
	}
	return nil
}

func TestContextBoosts(t *testing.T) {
	e, r := newTestEngine(t)
	// Two keywords so a partial match keeps relevance below the clamp.
	require.NoError(t, r.Add(&WorkflowTemplate{
		ID: "quick_fix", Name: "Quick Fix", Category: "maintenance",
		Pattern:         PatternSequential,
		RequiredRoles:   []roles.Role{roles.Implementation},
		DurationMinutes: 30,
		Complexities:    []Complexity{ComplexityLow},
		IntentKeywords:  []string{"fix", "hotfix"},
	}))

	req := &ParsedRequest{Intent: "fix_bug", Confidence: 0.9, Complexity: ComplexityLow}
	plain := findMatch(e.Evaluate(context.Background(), req, nil), "quick_fix")
	require.NotNil(t, plain)
	baseRel := plain.Relevance
	assert.InDelta(t, 0.7, baseRel, 1e-9)

	recent := &session.ConversationContext{RecentTemplates: []string{"quick_fix"}}
	boosted := findMatch(e.Evaluate(context.Background(), req, recent), "quick_fix")
	assert.InDelta(t, baseRel+0.1, boosted.Relevance, 1e-9)

	prefers := &session.ConversationContext{
		Preferences: session.Preferences{PreferredPatterns: []string{"sequential"}},
	}
	boosted = findMatch(e.Evaluate(context.Background(), req, prefers), "quick_fix")
	assert.InDelta(t, baseRel+0.15, boosted.Relevance, 1e-9)

	beginner := &session.ConversationContext{
		Preferences: session.Preferences{ExperienceLevel: "beginner"},
	}
	boosted = findMatch(e.Evaluate(context.Background(), req, beginner), "quick_fix")
	assert.InDelta(t, baseRel+0.1, boosted.Relevance, 1e-9)
}

func TestExpertBoostForHighComplexityTemplates(t *testing.T) {
	e, _ := newTestEngine(t)
	req := projectCreationRequest()
	req.Intent = "create_thing" // partial match keeps relevance below the clamp

	plain := e.Evaluate(context.Background(), req, nil)
	require.Len(t, plain, 1)

	expert := &session.ConversationContext{
		Preferences: session.Preferences{ExperienceLevel: "expert"},
	}
	boosted := e.Evaluate(context.Background(), req, expert)
	assert.InDelta(t, clamp01(plain[0].Relevance+0.05), boosted[0].Relevance, 1e-9)
}

func TestRankAppliesPenaltiesAndStability(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, r.Add(&WorkflowTemplate{
		ID: "twin_a", Name: "Twin A", Pattern: PatternSequential,
		RequiredRoles: []roles.Role{roles.Researcher}, DurationMinutes: 60,
		IntentKeywords: []string{"twin"},
	}))
	require.NoError(t, r.Add(&WorkflowTemplate{
		ID: "twin_b", Name: "Twin B", Pattern: PatternSequential,
		RequiredRoles: []roles.Role{roles.Researcher}, DurationMinutes: 60,
		IntentKeywords: []string{"twin"},
	}))

	req := &ParsedRequest{Intent: "twin_task", Confidence: 0.9, Complexity: ComplexityMedium}
	ranked := e.Rank(e.Evaluate(context.Background(), req, nil))
	require.GreaterOrEqual(t, len(ranked), 2)
	// Identical scores retain registry order.
	assert.Equal(t, "twin_a", ranked[0].Template.ID)
	assert.Equal(t, "twin_b", ranked[1].Template.ID)

	// Duration penalty caps at 0.1.
	m := TemplateMatch{Template: &WorkflowTemplate{DurationMinutes: 100000}, Relevance: 1, Confidence: 1}
	assert.InDelta(t, 0.9, m.RankScore(), 1e-9)
}

func TestEvalCacheHitsAndInvalidation(t *testing.T) {
	e, r := newTestEngine(t)
	req := projectCreationRequest()

	e.Evaluate(context.Background(), req, nil)
	e.Evaluate(context.Background(), req, nil)

	m := e.GetMetrics()
	assert.Equal(t, 2, m.TotalEvaluations)
	assert.Greater(t, m.CacheHitRate, 0.0)
	assert.Equal(t, 1, m.CacheSize)

	// Any template mutation purges the cache.
	require.NoError(t, r.Add(&WorkflowTemplate{
		ID: "new_one", Name: "New", Pattern: PatternSequential,
		RequiredRoles: []roles.Role{roles.Researcher}, DurationMinutes: 10,
	}))
	assert.Equal(t, 0, e.GetMetrics().CacheSize)
}

func TestValidatePrerequisites(t *testing.T) {
	e, _ := newTestEngine(t)
	req := projectCreationRequest()
	plan, err := e.Select(req, e.Evaluate(context.Background(), req, nil))
	require.NoError(t, err)

	// Missing prerequisite: 15 base + 30 per missing + sequential surcharge 0.
	res, err := e.ValidatePrerequisites(plan, StaticPrereqChecker{}, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"repository_access"}, res.MissingPrereqs)
	assert.Equal(t, 45, res.EstimatedSetupSeconds)

	res, err = e.ValidatePrerequisites(plan, StaticPrereqChecker{"repository_access": true}, noWorkers{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 15, res.EstimatedSetupSeconds)
	assert.Len(t, res.Warnings, 3)
}

type noWorkers struct{}

func (noWorkers) CountByRole(roles.Role) int { return 0 }

func TestDependencyPatterns(t *testing.T) {
	parallel := buildDependencies(PatternParallel,
		[]roles.Role{roles.ProjectManager, roles.QualityJudge, roles.Implementation})
	require.Len(t, parallel, 2)
	for _, d := range parallel {
		assert.Equal(t, roles.ProjectManager, d.Prerequisite)
	}

	dynamic := buildDependencies(PatternDynamic,
		[]roles.Role{roles.Researcher, roles.BusinessAnalyst, roles.SolutionArchitect})
	require.Len(t, dynamic, 2)
	for _, d := range dynamic {
		assert.Equal(t, roles.Researcher, d.Prerequisite)
	}

	hier := buildDependencies(PatternHierarchical,
		[]roles.Role{roles.ProjectManager, roles.BusinessAnalyst, roles.SolutionArchitect, roles.Implementation})
	require.Len(t, hier, 3)
	assert.Equal(t, roles.ProjectManager, hier[0].Prerequisite)
	assert.Equal(t, roles.ProjectManager, hier[1].Prerequisite)
	assert.Equal(t, roles.BusinessAnalyst, hier[2].Prerequisite)
}

// assertAcyclic verifies the plan's dependency graph has no cycles and no
// self-dependencies.
func assertAcyclic(t *testing.T, plan *WorkflowPlan) {
	t.Helper()
	adj := make(map[roles.Role][]roles.Role)
	for _, d := range plan.Dependencies {
		require.NotEqual(t, d.Dependent, d.Prerequisite, "self-dependency")
		adj[d.Prerequisite] = append(adj[d.Prerequisite], d.Dependent)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[roles.Role]int)
	var visit func(r roles.Role)
	visit = func(r roles.Role) {
		color[r] = gray
		for _, next := range adj[r] {
			require.NotEqual(t, gray, color[next], "cycle detected")
			if color[next] == white {
				visit(next)
			}
		}
		color[r] = black
	}
	for _, a := range plan.Assignments {
		if color[a.Role] == white {
			visit(a.Role)
		}
	}
}
