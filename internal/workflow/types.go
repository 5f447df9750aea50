// Package workflow matches parsed requests against workflow templates and
// expands the best match into a concrete plan.
package workflow

import (
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// Pattern is a topology of task dependencies.
type Pattern string

const (
	PatternSequential   Pattern = "sequential"
	PatternParallel     Pattern = "parallel"
	PatternHierarchical Pattern = "hierarchical"
	PatternDynamic      Pattern = "dynamic"
)

// Complexity grades a request or template.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Template errors.
var (
	ErrTemplateNotFound = errs.New(errs.KindNotFound, "workflow.registry", "template not found")
	ErrNoMatch          = errs.New(errs.KindNotFound, "workflow.select", "no template matched the request")
)

// WorkflowTemplate is a reusable recipe mapping an intent and entity pattern
// to agent roles, a dependency pattern, and estimates.
type WorkflowTemplate struct {
	ID                 string            `yaml:"id" json:"id"`
	Name               string            `yaml:"name" json:"name"`
	Category           string            `yaml:"category" json:"category"`
	Pattern            Pattern           `yaml:"pattern" json:"pattern"`
	RequiredRoles      []roles.Role      `yaml:"required_roles" json:"required_roles"`
	OptionalRoles      []roles.Role      `yaml:"optional_roles,omitempty" json:"optional_roles,omitempty"`
	Prerequisites      []string          `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	DurationMinutes    float64           `yaml:"duration_minutes" json:"duration_minutes"`
	Complexities       []Complexity      `yaml:"complexities,omitempty" json:"complexities,omitempty"`
	IntentKeywords     []string          `yaml:"intent_keywords" json:"intent_keywords"`
	EntityRequirements map[string]string `yaml:"entity_requirements,omitempty" json:"entity_requirements,omitempty"`
	SuccessCriteria    []string          `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
}

// SupportsComplexity reports whether the template handles c. An empty list
// means all complexities.
func (t *WorkflowTemplate) SupportsComplexity(c Complexity) bool {
	if len(t.Complexities) == 0 {
		return true
	}
	for _, sc := range t.Complexities {
		if sc == c {
			return true
		}
	}
	return false
}

// LowComplexityOnly reports whether the template targets low complexity and
// nothing above it.
func (t *WorkflowTemplate) LowComplexityOnly() bool {
	if len(t.Complexities) == 0 {
		return false
	}
	for _, sc := range t.Complexities {
		if sc != ComplexityLow {
			return false
		}
	}
	return true
}

// ParsedRequest is the structured form of one user request after intent
// extraction.
type ParsedRequest struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	RawText        string              `json:"raw_text"`
	Timestamp      time.Time           `json:"timestamp"`
	Intent         string              `json:"intent"`
	Confidence     float64             `json:"confidence"`
	Entities       map[string][]string `json:"entities,omitempty"`
	Complexity     Complexity          `json:"complexity"`
	Requirements   []string            `json:"requirements,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
}

// TemplateMatch is one scored candidate from Evaluate.
type TemplateMatch struct {
	Template   *WorkflowTemplate `json:"template"`
	Relevance  float64           `json:"relevance"`
	Confidence float64           `json:"confidence"`
	IntentScore float64          `json:"intent_score"`
	EntityScore float64          `json:"entity_score"`
}

// RankScore is the compound ordering score for a match.
func (m *TemplateMatch) RankScore() float64 {
	score := 0.7*m.Relevance + 0.3*m.Confidence
	score -= min64(0.1, m.Template.DurationMinutes/1440)
	score -= min64(0.05, 0.01*float64(len(m.Template.RequiredRoles)))
	score -= min64(0.05, 0.01*float64(len(m.Template.Prerequisites)))
	return score
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// DependencyKind discriminates task dependencies.
type DependencyKind string

const (
	DependencyCompletion DependencyKind = "completion"
	DependencyData       DependencyKind = "data"
)

// AgentAssignment binds one role into a plan.
type AgentAssignment struct {
	Role            roles.Role `json:"role"`
	Priority        int        `json:"priority"`
	DurationMinutes float64    `json:"duration_minutes"`
	ModelTier       string     `json:"model_tier"`
}

// TaskDependency orders two assignments.
type TaskDependency struct {
	Dependent    roles.Role     `json:"dependent"`
	Prerequisite roles.Role     `json:"prerequisite"`
	Kind         DependencyKind `json:"kind"`
	Blocking     bool           `json:"blocking"`
}

// ResourceRequirement is one resource a plan consumes.
type ResourceRequirement struct {
	Type         string  `json:"type"`
	Amount       float64 `json:"amount"`
	Unit         string  `json:"unit"`
	CostEstimate float64 `json:"cost_estimate"`
	Critical     bool    `json:"critical"`
}

// WorkflowPlan is a concrete instantiation of a template.
type WorkflowPlan struct {
	ID              string                `json:"id"`
	TemplateID      string                `json:"template_id"`
	RequestID       string                `json:"request_id"`
	Pattern         Pattern               `json:"pattern"`
	Assignments     []AgentAssignment     `json:"assignments"`
	Dependencies    []TaskDependency      `json:"dependencies"`
	Resources       []ResourceRequirement `json:"resources"`
	Priority        string                `json:"priority"`
	DurationMinutes float64               `json:"duration_minutes"`
	CreatedAt       time.Time             `json:"created_at"`
}

// ValidationResult reports prerequisite readiness for a plan.
type ValidationResult struct {
	OK                    bool     `json:"ok"`
	MissingPrereqs        []string `json:"missing_prereqs,omitempty"`
	Warnings              []string `json:"warnings,omitempty"`
	EstimatedSetupSeconds int      `json:"estimated_setup_seconds"`
}

// Metrics is the engine's telemetry snapshot.
type Metrics struct {
	TotalEvaluations      int           `json:"total_evaluations"`
	SuccessfulEvaluations int           `json:"successful_evaluations"`
	SuccessRate           float64       `json:"success_rate"`
	AvgEvaluationTime     time.Duration `json:"avg_evaluation_time"`
	CacheHitRate          float64       `json:"cache_hit_rate"`
	CacheSize             int           `json:"cache_size"`
	TemplatesLoaded       int           `json:"templates_loaded"`
}
