package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
	"github.com/helmsman-ai/orchestrator/internal/roles"
	"github.com/helmsman-ai/orchestrator/internal/workflow"
)

// canonicalTasks maps each role to its standard task expansion.
var canonicalTasks = map[roles.Role][]string{
	roles.ProjectManager:    {"Requirements Analysis", "Stakeholder Communication", "Project Planning", "Risk Assessment"},
	roles.BusinessAnalyst:   {"Requirements Gathering", "Process Analysis", "Documentation"},
	roles.SolutionArchitect: {"Architecture Design", "Technology Selection", "Integration Planning"},
	roles.Researcher:        {"Background Research", "Feasibility Study"},
	roles.QualityJudge:      {"Quality Review", "Acceptance Evaluation"},
	roles.Implementation:    {"Implementation", "Testing"},
}

var taskDeliverables = map[string][]string{
	"Requirements Analysis":     {"requirements document"},
	"Stakeholder Communication": {"communication plan"},
	"Project Planning":          {"project schedule"},
	"Risk Assessment":           {"risk register"},
	"Requirements Gathering":    {"user stories"},
	"Process Analysis":          {"process map"},
	"Documentation":             {"analysis report"},
	"Architecture Design":       {"architecture diagram"},
	"Technology Selection":      {"technology matrix"},
	"Integration Planning":      {"integration plan"},
	"Background Research":       {"research summary"},
	"Feasibility Study":         {"feasibility report"},
	"Quality Review":            {"review findings"},
	"Acceptance Evaluation":     {"acceptance report"},
	"Implementation":            {"working increment"},
	"Testing":                   {"test results"},
}

// Planner builds execution plans from workflow plans.
type Planner struct {
	cfg    config.EngineConfig
	logger *zap.Logger
	clock  func() time.Time
}

// New builds a planner.
func New(cfg config.EngineConfig, logger *zap.Logger) *Planner {
	return &Planner{
		cfg:    cfg,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// complexityScore is |agents| + 0.5·|deps| + 0.3·|resources|.
func complexityScore(plan *workflow.WorkflowPlan) float64 {
	return float64(len(plan.Assignments)) +
		0.5*float64(len(plan.Dependencies)) +
		0.3*float64(len(plan.Resources))
}

// TierFor partitions the complexity score at 3, 6, and 10.
func TierFor(score float64) ComplexityTier {
	switch {
	case score <= 3:
		return TierSimple
	case score <= 6:
		return TierModerate
	case score <= 10:
		return TierComplex
	default:
		return TierEnterprise
	}
}

// Generate expands a workflow plan into an execution plan.
func (p *Planner) Generate(plan *workflow.WorkflowPlan, level ValidationLevel) (*ExecutionPlan, error) {
	if len(plan.Assignments) == 0 {
		return nil, fmt.Errorf("plan %s has no agent assignments", plan.ID)
	}

	tier := TierFor(complexityScore(plan))
	tasks, order := p.expandTasks(plan)

	ep := &ExecutionPlan{
		ID:              uuid.NewString(),
		PlanID:          plan.ID,
		Complexity:      tier,
		ValidationLevel: level,
		Tasks:           tasks,
		TaskOrder:       order,
		CriticalPath:    criticalPath(tasks, order),
		ParallelGroups:  parallelGroups(tasks, order),
		PeakResources:   peakResources(plan),
		DurationMinutes: plan.DurationMinutes,
		CreatedAt:       p.clock(),
	}
	ep.CostBreakdown, ep.TotalCostUSD = costBreakdown(plan)
	ep.Risks = assessRisks(plan, ep)
	ep.Mitigations = mitigationsFor(ep.Risks)
	if tier == TierComplex || tier == TierEnterprise {
		ep.Contingencies = contingenciesFor(ep.Risks)
	}
	ep.Checkpoints = checkpointsFor(plan, tasks, order)
	ep.Timeline = p.timeline(plan)

	p.logger.Info("Execution plan generated",
		zap.String("execution_plan_id", ep.ID),
		zap.String("plan_id", plan.ID),
		zap.String("complexity", string(tier)),
		zap.Int("tasks", len(tasks)))
	return ep, nil
}

// expandTasks turns each assignment into its canonical role tasks. Tasks of
// one role chain sequentially; the first task of a dependent role waits on
// the last task of each prerequisite role.
func (p *Planner) expandTasks(plan *workflow.WorkflowPlan) (map[string]*TaskDetail, []string) {
	tasks := make(map[string]*TaskDetail)
	var order []string
	firstOf := make(map[roles.Role]string)
	lastOf := make(map[roles.Role]string)

	for _, a := range plan.Assignments {
		names := canonicalTasks[a.Role]
		if len(names) == 0 {
			names = []string{"Execution"}
		}
		share := a.DurationMinutes / float64(len(names))
		prev := ""
		for i, name := range names {
			id := fmt.Sprintf("%s-%d", a.Role, i+1)
			task := &TaskDetail{
				ID:              id,
				Name:            name,
				Role:            a.Role,
				DurationMinutes: share,
				Deliverables:    taskDeliverables[name],
				SuccessCriteria: []string{name + " accepted"},
			}
			if prev != "" {
				task.Dependencies = []string{prev}
			}
			tasks[id] = task
			order = append(order, id)
			if i == 0 {
				firstOf[a.Role] = id
			}
			prev = id
		}
		lastOf[a.Role] = prev
	}

	for _, dep := range plan.Dependencies {
		first, ok1 := firstOf[dep.Dependent]
		last, ok2 := lastOf[dep.Prerequisite]
		if !ok1 || !ok2 {
			continue
		}
		tasks[first].Dependencies = appendUnique(tasks[first].Dependencies, last)
	}
	return tasks, order
}

// criticalPath returns the top third of tasks by duration, at least one,
// ordered longest first.
func criticalPath(tasks map[string]*TaskDetail, order []string) []string {
	n := len(order) / 3
	if n < 1 {
		n = 1
	}
	sorted := append([]string{}, order...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return tasks[sorted[i]].DurationMinutes > tasks[sorted[j]].DurationMinutes
	})
	return sorted[:n]
}

// parallelGroups groups tasks by role, keeping only groups of more than one
// task.
func parallelGroups(tasks map[string]*TaskDetail, order []string) [][]string {
	byRole := make(map[roles.Role][]string)
	var roleOrder []roles.Role
	for _, id := range order {
		r := tasks[id].Role
		if len(byRole[r]) == 0 {
			roleOrder = append(roleOrder, r)
		}
		byRole[r] = append(byRole[r], id)
	}
	var groups [][]string
	for _, r := range roleOrder {
		if len(byRole[r]) > 1 {
			groups = append(groups, byRole[r])
		}
	}
	return groups
}

func peakResources(plan *workflow.WorkflowPlan) map[string]float64 {
	peak := make(map[string]float64)
	for _, r := range plan.Resources {
		peak[r.Type] += r.Amount
	}
	return peak
}

func costBreakdown(plan *workflow.WorkflowPlan) (map[string]float64, float64) {
	breakdown := make(map[string]float64)
	total := 0.0
	for _, r := range plan.Resources {
		breakdown[r.Type] += r.CostEstimate
		total += r.CostEstimate
	}
	return breakdown, total
}

// assessRisks emits resource, agent-coordination, and timeline risks with
// probability and impact.
func assessRisks(plan *workflow.WorkflowPlan, ep *ExecutionPlan) []Risk {
	var risks []Risk
	for _, r := range plan.Resources {
		if r.Critical {
			risks = append(risks, Risk{
				ID:          "risk-resource",
				Category:    RiskResource,
				Description: "critical resource contention on " + r.Type,
				Probability: 0.3,
				Impact:      0.7,
			})
			break
		}
	}
	if n := len(plan.Assignments); n > 2 {
		prob := 0.2 + 0.05*float64(n-2)
		if prob > 0.8 {
			prob = 0.8
		}
		risks = append(risks, Risk{
			ID:          "risk-coordination",
			Category:    RiskAgentCoordination,
			Description: fmt.Sprintf("coordination overhead across %d agents", n),
			Probability: prob,
			Impact:      0.6,
		})
	}
	if plan.DurationMinutes > 480 {
		risks = append(risks, Risk{
			ID:          "risk-timeline",
			Category:    RiskTimeline,
			Description: "plan exceeds a single working day",
			Probability: 0.4,
			Impact:      0.5,
		})
	}
	return risks
}

var mitigationText = map[RiskCategory]string{
	RiskResource:          "pre-allocate critical resources before dispatch",
	RiskAgentCoordination: "assign the project manager as coordination owner",
	RiskTimeline:          "front-load critical-path tasks and monitor checkpoints",
}

var contingencyText = map[RiskCategory]string{
	RiskResource:          "scale the worker pool and reroute to alternate model tiers",
	RiskAgentCoordination: "fall back to sequential execution",
	RiskTimeline:          "re-plan with a reduced scope",
}

func mitigationsFor(risks []Risk) []Mitigation {
	out := make([]Mitigation, 0, len(risks))
	for _, r := range risks {
		out = append(out, Mitigation{RiskID: r.ID, Description: mitigationText[r.Category]})
	}
	return out
}

func contingenciesFor(risks []Risk) []Contingency {
	out := make([]Contingency, 0, len(risks))
	for _, r := range risks {
		out = append(out, Contingency{RiskID: r.ID, Description: contingencyText[r.Category]})
	}
	return out
}

// checkpointsFor attaches quality checkpoints by orchestration pattern.
func checkpointsFor(plan *workflow.WorkflowPlan, tasks map[string]*TaskDetail, order []string) []QualityCheckpoint {
	lastOf := make(map[roles.Role]string)
	for _, id := range order {
		lastOf[tasks[id].Role] = id
	}

	var cps []QualityCheckpoint
	switch plan.Pattern {
	case workflow.PatternSequential:
		for _, a := range plan.Assignments {
			cps = append(cps, QualityCheckpoint{
				Name:      "Phase Review: " + string(a.Role),
				AfterTask: lastOf[a.Role],
				Criteria:  []string{"deliverables complete", "success criteria met"},
			})
		}
	case workflow.PatternParallel:
		if len(order) > 0 {
			cps = append(cps, QualityCheckpoint{
				Name:      "Integration Review",
				AfterTask: order[len(order)-1],
				Criteria:  []string{"parallel outputs consistent"},
			})
		}
	case workflow.PatternHierarchical:
		if len(order) > 0 {
			cps = append(cps, QualityCheckpoint{
				Name:      "Delegation Review",
				AfterTask: order[0],
				Criteria:  []string{"delegation targets confirmed"},
			})
		}
	case workflow.PatternDynamic:
		if id, ok := lastOf[roles.Researcher]; ok {
			cps = append(cps, QualityCheckpoint{
				Name:      "Research Review",
				AfterTask: id,
				Criteria:  []string{"research findings validated"},
			})
		}
	}
	return cps
}

func (p *Planner) timeline(plan *workflow.WorkflowPlan) Timeline {
	buffer := plan.DurationMinutes * p.cfg.DefaultBufferPercentage
	start := p.clock()
	return Timeline{
		EarliestStart: start,
		LatestFinish:  start.Add(time.Duration(plan.DurationMinutes+buffer) * time.Minute),
		BufferMinutes: buffer,
	}
}

// Validate reports warnings a reviewer should see before approving.
func (p *Planner) Validate(ep *ExecutionPlan, plan *workflow.WorkflowPlan) []string {
	var warnings []string

	if len(ep.Tasks) == 0 {
		warnings = append(warnings, "plan has no task breakdown")
	}
	covered := make(map[roles.Role]bool)
	for _, t := range ep.Tasks {
		covered[t.Role] = true
	}
	for _, a := range plan.Assignments {
		if !covered[a.Role] {
			warnings = append(warnings, "no tasks cover role "+string(a.Role))
		}
	}
	if ep.TotalCostUSD > p.cfg.HighCostThresholdUSD {
		warnings = append(warnings, fmt.Sprintf("estimated cost %.2f exceeds threshold %.2f",
			ep.TotalCostUSD, p.cfg.HighCostThresholdUSD))
	}
	if len(ep.CriticalPath) == 0 {
		warnings = append(warnings, "critical path is undefined")
	}
	for id, t := range ep.Tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				warnings = append(warnings, "task "+id+" depends on itself")
			}
		}
	}
	if ep.Timeline.EarliestStart.IsZero() || ep.Timeline.LatestFinish.IsZero() {
		warnings = append(warnings, "timeline is missing")
	}
	if ep.Timeline.BufferMinutes < 30 {
		warnings = append(warnings, fmt.Sprintf("buffer %.0f min is below 30 min", ep.Timeline.BufferMinutes))
	}
	highProb := 0
	for _, r := range ep.Risks {
		if r.Probability >= 0.5 {
			highProb++
		}
	}
	if highProb > len(ep.Mitigations) {
		warnings = append(warnings, "more high-probability risks than mitigations")
	}
	return warnings
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
