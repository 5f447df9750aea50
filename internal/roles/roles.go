// Package roles names the agent capabilities served by worker processes and
// maps each to its runtime module and default model tier.
package roles

import "github.com/helmsman-ai/orchestrator/internal/modelregistry"

// Role is a named agent capability.
type Role string

const (
	ProjectManager    Role = "project_manager"
	BusinessAnalyst   Role = "business_analyst"
	SolutionArchitect Role = "solution_architect"
	Researcher        Role = "researcher"
	QualityJudge      Role = "quality_judge"
	Implementation    Role = "implementation"
)

// All lists the known roles in priority order.
func All() []Role {
	return []Role{
		ProjectManager,
		BusinessAnalyst,
		SolutionArchitect,
		Researcher,
		QualityJudge,
		Implementation,
	}
}

// Known reports whether r is a recognized role.
func Known(r Role) bool {
	for _, known := range All() {
		if known == r {
			return true
		}
	}
	return false
}

// ModulePath returns the worker runtime module for the role, used in the
// spawn command line.
func ModulePath(r Role) string {
	return "agents." + string(r)
}

// DefaultTier returns the model tier a role's workers use by default.
func DefaultTier(r Role) modelregistry.Tier {
	switch r {
	case ProjectManager, SolutionArchitect:
		return modelregistry.TierStrategic
	case Researcher:
		return modelregistry.TierResearch
	default:
		return modelregistry.TierOperational
	}
}

// Coordinating reports whether the role leads a plan (priority 1 in agent
// assignments).
func Coordinating(r Role) bool {
	switch r {
	case ProjectManager, BusinessAnalyst, SolutionArchitect:
		return true
	default:
		return false
	}
}
