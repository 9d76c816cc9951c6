package spec

import (
	"fmt"

	"conductor/pkg/agent"
	"conductor/pkg/specdir"
)

// Stage names one pipeline phase. The executed sequence always starts
// discovery, requirements, complexity_assessment; the remainder depends on
// the assessed tier.
type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageRequirements Stage = "requirements"
	StageAssessment   Stage = "complexity_assessment"
	StageQuickSpec    Stage = "quick_spec"
	StageResearch     Stage = "research"
	StageContext      Stage = "context"
	StageSpecWriting  Stage = "spec_writing"
	StageSelfCritique Stage = "self_critique"
	StagePlanning     Stage = "planning"
	StageValidation   Stage = "validation"
)

func (s Stage) String() string { return string(s) }

// Role returns the agent identity that runs a stage. The assessment runs
// under the gatherer, which already holds the requirements context.
func (s Stage) Role() agent.Role {
	switch s {
	case StageDiscovery:
		return agent.RoleSpecDiscovery
	case StageRequirements, StageAssessment:
		return agent.RoleSpecGatherer
	case StageResearch:
		return agent.RoleSpecResearcher
	case StageContext:
		return agent.RoleSpecContext
	case StageQuickSpec, StageSpecWriting, StagePlanning:
		return agent.RoleSpecWriter
	case StageSelfCritique:
		return agent.RoleSpecCritic
	case StageValidation:
		return agent.RoleSpecValidation
	}
	return agent.RoleSpecWriter
}

// remainingStages picks the post-assessment sequence for a tier. Ordering
// within a tier is fixed; the assessment flags can only insert research
// before context and self_critique before planning on the standard tier.
func remainingStages(a Assessment) []Stage {
	switch a.Complexity {
	case ComplexitySimple:
		return []Stage{StageQuickSpec, StageValidation}
	case ComplexityComplex:
		return []Stage{StageResearch, StageContext, StageSpecWriting, StageSelfCritique, StagePlanning, StageValidation}
	default:
		var out []Stage
		if a.NeedsResearch {
			out = append(out, StageResearch)
		}
		out = append(out, StageContext, StageSpecWriting)
		if a.NeedsSelfCritique {
			out = append(out, StageSelfCritique)
		}
		return append(out, StagePlanning, StageValidation)
	}
}

// stageKickoff is the opening instruction for each stage's session.
func stageKickoff(s Stage, task string) string {
	switch s {
	case StageDiscovery:
		return fmt.Sprintf("Explore the project and summarize the parts relevant to this task.\n\nTask: %s", task)
	case StageRequirements:
		return fmt.Sprintf("Gather the functional requirements and acceptance criteria for this task. Record open questions explicitly.\n\nTask: %s", task)
	case StageAssessment:
		return fmt.Sprintf("Assess how complex this task is to specify and write %s as JSON with fields complexity (simple|standard|complex), confidence (0..1), reasoning, and optional needs_research and needs_self_critique booleans.\n\nTask: %s",
			specdir.AssessmentFile, task)
	case StageQuickSpec:
		return fmt.Sprintf("Write a concise %s for this task: goal, behavior, edge cases, and how to verify it. Skip sections the task does not need.\n\nTask: %s",
			specdir.SpecFile, task)
	case StageResearch:
		return fmt.Sprintf("Research the libraries, APIs and prior art this task depends on and record what the spec writer needs to know.\n\nTask: %s", task)
	case StageContext:
		return fmt.Sprintf("Map the existing code this task touches: entry points, data flow, and the conventions new code must follow.\n\nTask: %s", task)
	case StageSpecWriting:
		return fmt.Sprintf("Write the full %s: overview, requirements, detailed behavior, edge cases, and non-goals, building on the discovery and context notes.\n\nTask: %s",
			specdir.SpecFile, task)
	case StageSelfCritique:
		return fmt.Sprintf("Review %s critically: find gaps, ambiguities and contradictions, then revise the document in place.", specdir.SpecFile)
	case StagePlanning:
		return fmt.Sprintf("Add an implementation approach section to %s: ordered milestones, the files each touches, and the risks to watch.", specdir.SpecFile)
	case StageValidation:
		return fmt.Sprintf("Validate %s for completeness and internal consistency. Fix what you find, and state clearly whether the spec is ready to build from.", specdir.SpecFile)
	}
	return task
}
