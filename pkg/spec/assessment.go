package spec

import (
	"encoding/json"

	"conductor/pkg/specdir"
)

// Complexity tiers select how much pipeline a task gets.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// Assessment is the complexity_assessment.json payload the gatherer writes.
type Assessment struct {
	Complexity        Complexity `json:"complexity"`
	Confidence        float64    `json:"confidence"`
	Reasoning         string     `json:"reasoning"`
	NeedsResearch     bool       `json:"needs_research,omitempty"`
	NeedsSelfCritique bool       `json:"needs_self_critique,omitempty"`
}

func (a Assessment) valid() bool {
	switch a.Complexity {
	case ComplexitySimple, ComplexityStandard, ComplexityComplex:
	default:
		return false
	}
	return a.Confidence >= 0 && a.Confidence <= 1
}

// defaultAssessment is what a missing or unusable assessment degrades to.
func defaultAssessment() Assessment {
	return Assessment{Complexity: ComplexityStandard}
}

// readAssessment loads and validates the assessment file. Anything wrong
// with it means the standard tier, never a failed pipeline.
func (o *Orchestrator) readAssessment() Assessment {
	data, err := o.cfg.Dir.Read(specdir.AssessmentFile)
	if err != nil {
		o.logger.Warn("no complexity assessment, defaulting to standard: %v", err)
		return defaultAssessment()
	}
	var a Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		o.logger.Warn("unreadable complexity assessment, defaulting to standard: %v", err)
		return defaultAssessment()
	}
	if !a.valid() {
		o.logger.Warn("invalid complexity assessment (complexity=%q confidence=%v), defaulting to standard",
			a.Complexity, a.Confidence)
		return defaultAssessment()
	}
	return a
}
