package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/pkg/agent"
	"conductor/pkg/specdir"
)

func TestStageRoles(t *testing.T) {
	assert.Equal(t, agent.RoleSpecDiscovery, StageDiscovery.Role())
	assert.Equal(t, agent.RoleSpecGatherer, StageRequirements.Role())
	assert.Equal(t, agent.RoleSpecGatherer, StageAssessment.Role())
	assert.Equal(t, agent.RoleSpecResearcher, StageResearch.Role())
	assert.Equal(t, agent.RoleSpecContext, StageContext.Role())
	assert.Equal(t, agent.RoleSpecWriter, StageQuickSpec.Role())
	assert.Equal(t, agent.RoleSpecWriter, StageSpecWriting.Role())
	assert.Equal(t, agent.RoleSpecWriter, StagePlanning.Role())
	assert.Equal(t, agent.RoleSpecCritic, StageSelfCritique.Role())
	assert.Equal(t, agent.RoleSpecValidation, StageValidation.Role())
}

func TestStageKickoffsNameTheirArtifacts(t *testing.T) {
	assert.Contains(t, stageKickoff(StageAssessment, "task"), specdir.AssessmentFile)
	assert.Contains(t, stageKickoff(StageQuickSpec, "task"), specdir.SpecFile)
	assert.Contains(t, stageKickoff(StageSpecWriting, "task"), specdir.SpecFile)
	assert.Contains(t, stageKickoff(StageValidation, "task"), specdir.SpecFile)
	assert.Contains(t, stageKickoff(StageDiscovery, "reverse a string"), "reverse a string")
}

func TestRemainingStagesFixedOrder(t *testing.T) {
	simple := remainingStages(Assessment{Complexity: ComplexitySimple})
	assert.Equal(t, []Stage{StageQuickSpec, StageValidation}, simple)

	// Flags are ignored outside the standard tier: complex already
	// includes both optional stages.
	complex := remainingStages(Assessment{Complexity: ComplexityComplex, NeedsResearch: true})
	assert.Equal(t, []Stage{
		StageResearch, StageContext, StageSpecWriting,
		StageSelfCritique, StagePlanning, StageValidation,
	}, complex)
}
