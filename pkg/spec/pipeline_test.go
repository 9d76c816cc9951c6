package spec_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/session"
	"conductor/pkg/spec"
	"conductor/pkg/specdir"
)

// stageScript fakes the session layer for the pipeline. Sessions are
// strictly serialized, so the kickoff recorded by newSession is the one the
// next run call executes. The assessment session writes the assessment
// file the way a live gatherer would.
type stageScript struct {
	t   *testing.T
	dir *specdir.Dir

	mu       sync.Mutex
	roles    []agent.Role
	kickoffs []string
	pending  string
	// assessment JSON written when the assessment session runs; empty
	// means the session "forgets" to write the file.
	assessment string
	// results overrides the outcome of the nth session, 1-based.
	results map[int]agent.SessionResult
}

func newStageScript(t *testing.T, assessment string) *stageScript {
	t.Helper()
	dir, err := specdir.New(t.TempDir())
	require.NoError(t, err)
	return &stageScript{t: t, dir: dir, assessment: assessment, results: make(map[int]agent.SessionResult)}
}

func (s *stageScript) newSession(role agent.Role, kickoff string) agent.SessionConfig {
	s.mu.Lock()
	s.kickoffs = append(s.kickoffs, kickoff)
	s.pending = kickoff
	s.mu.Unlock()
	return agent.SessionConfig{Role: role, ModelID: "test-model", MaxSteps: 8}
}

func (s *stageScript) run(ctx context.Context, cfg agent.SessionConfig, _ session.Callbacks) (agent.SessionResult, error) {
	s.mu.Lock()
	s.roles = append(s.roles, cfg.Role)
	n := len(s.roles)
	kickoff := s.pending
	res, override := s.results[n]
	s.mu.Unlock()

	if ctx.Err() != nil {
		return agent.SessionResult{Outcome: agent.OutcomeCancelled}, nil
	}
	if strings.Contains(kickoff, specdir.AssessmentFile) && s.assessment != "" {
		require.NoError(s.t, s.dir.WriteAtomic(specdir.AssessmentFile, []byte(s.assessment)))
	}
	if override {
		return res, nil
	}
	return agent.SessionResult{Outcome: agent.OutcomeCompleted, StepsExecuted: 1}, nil
}

func (s *stageScript) roleSequence() []agent.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Role(nil), s.roles...)
}

func newPipeline(t *testing.T, s *stageScript, ev spec.Events) *spec.Orchestrator {
	t.Helper()
	o, err := spec.New(spec.Config{Dir: s.dir, Run: s.run, NewSession: s.newSession}, ev)
	require.NoError(t, err)
	return o
}

func errResult(o agent.Outcome, code, msg string) agent.SessionResult {
	return agent.SessionResult{Outcome: o, Error: &agent.SessionError{Code: code, Message: msg}}
}

func TestSimplePipeline(t *testing.T) {
	s := newStageScript(t, `{"complexity":"simple","confidence":0.9,"reasoning":"single helper"}`)
	var stages []spec.Stage
	o := newPipeline(t, s, spec.Events{OnStage: func(st spec.Stage) { stages = append(stages, st) }})

	res := o.Run(context.Background(), "Add a helper that reverses a string.")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, spec.ComplexitySimple, res.Complexity)
	want := []spec.Stage{
		spec.StageDiscovery, spec.StageRequirements, spec.StageAssessment,
		spec.StageQuickSpec, spec.StageValidation,
	}
	assert.Equal(t, want, res.PhasesExecuted)
	assert.Equal(t, want, stages)
	assert.Equal(t, []agent.Role{
		agent.RoleSpecDiscovery, agent.RoleSpecGatherer, agent.RoleSpecGatherer,
		agent.RoleSpecWriter, agent.RoleSpecValidation,
	}, s.roleSequence())
}

func TestStandardPipeline(t *testing.T) {
	s := newStageScript(t, `{"complexity":"standard","confidence":0.7,"reasoning":"touches several files"}`)
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Add request caching.")

	require.NoError(t, res.Err)
	assert.Equal(t, spec.ComplexityStandard, res.Complexity)
	assert.Equal(t, []spec.Stage{
		spec.StageDiscovery, spec.StageRequirements, spec.StageAssessment,
		spec.StageContext, spec.StageSpecWriting, spec.StagePlanning, spec.StageValidation,
	}, res.PhasesExecuted)
}

func TestComplexPipeline(t *testing.T) {
	s := newStageScript(t, `{"complexity":"complex","confidence":0.8,"reasoning":"new subsystem"}`)
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Add a plugin system.")

	require.NoError(t, res.Err)
	assert.Equal(t, []spec.Stage{
		spec.StageDiscovery, spec.StageRequirements, spec.StageAssessment,
		spec.StageResearch, spec.StageContext, spec.StageSpecWriting,
		spec.StageSelfCritique, spec.StagePlanning, spec.StageValidation,
	}, res.PhasesExecuted)
}

func TestAssessmentFlagsInsertStages(t *testing.T) {
	s := newStageScript(t,
		`{"complexity":"standard","confidence":0.6,"reasoning":"unfamiliar API","needs_research":true,"needs_self_critique":true}`)
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Integrate the billing API.")

	require.NoError(t, res.Err)
	assert.Equal(t, []spec.Stage{
		spec.StageDiscovery, spec.StageRequirements, spec.StageAssessment,
		spec.StageResearch, spec.StageContext, spec.StageSpecWriting,
		spec.StageSelfCritique, spec.StagePlanning, spec.StageValidation,
	}, res.PhasesExecuted)
}

func TestMissingAssessmentDefaultsToStandard(t *testing.T) {
	s := newStageScript(t, "") // the gatherer never writes the file
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Rename a field.")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, spec.ComplexityStandard, res.Complexity)
}

func TestInvalidAssessmentDefaultsToStandard(t *testing.T) {
	cases := map[string]string{
		"unknown tier":     `{"complexity":"galactic","confidence":0.5}`,
		"confidence range": `{"complexity":"simple","confidence":7}`,
		"not json":         `complexity: simple`,
	}
	for name, assessment := range cases {
		t.Run(name, func(t *testing.T) {
			s := newStageScript(t, assessment)
			o := newPipeline(t, s, spec.Events{})

			res := o.Run(context.Background(), "Rename a field.")

			require.NoError(t, res.Err)
			assert.Equal(t, spec.ComplexityStandard, res.Complexity)
		})
	}
}

func TestStageRetriesThenFails(t *testing.T) {
	s := newStageScript(t, "")
	for n := 1; n <= 3; n++ {
		s.results[n] = errResult(agent.OutcomeError, "session", "model unavailable")
	}
	var completes []spec.Result
	o := newPipeline(t, s, spec.Events{OnComplete: func(r spec.Result) { completes = append(completes, r) }})

	res := o.Run(context.Background(), "Anything.")

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "failed after 3 attempts")
	assert.False(t, res.Success)
	assert.Equal(t, []spec.Stage{spec.StageDiscovery}, res.PhasesExecuted)
	assert.Len(t, s.roleSequence(), 3)
	require.Len(t, completes, 1)
}

func TestRateLimitedStageRetries(t *testing.T) {
	s := newStageScript(t, "")
	s.results[1] = errResult(agent.OutcomeRateLimited, "rate_limited", "429 from provider")
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Anything.")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	roles := s.roleSequence()
	require.GreaterOrEqual(t, len(roles), 2)
	assert.Equal(t, agent.RoleSpecDiscovery, roles[0])
	assert.Equal(t, agent.RoleSpecDiscovery, roles[1], "the rate-limited attempt is retried in place")
}

func TestAuthFailureEndsPipeline(t *testing.T) {
	s := newStageScript(t, "")
	s.results[2] = errResult(agent.OutcomeAuthFailure, "auth_failure", "credential rejected")
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Anything.")

	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.False(t, res.Cancelled)
	var sessErr *agent.SessionError
	require.ErrorAs(t, res.Err, &sessErr)
	assert.Equal(t, "auth_failure", sessErr.Code)
	assert.Equal(t, []spec.Stage{spec.StageDiscovery, spec.StageRequirements}, res.PhasesExecuted)
	assert.Len(t, s.roleSequence(), 2, "auth failures are not retried")
}

func TestCancelledOutcomeStopsPipeline(t *testing.T) {
	s := newStageScript(t, "")
	s.results[2] = agent.SessionResult{Outcome: agent.OutcomeCancelled}
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Anything.")

	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Equal(t, []spec.Stage{spec.StageDiscovery, spec.StageRequirements}, res.PhasesExecuted)
}

func TestAssessmentSessionErrorDefaultsToStandard(t *testing.T) {
	s := newStageScript(t, `{"complexity":"complex","confidence":0.9}`)
	// The assessment is the third session. Its failure must not consume
	// retries or end the pipeline: the tier degrades to standard even
	// though the script would have written a complex assessment.
	s.results[3] = errResult(agent.OutcomeError, "session", "model unavailable")
	o := newPipeline(t, s, spec.Events{})

	res := o.Run(context.Background(), "Anything.")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, spec.ComplexityStandard, res.Complexity)
	assert.Equal(t, []agent.Role{
		agent.RoleSpecDiscovery, agent.RoleSpecGatherer, agent.RoleSpecGatherer,
		agent.RoleSpecContext, agent.RoleSpecWriter, agent.RoleSpecWriter, agent.RoleSpecValidation,
	}, s.roleSequence())
}

func TestNewValidation(t *testing.T) {
	s := newStageScript(t, "")

	_, err := spec.New(spec.Config{Run: s.run, NewSession: s.newSession}, spec.Events{})
	assert.ErrorContains(t, err, "spec directory")

	_, err = spec.New(spec.Config{Dir: s.dir, NewSession: s.newSession}, spec.Events{})
	assert.ErrorContains(t, err, "run function")

	_, err = spec.New(spec.Config{Dir: s.dir, Run: s.run}, spec.Events{})
	assert.ErrorContains(t, err, "session builder")
}
