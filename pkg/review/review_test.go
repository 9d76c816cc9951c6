package review_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/llm"
	"conductor/pkg/review"
	"conductor/pkg/session"
)

// panelScript fakes the session layer for the panel. Specialists run
// concurrently, so every record is mutex-guarded and behavior keys off the
// session role and kickoff text rather than call order.
type panelScript struct {
	mu        sync.Mutex
	roles     []agent.Role
	synthesis string

	// failFocus names the focus areas whose specialist session errors out.
	failFocus map[string]bool
	// failSynthesizer makes the synthesizer session end in an error outcome.
	failSynthesizer bool
	// report returned by the synthesizer session.
	report string

	inFlight, maxInFlight int
}

func newPanelScript() *panelScript {
	return &panelScript{failFocus: make(map[string]bool), report: "# Review\n\nReady to merge."}
}

func (s *panelScript) newSession(role agent.Role, kickoff string) agent.SessionConfig {
	return agent.SessionConfig{
		Role:            role,
		ModelID:         "test-model",
		InitialMessages: []llm.Message{{Role: llm.RoleUser, Content: kickoff}},
	}
}

func (s *panelScript) run(ctx context.Context, cfg agent.SessionConfig, _ session.Callbacks) (agent.SessionResult, error) {
	kickoff := cfg.InitialMessages[0].Content

	s.mu.Lock()
	s.roles = append(s.roles, cfg.Role)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return agent.SessionResult{Outcome: agent.OutcomeCancelled}, nil
	}

	if cfg.Role == agent.RolePRSynthesizer {
		s.mu.Lock()
		s.synthesis = kickoff
		fail := s.failSynthesizer
		s.mu.Unlock()
		if fail {
			return agent.SessionResult{
				Outcome: agent.OutcomeError,
				Error:   &agent.SessionError{Code: "session", Message: "model unavailable"},
			}, nil
		}
		return transcript(s.report), nil
	}

	focus := focusOf(kickoff)
	s.mu.Lock()
	fail := s.failFocus[focus]
	s.mu.Unlock()
	if fail {
		return agent.SessionResult{
			Outcome: agent.OutcomeError,
			Error:   &agent.SessionError{Code: "session", Message: "model unavailable"},
		}, nil
	}
	return transcript(fmt.Sprintf("findings from the %s desk", focus)), nil
}

// focusOf recovers the focus name from a specialist kickoff.
func focusOf(kickoff string) string {
	for _, f := range review.DefaultPanel() {
		if strings.Contains(kickoff, "the "+f.Name+" angle") {
			return f.Name
		}
	}
	return ""
}

// transcript is a completed session whose report is the final assistant
// message.
func transcript(report string) agent.SessionResult {
	return agent.SessionResult{
		Outcome: agent.OutcomeCompleted,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "kickoff"},
			{Role: llm.RoleAssistant, Content: report},
		},
		StepsExecuted: 1,
	}
}

func (s *panelScript) roleCounts() map[agent.Role]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[agent.Role]int)
	for _, r := range s.roles {
		counts[r]++
	}
	return counts
}

func (s *panelScript) synthesisKickoff() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesis
}

func newPanel(t *testing.T, s *panelScript, cfg review.Config, ev review.Events) *review.Panel {
	t.Helper()
	cfg.Run = s.run
	cfg.NewSession = s.newSession
	p, err := review.New(cfg, ev)
	require.NoError(t, err)
	return p
}

func TestPanelHappyPath(t *testing.T) {
	s := newPanelScript()
	var mu sync.Mutex
	var focuses []string
	var completes []review.Result
	p := newPanel(t, s, review.Config{}, review.Events{
		OnFocus: func(f review.Focus) {
			mu.Lock()
			focuses = append(focuses, f.Name)
			mu.Unlock()
		},
		OnComplete: func(r review.Result) { completes = append(completes, r) },
	})

	res := p.Run(context.Background(), "the uncommitted changes")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, len(review.DefaultPanel()), res.Specialists)
	assert.Equal(t, "# Review\n\nReady to merge.", res.Report)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))

	counts := s.roleCounts()
	assert.Equal(t, len(review.DefaultPanel()), counts[agent.RolePRSpecialist])
	assert.Equal(t, 1, counts[agent.RolePRSynthesizer])

	var names []string
	for _, f := range review.DefaultPanel() {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, names, focuses, "every focus area is announced")

	synthesis := s.synthesisKickoff()
	assert.Contains(t, synthesis, "the uncommitted changes")
	for _, f := range review.DefaultPanel() {
		assert.Contains(t, synthesis, "--- "+f.Name+" specialist ---")
		assert.Contains(t, synthesis, "findings from the "+f.Name+" desk")
	}
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success)
}

func TestSpecialistFailureCostsOnlyItsFocus(t *testing.T) {
	s := newPanelScript()
	s.failFocus["security"] = true
	var panelErrs []error
	p := newPanel(t, s, review.Config{}, review.Events{
		OnError: func(err error) { panelErrs = append(panelErrs, err) },
	})

	res := p.Run(context.Background(), "pkg/store")

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, len(review.DefaultPanel())-1, res.Specialists)

	synthesis := s.synthesisKickoff()
	assert.NotContains(t, synthesis, "findings from the security desk")
	assert.Contains(t, synthesis, "findings from the correctness desk")

	require.Len(t, panelErrs, 1)
	assert.Contains(t, panelErrs[0].Error(), "specialist security")
}

func TestAllSpecialistsFailing(t *testing.T) {
	s := newPanelScript()
	for _, f := range review.DefaultPanel() {
		s.failFocus[f.Name] = true
	}
	var completes []review.Result
	p := newPanel(t, s, review.Config{}, review.Events{
		OnComplete: func(r review.Result) { completes = append(completes, r) },
	})

	res := p.Run(context.Background(), "pkg/store")

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no specialist produced a report")
	assert.False(t, res.Success)
	assert.Zero(t, s.roleCounts()[agent.RolePRSynthesizer], "nothing to synthesize")
	require.Len(t, completes, 1)
}

func TestSynthesizerFailure(t *testing.T) {
	s := newPanelScript()
	s.failSynthesizer = true
	p := newPanel(t, s, review.Config{}, review.Events{})

	res := p.Run(context.Background(), "pkg/store")

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "synthesizer")
	assert.False(t, res.Success)
	assert.Equal(t, len(review.DefaultPanel()), res.Specialists,
		"specialist reports survive even when synthesis fails")
}

func TestCancelledPanel(t *testing.T) {
	s := newPanelScript()
	p := newPanel(t, s, review.Config{}, review.Events{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Run(ctx, "pkg/store")

	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Zero(t, s.roleCounts()[agent.RolePRSynthesizer])
}

func TestSerialPanel(t *testing.T) {
	s := newPanelScript()
	panel := []review.Focus{
		{Name: "correctness", Brief: "Check the logic."},
		{Name: "security", Brief: "Check the inputs."},
		{Name: "tests", Brief: "Check the coverage."},
	}
	p := newPanel(t, s, review.Config{Panel: panel, MaxParallel: 1}, review.Events{})

	res := p.Run(context.Background(), "pkg/store")

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Specialists)
	assert.Equal(t, 1, s.maxInFlight, "one session in flight at a time")
}

func TestNewValidation(t *testing.T) {
	s := newPanelScript()

	_, err := review.New(review.Config{NewSession: s.newSession}, review.Events{})
	assert.ErrorContains(t, err, "run function")

	_, err = review.New(review.Config{Run: s.run}, review.Events{})
	assert.ErrorContains(t, err, "session builder")
}
