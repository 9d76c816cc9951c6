package agent

import (
	"fmt"

	"conductor/pkg/llm"
	"conductor/pkg/security"
)

// Role identifies what a session does. Roles select the system prompt, the
// tool set, and the thinking level; the closed set below is the single
// vocabulary shared by the orchestrators, the capability table, and the
// worker protocol.
type Role string

const (
	// Spec pipeline roles.
	RoleSpecGatherer   Role = "spec_gatherer"
	RoleSpecWriter     Role = "spec_writer"
	RoleSpecCritic     Role = "spec_critic"
	RoleSpecDiscovery  Role = "spec_discovery"
	RoleSpecContext    Role = "spec_context"
	RoleSpecResearcher Role = "spec_researcher"
	RoleSpecValidation Role = "spec_validation"

	// Build pipeline roles.
	RolePlanner    Role = "planner"
	RoleCoder      Role = "coder"
	RoleQAReviewer Role = "qa_reviewer"
	RoleQAFixer    Role = "qa_fixer"

	// Supporting roles.
	RoleInsights           Role = "insights"
	RoleMergeResolver      Role = "merge_resolver"
	RolePRReviewer         Role = "pr_reviewer"
	RolePRSpecialist       Role = "pr_specialist"
	RolePRSynthesizer      Role = "pr_synthesizer"
	RoleCommitWriter       Role = "commit_writer"
	RoleIssueTriager       Role = "issue_triager"
	RoleIssueAnalyst       Role = "issue_analyst"
	RoleMemoryCurator      Role = "memory_curator"
	RoleTestRunner         Role = "test_runner"
	RoleDocWriter          Role = "doc_writer"
	RoleReleaseWriter      Role = "release_writer"
	RoleComplexityAssessor Role = "complexity_assessor"
)

//nolint:gochecknoglobals // Static role registry
var allRoles = map[Role]bool{
	RoleSpecGatherer: true, RoleSpecWriter: true, RoleSpecCritic: true,
	RoleSpecDiscovery: true, RoleSpecContext: true, RoleSpecResearcher: true,
	RoleSpecValidation: true, RolePlanner: true, RoleCoder: true,
	RoleQAReviewer: true, RoleQAFixer: true, RoleInsights: true,
	RoleMergeResolver: true, RolePRReviewer: true, RolePRSpecialist: true,
	RolePRSynthesizer: true, RoleCommitWriter: true, RoleIssueTriager: true,
	RoleIssueAnalyst: true, RoleMemoryCurator: true, RoleTestRunner: true,
	RoleDocWriter: true, RoleReleaseWriter: true, RoleComplexityAssessor: true,
}

// IsValid checks if the role is part of the closed set.
func (r Role) IsValid() bool {
	return allRoles[r]
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole parses a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("invalid role: %s", s)
	}
	return r, nil
}

// Phase is the lifecycle stage a session belongs to. Phases select the model
// (per-phase configuration) and label metrics and logs.
type Phase string

const (
	PhaseSpec     Phase = "spec"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQA       Phase = "qa"
)

// IsValid checks if the phase is valid.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseSpec, PhasePlanning, PhaseCoding, PhaseQA:
		return true
	default:
		return false
	}
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// ParsePhase parses a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid phase: %s (must be spec, planning, coding, or qa)", s)
	}
	return p, nil
}

// ToolContext is the execution environment handed to every tool a session
// binds: where commands run, where the project and spec directory live, and
// which security profile gates shell commands. Cancellation is not part of
// the context; it travels as context.Context on every blocking call.
type ToolContext struct {
	Cwd        string            `json:"cwd"`
	ProjectDir string            `json:"project_dir"`
	SpecDir    string            `json:"spec_dir"`
	Security   *security.Profile `json:"security,omitempty"`

	// WritableRoots lists directories outside Cwd that write tools may
	// touch (conductor.yaml writable_roots).
	WritableRoots []string `json:"writable_roots,omitempty"`
}

// SessionConfig describes everything needed to start one session. It crosses
// the worker process boundary as JSON, so every field must serialize.
type SessionConfig struct {
	Role            Role              `json:"role"`
	ModelID         string            `json:"model_id"`
	SystemPrompt    string            `json:"system_prompt"`
	InitialMessages []llm.Message     `json:"initial_messages,omitempty"`
	ToolContext     ToolContext       `json:"tool_context"`
	MaxSteps        int               `json:"max_steps"`
	ThinkingLevel   llm.ThinkingLevel `json:"thinking_level,omitempty"`
	Phase           Phase             `json:"phase"`
	SpecDir         string            `json:"spec_dir"`
	ProjectDir      string            `json:"project_dir"`

	// Optional identity fields.
	SessionID      string `json:"session_id,omitempty"`      // Generated at Run start when empty
	SubtaskID      string `json:"subtask_id,omitempty"`      // Coding-phase subtask being worked
	SessionNumber  int    `json:"session_number,omitempty"`  // Ordinal within the orchestrator run
	ModelShorthand string `json:"model_shorthand,omitempty"` // Display alias the model was requested as
}

// Validate checks a session configuration before launch.
func (c *SessionConfig) Validate() error {
	if !c.Role.IsValid() {
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	if !c.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %q", c.Phase)
	}
	if c.ModelID == "" {
		return fmt.Errorf("model ID cannot be empty")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max steps must be positive, got %d", c.MaxSteps)
	}
	return nil
}

// Outcome is the terminal state of a session. Every run produces exactly one.
type Outcome string

const (
	// OutcomeCompleted means the model finished with a final message.
	OutcomeCompleted Outcome = "completed"
	// OutcomeMaxSteps means the step ceiling was reached mid-conversation.
	OutcomeMaxSteps Outcome = "max_steps"
	// OutcomeError is any terminal failure not covered by a specific outcome.
	OutcomeError Outcome = "error"
	// OutcomeCancelled means the context was cancelled.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRateLimited means the provider throttled past the retry budget.
	// Callers own the backoff before relaunching.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeAuthFailure means credentials were rejected even after a refresh.
	OutcomeAuthFailure Outcome = "auth_failure"
)

// IsValid checks if the outcome is valid.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeCompleted, OutcomeMaxSteps, OutcomeError, OutcomeCancelled,
		OutcomeRateLimited, OutcomeAuthFailure:
		return true
	default:
		return false
	}
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// ExitCode maps an outcome to the worker process exit code. Completed and
// max_steps both count as orderly exits; everything else is a failure.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted, OutcomeMaxSteps:
		return 0
	default:
		return 1
	}
}

// SessionError carries a structured failure across the worker boundary.
type SessionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SessionResult is the single terminal record of a session run: what
// happened, how many steps and tool calls it took, the token bill, and the
// complete ordered transcript.
type SessionResult struct {
	Outcome       Outcome       `json:"outcome"`
	StepsExecuted int           `json:"steps_executed"`
	Usage         llm.Usage     `json:"usage"`
	Messages      []llm.Message `json:"messages,omitempty"`
	ToolCallCount int           `json:"tool_call_count"`
	DurationMs    int64         `json:"duration_ms"`
	Error         *SessionError `json:"error,omitempty"`
}

// Success reports whether the session ended in an orderly outcome.
func (r *SessionResult) Success() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeMaxSteps
}
