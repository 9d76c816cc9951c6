package persistence

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run represents one orchestrator run: a spec pipeline, a build pipeline or
// a review panel executed against a spec directory.
type Run struct {
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	SpecDir      string     `json:"spec_dir"`
	Task         string     `json:"task,omitempty"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	QAIterations int        `json:"qa_iterations"`
}

// Run kind constants.
const (
	RunKindSpec   = "spec"
	RunKindBuild  = "build"
	RunKindReview = "review"
)

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ValidRunStatuses returns all valid run statuses.
func ValidRunStatuses() []string {
	return []string{
		RunStatusRunning,
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusCancelled,
	}
}

// IsValidRunStatus checks if a status string is valid.
func IsValidRunStatus(status string) bool {
	for _, valid := range ValidRunStatuses() {
		if status == valid {
			return true
		}
	}
	return false
}

// SessionRecord is the archived outcome of a single agent session within a
// run. Token counts and durations come straight from the session result.
//
//nolint:govet // struct alignment optimization not critical for this type
type SessionRecord struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	Role             string    `json:"role"`
	Phase            string    `json:"phase"`
	SubtaskID        string    `json:"subtask_id,omitempty"`
	Outcome          string    `json:"outcome"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	ToolCalls        int       `json:"tool_calls"`
	Steps            int       `json:"steps"`
	DurationMs       int64     `json:"duration_ms"`
}

// QAIteration records one review cycle of a build run.
type QAIteration struct {
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
	Verdict   string    `json:"verdict"`
	Iteration int       `json:"iteration"`
	Issues    int       `json:"issues"`
}

// QA verdict constants.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// RunFilter represents criteria for querying runs.
type RunFilter struct {
	Status   *string  `json:"status,omitempty"`
	Kind     *string  `json:"kind,omitempty"`
	Statuses []string `json:"statuses,omitempty"` // For IN queries
	Limit    int      `json:"limit,omitempty"`
}

// RunSummary represents aggregated session metrics for a run.
type RunSummary struct {
	LastSession    *time.Time `json:"last_session,omitempty"`
	RunID          string     `json:"run_id"`
	TotalTokens    int64      `json:"total_tokens"`
	TotalDuration  int64      `json:"total_duration_ms"`
	TotalSessions  int        `json:"total_sessions"`
	FailedSessions int        `json:"failed_sessions"`
}

// NewRunID generates an 8-character hex ID for a run (like git commit hashes).
func NewRunID() (string, error) {
	bytes := make([]byte, 4) // 4 bytes = 8 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// NewSessionRecordID generates a new UUID for a session record.
func NewSessionRecordID() string {
	return uuid.New().String()
}
