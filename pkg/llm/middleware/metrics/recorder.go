// Package metrics provides metrics recording for model client operations.
package metrics

import (
	"time"
)

// SessionInfo provides session identity for metrics labels. The session
// runner implements it; values are read per request so a reused client
// stays correctly labeled.
type SessionInfo interface {
	// SessionID returns the running session's identifier.
	SessionID() string
	// Role returns the session's role (planner, coder, qa...).
	Role() string
	// Phase returns the orchestrator phase that spawned the session.
	Phase() string
}

// Recorder is the interface for recording model operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed model request.
	ObserveRequest(
		model, sessionID, role, phase string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing.
func (n *NoopRecorder) ObserveRequest(
	_, _, _, _ string,
	_, _ int,
	_ float64,
	_ bool,
	_ string,
	_ time.Duration,
) {
}

// IncThrottle does nothing.
func (n *NoopRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait does nothing.
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// StaticSessionInfo is a fixed-label SessionInfo for callers outside a
// running session (one-shot CLI queries, tests).
type StaticSessionInfo struct {
	ID        string
	RoleName  string
	PhaseName string
}

func (s StaticSessionInfo) SessionID() string { return s.ID }
func (s StaticSessionInfo) Role() string      { return s.RoleName }
func (s StaticSessionInfo) Phase() string     { return s.PhaseName }
