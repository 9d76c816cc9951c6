package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements Recorder using in-memory aggregation. It backs
// the /status endpoint and the end-of-run cost summary without requiring a
// Prometheus server.
type InternalRecorder struct {
	sessions  map[string]*SessionMetrics // sessionID -> aggregated metrics
	throttles map[string]int64           // "model/reason" -> count
	mu        sync.RWMutex
}

// SessionMetrics is the aggregated usage for one session.
//
//nolint:govet
type SessionMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	SessionID        string    `json:"session_id"`
	Role             string    `json:"role"`
	Phase            string    `json:"phase"`
	Model            string    `json:"model"`
	LastUpdated      time.Time `json:"last_updated"`
}

// RunTotals aggregates usage across all sessions of the run.
type RunTotals struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	RequestCount     int64   `json:"request_count"`
	TotalCost        float64 `json:"total_cost_usd"`
	SessionCount     int     `json:"session_count"`
}

var (
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns the singleton internal recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			sessions:  make(map[string]*SessionMetrics),
			throttles: make(map[string]int64),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed model request. Token and
// cost aggregation only counts successful requests.
func (r *InternalRecorder) ObserveRequest(
	model, sessionID, role, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	if !success || sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		session = &SessionMetrics{
			SessionID: sessionID,
			Role:      role,
			Phase:     phase,
			Model:     model,
		}
		r.sessions[sessionID] = session
	}

	session.PromptTokens += int64(promptTokens)
	session.CompletionTokens += int64(completionTokens)
	session.TotalTokens = session.PromptTokens + session.CompletionTokens
	session.TotalCost += cost
	session.RequestCount++
	session.LastUpdated = time.Now()
}

// IncThrottle counts a throttling event.
func (r *InternalRecorder) IncThrottle(model, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttles[model+"/"+reason]++
}

// ObserveQueueWait is not aggregated internally.
func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// GetSessionMetrics returns a copy of the metrics for one session, or nil.
func (r *InternalRecorder) GetSessionMetrics(sessionID string) *SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil
	}
	copied := *session
	return &copied
}

// GetAllSessionMetrics returns copies of every session's metrics.
func (r *InternalRecorder) GetAllSessionMetrics() map[string]*SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*SessionMetrics, len(r.sessions))
	for sessionID, session := range r.sessions {
		copied := *session
		result[sessionID] = &copied
	}
	return result
}

// Totals aggregates usage across all sessions.
func (r *InternalRecorder) Totals() RunTotals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var totals RunTotals
	totals.SessionCount = len(r.sessions)
	for _, session := range r.sessions {
		totals.PromptTokens += session.PromptTokens
		totals.CompletionTokens += session.CompletionTokens
		totals.TotalTokens += session.TotalTokens
		totals.RequestCount += session.RequestCount
		totals.TotalCost += session.TotalCost
	}
	return totals
}

// Throttles returns a copy of the throttle counters.
func (r *InternalRecorder) Throttles() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int64, len(r.throttles))
	for k, v := range r.throttles {
		result[k] = v
	}
	return result
}

// ClearSessionMetrics removes one session's metrics.
func (r *InternalRecorder) ClearSessionMetrics(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Reset clears all metrics. Tests use this to isolate the singleton.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*SessionMetrics)
	r.throttles = make(map[string]int64)
}
