package metrics

import (
	"testing"
	"time"
)

func TestInternalRecorderSingleton(t *testing.T) {
	a := NewInternalRecorder()
	b := NewInternalRecorder()
	if a != b {
		t.Error("NewInternalRecorder should return the same instance")
	}
}

func TestObserveRequestAggregates(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("claude-sonnet-4-5", "sess-1", "coder", "code", 100, 50, 0.05, true, "", time.Second)
	r.ObserveRequest("claude-sonnet-4-5", "sess-1", "coder", "code", 200, 80, 0.10, true, "", time.Second)

	m := r.GetSessionMetrics("sess-1")
	if m == nil {
		t.Fatal("expected session metrics")
	}
	if m.PromptTokens != 300 {
		t.Errorf("expected 300 prompt tokens, got %d", m.PromptTokens)
	}
	if m.CompletionTokens != 130 {
		t.Errorf("expected 130 completion tokens, got %d", m.CompletionTokens)
	}
	if m.TotalTokens != 430 {
		t.Errorf("expected 430 total tokens, got %d", m.TotalTokens)
	}
	if m.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", m.RequestCount)
	}
	if m.TotalCost != 0.15 {
		t.Errorf("expected cost 0.15, got %f", m.TotalCost)
	}
	if m.Role != "coder" || m.Phase != "code" || m.Model != "claude-sonnet-4-5" {
		t.Errorf("session labels not captured: %+v", m)
	}
}

func TestObserveRequestSkipsFailures(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("gpt-4o", "sess-fail", "coder", "code", 100, 50, 0.05, false, "transient", time.Second)

	if m := r.GetSessionMetrics("sess-fail"); m != nil {
		t.Errorf("failed requests should not be aggregated, got %+v", m)
	}
}

func TestObserveRequestRequiresSessionID(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("gpt-4o", "", "coder", "code", 100, 50, 0.05, true, "", time.Second)

	if totals := r.Totals(); totals.SessionCount != 0 {
		t.Errorf("expected no sessions, got %d", totals.SessionCount)
	}
}

func TestGetSessionMetricsReturnsCopy(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("gpt-4o", "sess-copy", "planner", "plan", 10, 5, 0.01, true, "", time.Second)

	m := r.GetSessionMetrics("sess-copy")
	m.PromptTokens = 99999

	again := r.GetSessionMetrics("sess-copy")
	if again.PromptTokens != 10 {
		t.Errorf("mutation leaked into recorder state: %d", again.PromptTokens)
	}
}

func TestTotalsAcrossSessions(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("claude-sonnet-4-5", "sess-a", "coder", "code", 100, 50, 0.05, true, "", time.Second)
	r.ObserveRequest("gpt-4o", "sess-b", "reviewer", "review", 200, 100, 0.03, true, "", time.Second)

	totals := r.Totals()
	if totals.SessionCount != 2 {
		t.Errorf("expected 2 sessions, got %d", totals.SessionCount)
	}
	if totals.PromptTokens != 300 {
		t.Errorf("expected 300 prompt tokens, got %d", totals.PromptTokens)
	}
	if totals.CompletionTokens != 150 {
		t.Errorf("expected 150 completion tokens, got %d", totals.CompletionTokens)
	}
	if totals.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", totals.RequestCount)
	}
	if totals.TotalCost != 0.08 {
		t.Errorf("expected cost 0.08, got %f", totals.TotalCost)
	}

	all := r.GetAllSessionMetrics()
	if len(all) != 2 {
		t.Errorf("expected 2 session entries, got %d", len(all))
	}
}

func TestThrottleCounts(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.IncThrottle("gpt-4o", "rate_limit")
	r.IncThrottle("gpt-4o", "rate_limit")
	r.IncThrottle("gpt-4o", "budget")

	throttles := r.Throttles()
	if throttles["gpt-4o/rate_limit"] != 2 {
		t.Errorf("expected 2 rate_limit throttles, got %d", throttles["gpt-4o/rate_limit"])
	}
	if throttles["gpt-4o/budget"] != 1 {
		t.Errorf("expected 1 budget throttle, got %d", throttles["gpt-4o/budget"])
	}

	// Returned map is a copy.
	throttles["gpt-4o/budget"] = 42
	if r.Throttles()["gpt-4o/budget"] != 1 {
		t.Error("mutation leaked into recorder state")
	}
}

func TestClearSessionMetrics(t *testing.T) {
	r := NewInternalRecorder()
	r.Reset()

	r.ObserveRequest("gpt-4o", "sess-clear", "coder", "code", 10, 5, 0.01, true, "", time.Second)
	r.ClearSessionMetrics("sess-clear")

	if m := r.GetSessionMetrics("sess-clear"); m != nil {
		t.Errorf("expected cleared session, got %+v", m)
	}
}
