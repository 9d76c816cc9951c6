package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/llm/middleware/resilience/circuit"
)

// captureRecorder records the last ObserveRequest call for assertions.
type captureRecorder struct {
	calls            int
	model            string
	sessionID        string
	role             string
	phase            string
	promptTokens     int
	completionTokens int
	cost             float64
	success          bool
	errorType        string
	duration         time.Duration
}

func (c *captureRecorder) ObserveRequest(
	model, sessionID, role, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	c.calls++
	c.model = model
	c.sessionID = sessionID
	c.role = role
	c.phase = phase
	c.promptTokens = promptTokens
	c.completionTokens = completionTokens
	c.cost = cost
	c.success = success
	c.errorType = errorType
	c.duration = duration
}

func (c *captureRecorder) IncThrottle(_, _ string) {}

func (c *captureRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

type fakeClient struct {
	model     string
	resp      llm.Response
	err       error
	streamErr error
}

func (f *fakeClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		llm.EmitStep(ch, f.resp)
	}()
	return ch, nil
}

func (f *fakeClient) ModelName() string { return f.model }

func testInfo() StaticSessionInfo {
	return StaticSessionInfo{ID: "sess-1", RoleName: "coder", PhaseName: "code"}
}

func TestMiddlewareRecordsCompleteSuccess(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeClient{
		model: config.ModelClaudeSonnet,
		resp: llm.Response{
			Content: "done",
			Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		},
	}
	client := llm.Chain(fake, Middleware(rec, nil, testInfo(), nil))

	resp, err := client.Complete(context.Background(), llm.Request{MaxTokens: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("response not passed through: %q", resp.Content)
	}

	if rec.calls != 1 {
		t.Fatalf("expected 1 observation, got %d", rec.calls)
	}
	if rec.model != config.ModelClaudeSonnet {
		t.Errorf("wrong model label: %s", rec.model)
	}
	if rec.sessionID != "sess-1" || rec.role != "coder" || rec.phase != "code" {
		t.Errorf("wrong session labels: %s/%s/%s", rec.sessionID, rec.role, rec.phase)
	}
	if rec.promptTokens != 100 || rec.completionTokens != 50 {
		t.Errorf("expected reported usage 100+50, got %d+%d", rec.promptTokens, rec.completionTokens)
	}
	if !rec.success || rec.errorType != "" {
		t.Errorf("expected success with no error type, got %v %q", rec.success, rec.errorType)
	}

	// Sonnet pricing: $3/M input, $15/M output.
	wantCost := 100.0/1_000_000.0*3.0 + 50.0/1_000_000.0*15.0
	if diff := rec.cost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected cost %f, got %f", wantCost, rec.cost)
	}
}

func TestMiddlewareRecordsCompleteError(t *testing.T) {
	rec := &captureRecorder{}
	authErr := llmerrors.New(llmerrors.ErrorTypeAuth, "invalid api key")
	fake := &fakeClient{model: config.ModelGPT4o, err: authErr}
	client := llm.Chain(fake, Middleware(rec, nil, testInfo(), nil))

	_, err := client.Complete(context.Background(), llm.Request{})
	if !errors.Is(err, authErr) {
		t.Fatalf("error should pass through unchanged, got %v", err)
	}

	if rec.calls != 1 {
		t.Fatalf("expected 1 observation, got %d", rec.calls)
	}
	if rec.success {
		t.Error("expected failure observation")
	}
	if rec.errorType != "auth" {
		t.Errorf("expected error type auth, got %q", rec.errorType)
	}
	if rec.promptTokens != 0 || rec.completionTokens != 0 || rec.cost != 0 {
		t.Errorf("failed requests should not count usage: %d+%d $%f",
			rec.promptTokens, rec.completionTokens, rec.cost)
	}
}

func TestMiddlewareStreamRecordsFinalUsage(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeClient{
		model: config.ModelClaudeSonnet,
		resp: llm.Response{
			Content: "streamed",
			Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 20, TotalTokens: 60},
		},
	}
	client := llm.Chain(fake, Middleware(rec, nil, testInfo(), nil))

	ch, err := client.Stream(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawDone bool
	for chunk := range ch {
		if chunk.Kind == llm.ChunkDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("stream never delivered ChunkDone")
	}

	// The channel closes after the observation, so this read is safe.
	if rec.calls != 1 {
		t.Fatalf("expected 1 observation, got %d", rec.calls)
	}
	if !rec.success {
		t.Error("expected success observation")
	}
	if rec.promptTokens != 40 || rec.completionTokens != 20 {
		t.Errorf("expected stream usage 40+20, got %d+%d", rec.promptTokens, rec.completionTokens)
	}
}

func TestMiddlewareStreamSetupErrorRecords(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeClient{
		model:     config.ModelGPT4o,
		streamErr: llmerrors.New(llmerrors.ErrorTypeRateLimit, "throttled"),
	}
	client := llm.Chain(fake, Middleware(rec, nil, testInfo(), nil))

	if _, err := client.Stream(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected setup error")
	}

	if rec.calls != 1 {
		t.Fatalf("expected 1 observation, got %d", rec.calls)
	}
	if rec.success {
		t.Error("expected failure observation")
	}
	if rec.errorType != "rate_limit" {
		t.Errorf("expected error type rate_limit, got %q", rec.errorType)
	}
}

func TestDefaultUsageExtractorPrefersReportedUsage(t *testing.T) {
	req := llm.Request{System: "be helpful", Messages: []llm.Message{llm.NewUserMessage("hello")}}
	resp := llm.Response{
		Content: "hi",
		Usage:   llm.Usage{PromptTokens: 123, CompletionTokens: 45, TotalTokens: 168},
	}

	prompt, completion := DefaultUsageExtractor(req, resp)
	if prompt != 123 || completion != 45 {
		t.Errorf("expected reported usage 123+45, got %d+%d", prompt, completion)
	}
}

func TestDefaultUsageExtractorEstimatesWhenUnreported(t *testing.T) {
	req := llm.Request{
		System: "You are a coding assistant working on a Go repository",
		Messages: []llm.Message{
			llm.NewUserMessage("Please implement the session runner"),
			llm.NewToolResultMessage(llm.ToolResult{ID: "t1", Name: "shell", Content: "exit status 0"}),
		},
	}
	resp := llm.Response{Content: "Here is the implementation plan for the runner"}

	prompt, completion := DefaultUsageExtractor(req, resp)
	if prompt < 10 {
		t.Errorf("expected estimated prompt tokens, got %d", prompt)
	}
	if completion < 5 {
		t.Errorf("expected estimated completion tokens, got %d", completion)
	}
}

func TestErrorTypeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"canceled", context.Canceled, "canceled"},
		{"wrapped canceled", fmt.Errorf("call: %w", context.Canceled), "canceled"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"circuit open", &circuit.Error{State: circuit.Open}, "circuit_breaker"},
		{"classified rate limit", llmerrors.New(llmerrors.ErrorTypeRateLimit, "slow down"), "rate_limit"},
		{"wrapped classified", fmt.Errorf("call: %w", llmerrors.New(llmerrors.ErrorTypeAuth, "bad key")), "auth"},
		{"unclassified", errors.New("mystery"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorType(tt.err); got != tt.want {
				t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
