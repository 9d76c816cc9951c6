package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"conductor/pkg/agent"
	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/tools"
)

// scriptStep is one scripted model step: either a response or a failure.
type scriptStep struct {
	resp        llm.Response
	err         error
	errAtLaunch bool // fail Stream() itself instead of mid-stream
}

// scriptedClient replays model steps in order.
type scriptedClient struct {
	steps []scriptStep
	calls int
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{}, errors.New("scripted client only streams")
}

func (c *scriptedClient) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	if c.calls >= len(c.steps) {
		return nil, fmt.Errorf("script exhausted after %d steps", c.calls)
	}
	step := c.steps[c.calls]
	c.calls++

	if step.errAtLaunch {
		return nil, step.err
	}
	ch := make(chan llm.Chunk, 16)
	go func() {
		defer close(ch)
		if step.err != nil {
			ch <- llm.Chunk{Kind: llm.ChunkError, Err: step.err}
			return
		}
		llm.EmitStep(ch, step.resp)
	}()
	return ch, nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

// stubTool records invocations and returns a fixed result.
type stubTool struct {
	name   string
	result tools.Result
	calls  []map[string]any
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Meta() tools.Meta {
	return tools.Meta{Name: t.name, Description: "stub",
		InputSchema: tools.InputSchema{Type: "object"}}
}

func (t *stubTool) Exec(_ context.Context, args map[string]any) tools.Result {
	t.calls = append(t.calls, args)
	return t.result
}

// stubProvider serves stub tools.
type stubProvider struct {
	byName map[string]*stubTool
}

func newStubProvider(ts ...*stubTool) *stubProvider {
	p := &stubProvider{byName: make(map[string]*stubTool, len(ts))}
	for _, t := range ts {
		p.byName[t.name] = t
	}
	return p
}

func (p *stubProvider) Get(name string) (tools.Tool, error) {
	t, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("tool %q is not available to this session", name)
	}
	return t, nil
}

func (p *stubProvider) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(p.byName))
	for _, t := range p.byName {
		defs = append(defs, t.Meta().Definition())
	}
	return defs
}

func baseConfig() agent.SessionConfig {
	return agent.SessionConfig{
		Role:            agent.RoleCoder,
		ModelID:         "test-model",
		Phase:           agent.PhaseCoding,
		MaxSteps:        10,
		InitialMessages: []llm.Message{llm.NewUserMessage("start working")},
	}
}

func newRunner(t *testing.T, client llm.Client, provider session.ToolProvider) *session.Runner {
	t.Helper()
	r, err := session.NewRunner(client, provider, logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func textResponse(text string, usage llm.Usage) llm.Response {
	return llm.Response{Content: text, Usage: usage, StopReason: llm.StopEndTurn}
}

func toolResponse(calls ...llm.ToolCall) llm.Response {
	return llm.Response{Content: "working on it", ToolCalls: calls,
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		StopReason: llm.StopToolUse}
}

func TestRunCompletesOnFinalText(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: textResponse("all done", llm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10})},
	}}
	runner := newRunner(t, client, newStubProvider())

	var events []agent.StreamEvent
	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{
		OnEvent: func(ev agent.StreamEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != agent.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", result.Outcome)
	}
	if result.StepsExecuted != 1 || result.ToolCallCount != 0 {
		t.Errorf("steps=%d tools=%d", result.StepsExecuted, result.ToolCallCount)
	}
	if result.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Error != nil {
		t.Errorf("unexpected error payload: %+v", result.Error)
	}

	// Transcript: the initial user message plus the final assistant message.
	if len(result.Messages) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(result.Messages))
	}
	if result.Messages[1].Role != llm.RoleAssistant || result.Messages[1].Content != "all done" {
		t.Errorf("final message = %+v", result.Messages[1])
	}

	wantKinds := []agent.EventType{agent.EventTextDelta, agent.EventUsage, agent.EventStepFinish}
	if len(events) != len(wantKinds) {
		t.Fatalf("events = %v", eventKinds(events))
	}
	for i, want := range wantKinds {
		if events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want)
		}
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	shell := &stubTool{name: "shell", result: tools.Result{Content: "PASS"}}
	write := &stubTool{name: "write_file", result: tools.Result{Content: `{"path":"x"}`}}
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse(
			llm.ToolCall{ID: "c1", Name: "shell", Parameters: map[string]any{"command": "go test"}},
			llm.ToolCall{ID: "c2", Name: "write_file", Parameters: map[string]any{"path": "x", "content": "y"}},
		)},
		{resp: textResponse("done", llm.Usage{TotalTokens: 5})},
	}}
	runner := newRunner(t, client, newStubProvider(shell, write))

	var events []agent.StreamEvent
	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{
		OnEvent: func(ev agent.StreamEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Outcome != agent.OutcomeCompleted || result.StepsExecuted != 2 {
		t.Errorf("outcome=%s steps=%d", result.Outcome, result.StepsExecuted)
	}
	if result.ToolCallCount != 2 {
		t.Errorf("tool call count = %d, want 2", result.ToolCallCount)
	}
	if len(shell.calls) != 1 || shell.calls[0]["command"] != "go test" {
		t.Errorf("shell calls = %v", shell.calls)
	}
	if len(write.calls) != 1 {
		t.Errorf("write calls = %v", write.calls)
	}
	if result.Usage.TotalTokens != 20 {
		t.Errorf("usage across steps = %+v", result.Usage)
	}

	// Transcript: user, assistant+calls, tool results, final assistant.
	if len(result.Messages) != 4 {
		t.Fatalf("transcript = %d messages, want 4", len(result.Messages))
	}
	toolMsg := result.Messages[2]
	if toolMsg.Role != llm.RoleTool || len(toolMsg.ToolResults) != 2 {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if toolMsg.ToolResults[0].ID != "c1" || toolMsg.ToolResults[0].Content != "PASS" {
		t.Errorf("first result = %+v", toolMsg.ToolResults[0])
	}

	if n := countEvents(events, agent.EventToolCall); n != 2 {
		t.Errorf("tool_call events = %d, want 2", n)
	}
	if n := countEvents(events, agent.EventToolResult); n != 2 {
		t.Errorf("tool_result events = %d, want 2", n)
	}
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResponse(llm.ToolCall{ID: "c1", Name: "no_such_tool", Parameters: map[string]any{}})},
		{resp: textResponse("recovered", llm.Usage{})},
	}}
	runner := newRunner(t, client, newStubProvider())

	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeCompleted {
		t.Errorf("outcome = %s; unknown tools should not kill the session", result.Outcome)
	}
	toolMsg := result.Messages[2]
	if len(toolMsg.ToolResults) != 1 || !toolMsg.ToolResults[0].IsError {
		t.Errorf("tool results = %+v, want one error result", toolMsg.ToolResults)
	}
}

func TestRunStopsAtStepCeiling(t *testing.T) {
	noop := &stubTool{name: "shell", result: tools.Result{Content: "ok"}}
	var steps []scriptStep
	for range 5 {
		steps = append(steps, scriptStep{resp: toolResponse(
			llm.ToolCall{ID: "c", Name: "shell", Parameters: map[string]any{"command": "true"}})})
	}
	client := &scriptedClient{steps: steps}
	runner := newRunner(t, client, newStubProvider(noop))

	cfg := baseConfig()
	cfg.MaxSteps = 3
	result, err := runner.Run(context.Background(), cfg, session.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeMaxSteps {
		t.Errorf("outcome = %s, want max_steps", result.Outcome)
	}
	if result.StepsExecuted != 3 {
		t.Errorf("steps = %d, want exactly the ceiling", result.StepsExecuted)
	}
	if !result.Success() {
		t.Error("max_steps counts as an orderly ending")
	}
}

func TestRunAuthRefreshReissuesOnce(t *testing.T) {
	failing := &scriptedClient{steps: []scriptStep{
		{err: llmerrors.New(llmerrors.ErrorTypeAuth, "token expired"), errAtLaunch: true},
	}}
	fresh := &scriptedClient{steps: []scriptStep{
		{resp: textResponse("done after refresh", llm.Usage{TotalTokens: 4})},
	}}
	runner := newRunner(t, failing, newStubProvider())

	refreshes := 0
	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{
		OnAuthRefresh: func() (string, error) {
			refreshes++
			return "fresh-token", nil
		},
		OnModelRefresh: func(token string) (llm.Client, error) {
			if token != "fresh-token" {
				t.Errorf("model refresh got token %q", token)
			}
			return fresh, nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed after refresh", result.Outcome)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
	if result.StepsExecuted != 1 {
		t.Errorf("steps = %d; the failed launch must not count", result.StepsExecuted)
	}
}

func TestRunSecondAuthFailureIsTerminal(t *testing.T) {
	authErr := llmerrors.New(llmerrors.ErrorTypeAuth, "token expired")
	failing := &scriptedClient{steps: []scriptStep{
		{err: authErr, errAtLaunch: true},
		{err: authErr, errAtLaunch: true},
	}}
	runner := newRunner(t, failing, newStubProvider())

	refreshes := 0
	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{
		OnAuthRefresh: func() (string, error) {
			refreshes++
			return "still-bad", nil
		},
		OnModelRefresh: func(string) (llm.Client, error) { return failing, nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeAuthFailure {
		t.Errorf("outcome = %s, want auth_failure", result.Outcome)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d; only one refresh is allowed", refreshes)
	}
	if result.Error == nil || result.Error.Retryable {
		t.Errorf("error = %+v, want non-retryable", result.Error)
	}
}

func TestRunAuthFailureWithoutRefreshCallbacks(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: llmerrors.New(llmerrors.ErrorTypeAuth, "bad key"), errAtLaunch: true},
	}}
	runner := newRunner(t, client, newStubProvider())

	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeAuthFailure {
		t.Errorf("outcome = %s, want auth_failure", result.Outcome)
	}
}

func TestRunRateLimitedReturnsWithoutSleeping(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: llmerrors.NewWithStatus(llmerrors.ErrorTypeRateLimit, 429, "slow down")},
	}}
	runner := newRunner(t, client, newStubProvider())

	var events []agent.StreamEvent
	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{
		OnEvent: func(ev agent.StreamEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeRateLimited {
		t.Errorf("outcome = %s, want rate_limited", result.Outcome)
	}
	if result.Error == nil || !result.Error.Retryable {
		t.Errorf("error = %+v, want retryable", result.Error)
	}
	if n := countEvents(events, agent.EventError); n != 1 {
		t.Errorf("error events = %d, want exactly 1", n)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{steps: []scriptStep{
		{resp: textResponse("never reached", llm.Usage{})},
	}}
	runner := newRunner(t, client, newStubProvider())

	result, err := runner.Run(ctx, baseConfig(), session.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", result.Outcome)
	}
	if client.calls != 0 {
		t.Errorf("client was called %d times after cancellation", client.calls)
	}
}

func TestRunTerminalErrorCarriesKind(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: llmerrors.New(llmerrors.ErrorTypeBadPrompt, "context too large")},
	}}
	runner := newRunner(t, client, newStubProvider())

	result, err := runner.Run(context.Background(), baseConfig(), session.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != agent.OutcomeError {
		t.Errorf("outcome = %s, want error", result.Outcome)
	}
	if result.Error == nil || result.Error.Code != "bad_prompt" || result.Error.Retryable {
		t.Errorf("error = %+v", result.Error)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	runner := newRunner(t, &scriptedClient{}, newStubProvider())
	cfg := baseConfig()
	cfg.MaxSteps = 0
	if _, err := runner.Run(context.Background(), cfg, session.Callbacks{}); err == nil {
		t.Fatal("invalid config should be the one hard error")
	}
}

func eventKinds(events []agent.StreamEvent) []agent.EventType {
	kinds := make([]agent.EventType, len(events))
	for i, ev := range events {
		kinds[i] = ev.Type
	}
	return kinds
}

func countEvents(events []agent.StreamEvent, kind agent.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}
