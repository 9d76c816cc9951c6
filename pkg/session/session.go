// Package session drives one agent conversation from start to terminal
// outcome: it streams model steps, executes tool calls through the session's
// bound provider, and accumulates the transcript, usage and step count into a
// single SessionResult. Orchestrators and the worker bridge both run sessions
// through this package; neither talks to a model client directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/agent"
	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tools"
)

// ToolProvider is what the runner needs from a tool provider.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
	Definitions() []llm.ToolDefinition
}

// Callbacks observe a running session. OnEvent receives every stream item in
// order. OnProgress receives execution-progress snapshots when the tracker's
// view changes. OnAuthRefresh and OnModelRefresh together enable one in-flight
// credential refresh: when the model rejects credentials mid-session, the
// runner asks for a fresh token, rebuilds the client, and reissues the step
// once before giving up with auth_failure.
type Callbacks struct {
	OnEvent        func(agent.StreamEvent)
	OnProgress     func(Progress)
	OnAuthRefresh  func() (string, error)
	OnModelRefresh func(token string) (llm.Client, error)
}

// RunFunc is the shape shared by Runner.Run and the worker bridge.
// Orchestrators accept a RunFunc so their sessions can execute either
// in-process or in an isolated worker.
type RunFunc func(ctx context.Context, cfg agent.SessionConfig, cb Callbacks) (agent.SessionResult, error)

// Runner executes sessions against one model client and tool provider.
// A runner is goroutine-confined: one session at a time.
type Runner struct {
	client llm.Client
	tools  ToolProvider
	logger *logx.Logger
}

// NewRunner creates a session runner.
func NewRunner(client llm.Client, provider ToolProvider, logger *logx.Logger) (*Runner, error) {
	if client == nil {
		return nil, fmt.Errorf("runner requires a model client")
	}
	if provider == nil {
		return nil, fmt.Errorf("runner requires a tool provider")
	}
	if logger == nil {
		logger = logx.NewLogger("session")
	}
	return &Runner{client: client, tools: provider, logger: logger}, nil
}

// Run executes one session to its terminal outcome. The error return is
// reserved for invalid configuration; everything that happens after launch,
// including model failures, lands in the result's Outcome and Error fields.
func (r *Runner) Run(ctx context.Context, cfg agent.SessionConfig, cb Callbacks) (agent.SessionResult, error) {
	if err := cfg.Validate(); err != nil {
		return agent.SessionResult{}, fmt.Errorf("session config: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	s := &run{
		runner:   r,
		cfg:      cfg,
		cb:       cb,
		client:   r.client,
		defs:     r.tools.Definitions(),
		tracker:  newTracker(cfg, cb.OnProgress),
		messages: append([]llm.Message(nil), cfg.InitialMessages...),
		started:  time.Now(),
	}
	r.logger.Info("🔄 session %s starting: role=%s phase=%s model=%s max_steps=%d tools=%d",
		cfg.SessionID, cfg.Role, cfg.Phase, cfg.ModelID, cfg.MaxSteps, len(s.defs))
	return s.loop(ctx), nil
}

// run holds the mutable state of one session execution.
type run struct {
	runner        *Runner
	cfg           agent.SessionConfig
	cb            Callbacks
	client        llm.Client
	defs          []llm.ToolDefinition
	tracker       *Tracker
	messages      []llm.Message
	started       time.Time
	result        agent.SessionResult
	authRefreshed bool
}

func (s *run) loop(ctx context.Context) agent.SessionResult {
	for s.result.StepsExecuted < s.cfg.MaxSteps {
		if ctx.Err() != nil {
			return s.finish(agent.OutcomeCancelled, cancelledError(ctx.Err()))
		}

		resp, err := s.step(ctx)
		if err != nil {
			if outcome, sessErr, retryStep := s.classify(ctx, err); !retryStep {
				return s.finish(outcome, sessErr)
			}
			continue // credentials refreshed, reissue the same step
		}
		s.result.StepsExecuted++

		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			Thinking:  resp.Thinking,
			ToolCalls: resp.ToolCalls,
		}
		s.messages = append(s.messages, assistant)
		s.tracker.ObserveAssistantText(resp.Content)

		if len(resp.ToolCalls) == 0 {
			s.emit(agent.StepFinishEvent(s.result.StepsExecuted))
			return s.finish(agent.OutcomeCompleted, nil)
		}

		s.messages = append(s.messages, llm.NewToolResultMessage(s.execTools(ctx, resp.ToolCalls)...))
		s.emit(agent.StepFinishEvent(s.result.StepsExecuted))
	}

	s.runner.logger.Warn("⚠️ session %s hit the step ceiling (%d)", s.cfg.SessionID, s.cfg.MaxSteps)
	return s.finish(agent.OutcomeMaxSteps, nil)
}

// step issues one streaming completion and returns the assembled response.
func (s *run) step(ctx context.Context) (llm.Response, error) {
	req := llm.Request{
		System:   s.cfg.SystemPrompt,
		Messages: s.messages,
		Tools:    s.defs,
		Thinking: s.cfg.ThinkingLevel,
	}

	ch, err := s.client.Stream(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}

	var final *llm.Response
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkText:
			s.emit(agent.TextDeltaEvent(chunk.Text))
		case llm.ChunkThinking:
			s.emit(agent.ThinkingDeltaEvent(chunk.Text))
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				s.emit(agent.ToolCallEvent(chunk.ToolCall.Name, chunk.ToolCall.Parameters))
			}
		case llm.ChunkUsage:
			if chunk.Usage != nil {
				s.result.Usage.Add(*chunk.Usage)
				s.emit(agent.UsageEvent(*chunk.Usage))
			}
		case llm.ChunkError:
			return llm.Response{}, chunk.Err
		case llm.ChunkDone:
			final = chunk.Response
		}
	}
	if final == nil {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"stream closed without a final response")
	}
	return *final, nil
}

// execTools runs every tool call of one step in order. The model API requires
// a result for each call, so lookup failures become error results instead of
// aborting the step.
func (s *run) execTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for i := range calls {
		call := &calls[i]
		s.tracker.ObserveToolCall(call.Name, call.Parameters)

		var res tools.Result
		tool, err := s.runner.tools.Get(call.Name)
		if err != nil {
			res = tools.Result{Content: err.Error(), IsError: true}
		} else {
			start := time.Now()
			res = tool.Exec(ctx, call.Parameters)
			s.runner.logger.Debug("tool %s finished in %.3fs (error=%v)",
				call.Name, time.Since(start).Seconds(), res.IsError)
		}

		s.result.ToolCallCount++
		s.emit(agent.ToolResultEvent(call.Name, res.Content, res.IsError))
		results = append(results, llm.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Content: res.Content,
			IsError: res.IsError,
		})
	}
	return results
}

// classify maps a step failure to a terminal outcome, or reports that the
// step should be reissued after a successful credential refresh.
func (s *run) classify(ctx context.Context, err error) (agent.Outcome, *agent.SessionError, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return agent.OutcomeCancelled, cancelledError(err), false
	}

	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeAuth:
		if s.refreshAuth() {
			return "", nil, true
		}
		return agent.OutcomeAuthFailure, &agent.SessionError{
			Code: "auth", Message: err.Error(), Retryable: false,
		}, false
	case llmerrors.ErrorTypeRateLimit:
		// No sleeping here: the caller owns backoff before relaunching.
		return agent.OutcomeRateLimited, &agent.SessionError{
			Code: "rate_limit", Message: err.Error(), Retryable: true,
		}, false
	default:
		retryable := true
		var lerr *llmerrors.Error
		if errors.As(err, &lerr) {
			retryable = lerr.IsRetryable()
		}
		return agent.OutcomeError, &agent.SessionError{
			Code:      llmerrors.TypeOf(err).String(),
			Message:   err.Error(),
			Retryable: retryable,
		}, false
	}
}

// refreshAuth performs the single allowed credential refresh. Reports whether
// the failed step should be reissued.
func (s *run) refreshAuth() bool {
	if s.authRefreshed || s.cb.OnAuthRefresh == nil || s.cb.OnModelRefresh == nil {
		return false
	}
	s.authRefreshed = true

	token, err := s.cb.OnAuthRefresh()
	if err != nil {
		s.runner.logger.Error("auth refresh failed: %v", err)
		return false
	}
	client, err := s.cb.OnModelRefresh(token)
	if err != nil || client == nil {
		s.runner.logger.Error("model rebuild after auth refresh failed: %v", err)
		return false
	}
	s.client = client
	s.runner.logger.Info("credentials refreshed, reissuing step %d", s.result.StepsExecuted+1)
	return true
}

// finish seals the result. Exactly one terminal error event is emitted for
// failure outcomes; orderly endings carry no error.
func (s *run) finish(outcome agent.Outcome, sessErr *agent.SessionError) agent.SessionResult {
	s.result.Outcome = outcome
	s.result.Error = sessErr
	s.result.Messages = s.messages
	s.result.DurationMs = time.Since(s.started).Milliseconds()

	if sessErr != nil {
		s.emit(agent.ErrorEvent(sessErr.Code, sessErr.Message))
		s.runner.logger.Error("session %s ended: outcome=%s error=%s steps=%d tools=%d",
			s.cfg.SessionID, outcome, sessErr.Code, s.result.StepsExecuted, s.result.ToolCallCount)
	} else {
		s.runner.logger.Info("✅ session %s ended: outcome=%s steps=%d tools=%d tokens=%d",
			s.cfg.SessionID, outcome, s.result.StepsExecuted, s.result.ToolCallCount,
			s.result.Usage.TotalTokens)
	}
	return s.result
}

func (s *run) emit(ev agent.StreamEvent) {
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(ev)
	}
}

func cancelledError(err error) *agent.SessionError {
	msg := "session cancelled"
	if err != nil {
		msg = err.Error()
	}
	return &agent.SessionError{Code: "cancelled", Message: msg, Retryable: false}
}
