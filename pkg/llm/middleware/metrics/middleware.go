package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tokens"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor extracts token usage from a request and response.
type UsageExtractor func(req llm.Request, resp llm.Response) (promptTokens, completionTokens int)

// DefaultUsageExtractor prefers the provider-reported usage and falls back to
// tiktoken estimation when the response carries no counts.
func DefaultUsageExtractor(req llm.Request, resp llm.Response) (promptTokens, completionTokens int) {
	if resp.Usage.TotalTokens > 0 {
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}

	var prompt strings.Builder
	prompt.WriteString(req.System)
	prompt.WriteString("\n")
	for i := range req.Messages {
		prompt.WriteString(req.Messages[i].Content)
		prompt.WriteString("\n")
		for j := range req.Messages[i].ToolResults {
			prompt.WriteString(req.Messages[i].ToolResults[j].Content)
			prompt.WriteString("\n")
		}
	}
	promptTokens = tokens.CountSimple(prompt.String())
	completionTokens = tokens.CountSimple(resp.Content + resp.Thinking)

	return promptTokens, completionTokens
}

// Middleware records request latency, token usage, cost, and error types for
// every model call. For streams, metrics are recorded when the stream ends so
// the provider-reported usage is captured.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, info SessionInfo, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				start := time.Now()
				model := next.ModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				var cost float64
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
					cost, _ = config.CalculateCost(model, promptTokens, completionTokens)
				}

				recorder.ObserveRequest(
					model,
					info.SessionID(),
					info.Role(),
					info.Phase(),
					promptTokens,
					completionTokens,
					cost,
					err == nil,
					errorType(err),
					duration,
				)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM request: model=%s session=%s phase=%s tokens=%d+%d cost=$%.4f status=%s duration=%dms",
						model, info.SessionID(), info.Phase(), promptTokens, completionTokens, cost, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				start := time.Now()
				model := next.ModelName()

				src, err := next.Stream(ctx, req)
				if err != nil {
					recorder.ObserveRequest(
						model,
						info.SessionID(),
						info.Role(),
						info.Phase(),
						0, 0, 0,
						false,
						errorType(err),
						time.Since(start),
					)
					return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
				}

				// Relay chunks and record once the step completes, so the
				// duration covers the whole stream and usage comes from the
				// assembled response.
				out := make(chan llm.Chunk)
				go func() {
					defer close(out)

					var finalResp *llm.Response
					var streamErr error
					for chunk := range src {
						switch chunk.Kind {
						case llm.ChunkDone:
							finalResp = chunk.Response
						case llm.ChunkError:
							streamErr = chunk.Err
						}
						out <- chunk
					}
					duration := time.Since(start)

					var promptTokens, completionTokens int
					var cost float64
					success := streamErr == nil && finalResp != nil
					if success {
						promptTokens, completionTokens = usageExtractor(req, *finalResp)
						cost, _ = config.CalculateCost(model, promptTokens, completionTokens)
					}

					recorder.ObserveRequest(
						model,
						info.SessionID(),
						info.Role(),
						info.Phase(),
						promptTokens,
						completionTokens,
						cost,
						success,
						errorType(streamErr),
						duration,
					)

					if logger != nil {
						status := statusSuccess
						if !success {
							status = statusError
						}
						logger.Info("🎯 LLM stream: model=%s session=%s phase=%s tokens=%d+%d cost=$%.4f status=%s duration=%dms",
							model, info.SessionID(), info.Phase(), promptTokens, completionTokens, cost, status, duration.Milliseconds())
					}
				}()
				return out, nil
			},
			next.ModelName,
		)
	}
}

// errorType classifies errors for the metrics label. Circuit denials are
// detected by message to keep this package decoupled from the breaker.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if strings.HasPrefix(err.Error(), "circuit breaker is") {
		return "circuit_breaker"
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
