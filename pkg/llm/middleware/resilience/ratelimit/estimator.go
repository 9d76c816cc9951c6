// Package ratelimit reserves provider capacity before each model call.
//
// Reservations are made against the shared limiter and fail fast with
// classified errors; the retry middleware above this one owns the backoff,
// so a denial here becomes a delayed retry rather than a blocked goroutine.
package ratelimit

import (
	"strings"

	"conductor/pkg/llm"
	"conductor/pkg/tokens"
)

// TokenEstimator estimates the number of prompt tokens for a request.
type TokenEstimator interface {
	EstimatePrompt(req llm.Request) int
}

// DefaultTokenEstimator estimates with tiktoken counting.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a new default token estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt counts the system prompt, transcript, and tool results.
// Tool schemas are left out; the limiter's buffer factor absorbs the slack.
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.Request) int {
	var sb strings.Builder
	sb.WriteString(req.System)
	sb.WriteString("\n")
	for i := range req.Messages {
		sb.WriteString(req.Messages[i].Content)
		sb.WriteString("\n")
		for j := range req.Messages[i].ToolResults {
			sb.WriteString(req.Messages[i].ToolResults[j].Content)
			sb.WriteString("\n")
		}
	}
	return tokens.CountSimple(sb.String())
}
