// Package openai implements the llm.Client interface on the OpenAI
// Responses API. A BaseURL override points the same client at
// OpenAI-compatible endpoints (Azure, Groq, Mistral, xAI).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI SDK behind llm.Client.
type Client struct {
	client openai.Client
	cfg    llm.Config
}

func New(cfg llm.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai client config: %w", err)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: openai.NewClient(opts...), cfg: cfg}, nil
}

func (c *Client) ModelName() string {
	return c.cfg.ModelName
}

// buildInput flattens the transcript into a single Responses API input
// string. Tool calls and results are rendered inline so the model keeps
// the full conversation state.
func buildInput(req llm.Request) string {
	var sb strings.Builder
	if req.System != "" {
		fmt.Fprintf(&sb, "System: %s\n\n", req.System)
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&sb, "System: %s\n\n", msg.Content)
		case llm.RoleUser:
			fmt.Fprintf(&sb, "%s\n\n", msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n", msg.Content)
			for j := range msg.ToolCalls {
				args, _ := json.Marshal(msg.ToolCalls[j].Parameters)
				fmt.Fprintf(&sb, "Assistant called %s(%s)\n", msg.ToolCalls[j].Name, args)
			}
			sb.WriteString("\n")
		case llm.RoleTool:
			for j := range msg.ToolResults {
				status := "ok"
				if msg.ToolResults[j].IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "Tool %s result (%s): %s\n", msg.ToolResults[j].Name, status, msg.ToolResults[j].Content)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func reasoningEffort(level llm.ThinkingLevel) openai.ReasoningEffort {
	switch level {
	case llm.ThinkingHigh:
		return openai.ReasoningEffortHigh
	case llm.ThinkingMedium:
		return openai.ReasoningEffortMedium
	default:
		return openai.ReasoningEffortLow
	}
}

// Complete implements llm.Client via the Responses API.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if c.cfg.MaxOutputTokens > 0 && maxTokens > c.cfg.MaxOutputTokens {
		maxTokens = c.cfg.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           c.cfg.ModelName,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(buildInput(req))},
		Reasoning: openai.ReasoningParam{
			Effort: reasoningEffort(req.Thinking),
		},
	}

	if len(req.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, len(req.Tools))
		for i := range req.Tools {
			def := &req.Tools[i]
			toolParams[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.InputSchema),
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err)
	}
	if resp == nil {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	out := llm.Response{
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		StopReason: llm.StopEndTurn,
	}

	for i := range resp.Output {
		item := &resp.Output[i]
		switch item.Type {
		case "function_call":
			call := item.AsFunctionCall()
			var callParams map[string]any
			if call.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Arguments), &callParams); err != nil {
					continue // unparseable arguments, skip the call
				}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:         call.ID,
				Name:       call.Name,
				Parameters: callParams,
			})
		case "reasoning":
			// Internal chain-of-thought; keep out of the final content.
			continue
		default:
			continue
		}
	}

	out.Content = resp.OutputText()
	if len(out.ToolCalls) > 0 {
		out.StopReason = llm.StopToolUse
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse, "no text or tool calls in response")
	}

	return out, nil
}

// Stream implements llm.Client by completing the step and emitting typed chunks.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, req)
		if err != nil {
			ch <- llm.Chunk{Kind: llm.ChunkError, Err: err}
			return
		}
		llm.EmitStep(ch, resp)
	}()
	return ch, nil
}
