// Package anthropic implements the llm.Client interface for Claude models.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
)

// Client wraps the Anthropic SDK behind llm.Client.
type Client struct {
	client anthropic.Client
	cfg    llm.Config
}

// New creates a Claude client. BaseURL overrides the API endpoint when set
// (ANTHROPIC_BASE_URL passthrough).
func New(cfg llm.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("anthropic client config: %w", err)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (c *Client) ModelName() string {
	return c.cfg.ModelName
}

// flatten prepares the transcript for the Anthropic wire format:
//  1. system messages move to the top-level system parameter
//  2. assistant tool calls render into the assistant text
//  3. tool results render into user text
//  4. consecutive non-assistant messages merge into single user turns
//
// The result is a strictly alternating user/assistant sequence ending
// with a user message.
func flatten(messages []llm.Message) (systemPrompt string, alternating []llm.Message, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []llm.Message
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		rest = append(rest, *msg)
	}
	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []llm.Message
	var userParts []string
	flushUser := func() {
		if len(userParts) > 0 {
			merged = append(merged, llm.Message{Role: llm.RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}

	for i := range rest {
		msg := &rest[i]
		if msg.Role == llm.RoleAssistant {
			flushUser()
			content := msg.Content
			if len(msg.ToolCalls) > 0 {
				content = strings.TrimSpace(content + "\n\n" + renderToolCalls(msg.ToolCalls))
			}
			merged = append(merged, llm.Message{Role: llm.RoleAssistant, Content: content})
			continue
		}
		// User and tool messages both become user text.
		part := msg.Content
		if len(msg.ToolResults) > 0 {
			part = strings.TrimSpace(part + "\n" + renderToolResults(msg.ToolResults))
		}
		userParts = append(userParts, part)
	}
	flushUser()

	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", merged[len(merged)-1].Role)
	}

	return systemPrompt, merged, nil
}

func renderToolCalls(calls []llm.ToolCall) string {
	var sb strings.Builder
	for i := range calls {
		args, _ := json.Marshal(calls[i].Parameters)
		fmt.Fprintf(&sb, "[tool call %s] %s(%s)\n", calls[i].ID, calls[i].Name, args)
	}
	return sb.String()
}

func renderToolResults(results []llm.ToolResult) string {
	var sb strings.Builder
	for i := range results {
		status := "ok"
		if results[i].IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "[tool result %s %s: %s]\n%s\n", results[i].ID, results[i].Name, status, results[i].Content)
	}
	return sb.String()
}

// thinkingBudget maps a thinking level to Claude extended-thinking tokens.
// Low disables extended thinking.
func thinkingBudget(level llm.ThinkingLevel) int64 {
	switch level {
	case llm.ThinkingMedium:
		return 4096
	case llm.ThinkingHigh:
		return 16384
	default:
		return 0
	}
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := req.Messages
	if req.System != "" {
		messages = append([]llm.Message{{Role: llm.RoleSystem, Content: req.System}}, messages...)
	}
	systemPrompt, alternating, err := flatten(messages)
	if err != nil {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.ModelName),
		MaxTokens: int64(c.maxTokens(req)),
	}

	budget := thinkingBudget(req.Thinking)
	if budget > 0 {
		// Extended thinking requires temperature 1 and headroom above the budget.
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		params.Temperature = anthropic.Float(1.0)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + int64(c.maxTokens(req))
		}
	} else {
		params.Temperature = anthropic.Float(float64(c.temperature(req)))
	}

	wire := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		msg := &alternating[i]
		wire = append(wire, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}
	params.Messages = wire

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	if len(req.Tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for i := range req.Tools {
			def := &req.Tools[i]
			schema := anthropic.ToolInputSchemaParam{Type: "object"}
			if props, ok := def.InputSchema["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = requiredFields(def.InputSchema)
			toolParams = append(toolParams, anthropic.ToolUnionParamOfTool(schema, def.Name))
		}
		params.Tools = toolParams
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse, "received empty response from Claude API")
	}

	out := llm.Response{
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "thinking":
			out.Thinking += block.AsThinking().Thinking
		case "tool_use":
			use := block.AsToolUse()
			var callParams map[string]any
			if err := json.Unmarshal(use.Input, &callParams); err != nil {
				return llm.Response{}, fmt.Errorf("failed to parse tool input for %s: %w", use.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:         use.ID,
				Name:       use.Name,
				Parameters: callParams,
			})
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		out.StopReason = llm.StopToolUse
	case anthropic.StopReasonMaxTokens:
		out.StopReason = llm.StopMaxTokens
	default:
		out.StopReason = llm.StopEndTurn
	}

	return out, nil
}

// Stream implements llm.Client by completing the step and emitting it as
// typed chunks: thinking, text, tool calls, usage, done.
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

func (c *Client) maxTokens(req llm.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.cfg.MaxTokens > 0 {
		return c.cfg.MaxTokens
	}
	return 4096
}

func (c *Client) temperature(req llm.Request) float32 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return c.cfg.Temperature
}

func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

