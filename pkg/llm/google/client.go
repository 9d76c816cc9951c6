// Package google implements the llm.Client interface for Gemini models.
package google

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
)

// Client wraps the Google GenAI SDK behind llm.Client.
type Client struct {
	client *genai.Client
	cfg    llm.Config

	// responseCache keeps raw assistant contents so thought signatures
	// survive into later turns.
	responseCache []*genai.Content
}

// New creates a Gemini client. The underlying SDK client is constructed
// lazily because genai.NewClient requires a context.
func New(cfg llm.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gemini client config: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) ModelName() string {
	return c.cfg.ModelName
}

func (c *Client) ensureClient(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llmerrors.NewWithCause(llmerrors.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	c.client = client
	return nil
}

func thinkingBudget(level llm.ThinkingLevel) int32 {
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
	if err := c.ensureClient(ctx); err != nil {
		return llm.Response{}, err
	}

	contents, systemInstruction, err := c.convertMessages(req)
	if err != nil {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: &temperature,
		//nolint:gosec // token counts stay far below int32 range
		MaxOutputTokens: int32(maxTokens),
	}

	if budget := thinkingBudget(req.Thinking); budget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget:  &budget,
			IncludeThoughts: true,
		}
	}

	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(req.Tools)},
		}
		// Force tool use: Gemini may return empty responses when not forced,
		// especially when the available tools change between turns.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.cfg.ModelName, contents, config)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.Response{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	if result.Candidates[0].Content != nil {
		c.responseCache = append(c.responseCache, result.Candidates[0].Content)
	}

	out := llm.Response{
		Content:    result.Text(),
		StopReason: stopReason(result),
	}
	if meta := result.UsageMetadata; meta != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(meta.PromptTokenCount),
			CompletionTokens: int(meta.CandidatesTokenCount),
			TotalTokens:      int(meta.TotalTokenCount),
		}
	}

	if calls := result.FunctionCalls(); len(calls) > 0 {
		out.ToolCalls = make([]llm.ToolCall, len(calls))
		for i := range calls {
			id := calls[i].ID
			if id == "" {
				// Gemini omits call IDs; the function name keys results instead.
				id = calls[i].Name
			}
			out.ToolCalls[i] = llm.ToolCall{
				ID:         id,
				Name:       calls[i].Name,
				Parameters: calls[i].Args,
			}
		}
		out.StopReason = llm.StopToolUse
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

// convertMessages maps the transcript into Gemini contents plus a system
// instruction. Assistant turns with tool calls are replayed from the
// response cache when available, preserving thought signatures.
func (c *Client) convertMessages(req llm.Request) ([]*genai.Content, string, error) {
	systemInstruction := req.System
	var contents []*genai.Content
	assistantIdx := 0

	for i := range req.Messages {
		msg := &req.Messages[i]

		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case llm.RoleUser, llm.RoleTool:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Role == llm.RoleAssistant {
			if len(msg.ToolCalls) > 0 && assistantIdx < len(c.responseCache) {
				contents = append(contents, c.responseCache[assistantIdx])
				assistantIdx++
				continue
			}
			assistantIdx++
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for j := range msg.ToolCalls {
			call := &msg.ToolCalls[j]
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Parameters,
				},
			})
		}
		for j := range msg.ToolResults {
			res := &msg.ToolResults[j]
			if res.Name == "" {
				continue
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: res.Name,
					Response: map[string]any{
						"content":  res.Content,
						"is_error": res.IsError,
					},
				},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	return contents, systemInstruction, nil
}

func convertTools(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  convertSchema(def.InputSchema),
		}
	}
	return declarations
}

// convertSchema recursively maps a JSON schema object onto genai.Schema.
func convertSchema(schema map[string]any) *genai.Schema {
	out := &genai.Schema{}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}

	typeName, _ := schema["type"].(string)
	switch typeName {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]any); ok {
			out.Items = convertSchema(items)
		}
	case "object":
		out.Type = genai.TypeObject
		if props, ok := schema["properties"].(map[string]any); ok {
			out.Properties = make(map[string]*genai.Schema, len(props))
			for name, child := range props {
				if childMap, ok := child.(map[string]any); ok {
					out.Properties[name] = convertSchema(childMap)
				}
			}
		}
		if req, ok := schema["required"].([]string); ok {
			out.Required = req
		} else if reqAny, ok := schema["required"].([]any); ok {
			for _, r := range reqAny {
				if s, ok := r.(string); ok {
					out.Required = append(out.Required, s)
				}
			}
		}
	default:
		out.Type = genai.TypeString
	}

	if enum, ok := schema["enum"].([]string); ok {
		out.Enum = enum
	} else if enumAny, ok := schema["enum"].([]any); ok {
		for _, e := range enumAny {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}

	return out
}

func stopReason(result *genai.GenerateContentResponse) llm.StopReason {
	if len(result.Candidates) > 0 && result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return llm.StopMaxTokens
	}
	return llm.StopEndTurn
}
