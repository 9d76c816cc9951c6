// Package ollama implements the llm.Client interface for locally hosted
// models served by an Ollama runtime.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
)

const defaultHost = "http://localhost:11434"

// Client wraps the Ollama API client behind llm.Client.
type Client struct {
	client *api.Client
	cfg    llm.Config
}

// New creates an Ollama client. cfg.BaseURL is the server URL; the default
// local address applies when unset or unparseable. No API key is required.
func New(cfg llm.Config) (*Client, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("ollama client config: model name cannot be empty")
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		parsed, _ = url.Parse(defaultHost)
	}
	return &Client{client: api.NewClient(parsed, http.DefaultClient), cfg: cfg}, nil
}

func (c *Client) ModelName() string {
	return c.cfg.ModelName
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages, err := convertMessages(req)
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

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.cfg.ModelName,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var response api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}

	out := llm.Response{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
		Usage: llm.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
			TotalTokens:      response.PromptEvalCount + response.EvalCount,
		},
	}

	if len(response.Message.ToolCalls) > 0 {
		out.ToolCalls = make([]llm.ToolCall, len(response.Message.ToolCalls))
		for i := range response.Message.ToolCalls {
			call := &response.Message.ToolCalls[i]
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls[i] = llm.ToolCall{
				ID:         id,
				Name:       call.Function.Name,
				Parameters: map[string]any(call.Function.Arguments),
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

// convertMessages maps the transcript to Ollama's message format. Tool
// results become separate role "tool" messages keyed by tool call ID.
func convertMessages(req llm.Request) ([]api.Message, error) {
	var result []api.Message
	if req.System != "" {
		result = append(result, api.Message{Role: "system", Content: req.System})
	}

	for i := range req.Messages {
		msg := &req.Messages[i]

		if msg.Role == llm.RoleTool || len(msg.ToolResults) > 0 {
			for j := range msg.ToolResults {
				res := &msg.ToolResults[j]
				result = append(result, api.Message{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: res.ID,
				})
			}
			if msg.Content != "" {
				result = append(result, api.Message{Role: "user", Content: msg.Content})
			}
			continue
		}

		out := api.Message{Role: string(msg.Role), Content: msg.Content}
		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				out.ToolCalls[j] = api.ToolCall{
					ID: call.ID,
					Function: api.ToolCallFunction{
						Name:      call.Name,
						Arguments: api.ToolCallFunctionArguments(call.Parameters),
					},
				}
			}
		}
		result = append(result, out)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	return result, nil
}

func convertTools(defs []llm.ToolDefinition) api.Tools {
	out := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]api.ToolProperty)
		if props, ok := def.InputSchema["properties"].(map[string]any); ok {
			for name, child := range props {
				if childMap, ok := child.(map[string]any); ok {
					properties[name] = convertProperty(childMap)
				}
			}
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   requiredFields(def.InputSchema),
				},
			},
		}
	}
	return out
}

func convertProperty(schema map[string]any) api.ToolProperty {
	typeName, _ := schema["type"].(string)
	if typeName == "" {
		typeName = "string"
	}
	prop := api.ToolProperty{
		Type: api.PropertyType{typeName},
	}
	if desc, ok := schema["description"].(string); ok {
		prop.Description = desc
	}
	if enum, ok := schema["enum"].([]any); ok {
		prop.Enum = enum
	} else if enumStr, ok := schema["enum"].([]string); ok {
		vals := make([]any, len(enumStr))
		for i, v := range enumStr {
			vals[i] = v
		}
		prop.Enum = vals
	}
	if items, ok := schema["items"].(map[string]any); ok {
		prop.Items = convertProperty(items)
	}
	return prop
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

func stopReason(resp *api.ChatResponse) llm.StopReason {
	if !resp.Done {
		return llm.StopEndTurn
	}
	if resp.DoneReason == "length" {
		return llm.StopMaxTokens
	}
	return llm.StopEndTurn
}

// classifyError handles Ollama-specific failure text before falling back
// to the shared classifier.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		return llmerrors.Classify(err)
	}
}
