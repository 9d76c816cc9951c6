// Package llm defines the provider-neutral model client interface and the
// message, tool and streaming types shared by every provider implementation.
package llm

import (
	"context"
	"fmt"
)

// Role classifies a conversation message.
type Role string

const (
	// RoleSystem carries instructions or context for the model.
	RoleSystem Role = "system"
	// RoleUser carries input from the user or the orchestrator.
	RoleUser Role = "user"
	// RoleAssistant carries model output, including tool calls.
	RoleAssistant Role = "assistant"
	// RoleTool carries tool execution results back to the model.
	RoleTool Role = "tool"
)

// ThinkingLevel selects how much reasoning budget a provider allocates.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

const (
	// TemperatureDefault suits planning, reviews and judgment tasks.
	TemperatureDefault = 0.3

	// TemperatureDeterministic suits code generation; slight randomness
	// avoids loop lock-in while staying consistent.
	TemperatureDeterministic = 0.2
)

// Message is one transcript entry. Assistant messages may carry tool calls;
// tool messages carry the matching results.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Thinking    string       `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResult is the outcome of one tool call, keyed by the call ID.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage is token accounting for one step or an accumulated run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// StopReason says why a model step ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request asks for one model step: the next assistant message given the
// system prompt, transcript and bound tools.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
	Thinking    ThinkingLevel
}

// Response is one completed model step.
type Response struct {
	Content    string
	Thinking   string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason StopReason
}

// ChunkKind tags a streaming chunk.
type ChunkKind int8

const (
	// ChunkText is an increment of assistant text.
	ChunkText ChunkKind = iota
	// ChunkThinking is an increment of reasoning text.
	ChunkThinking
	// ChunkToolCall is a fully buffered tool call.
	ChunkToolCall
	// ChunkUsage is a token accounting update.
	ChunkUsage
	// ChunkDone closes the step and carries the assembled Response.
	ChunkDone
	// ChunkError terminates the stream with a classified error.
	ChunkError
)

// Chunk is one item of a streamed model step. Exactly one of the payload
// fields is set, selected by Kind; the stream ends with ChunkDone or ChunkError.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Response *Response
	Err      error
}

// Client is the provider-neutral model interface. Stream and Complete
// produce a single step; multi-step tool conversations are driven above
// this interface by the session runner.
type Client interface {
	// Complete generates one step synchronously.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream generates one step as a chunk stream. The returned channel is
	// closed after ChunkDone or ChunkError.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string
}

// Config parameterizes a provider client instance.
type Config struct {
	APIKey           string
	BaseURL          string
	ModelName        string
	MaxTokens        int
	Temperature      float32
	MaxContextTokens int
	MaxOutputTokens  int
}

// Validate checks a client configuration before construction.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// EmitStep fans a completed step out as stream chunks: thinking, text,
// tool calls, usage, done. Providers whose streams are backed by Complete
// share this.
func EmitStep(ch chan<- Chunk, resp Response) {
	if resp.Thinking != "" {
		ch <- Chunk{Kind: ChunkThinking, Text: resp.Thinking}
	}
	if resp.Content != "" {
		ch <- Chunk{Kind: ChunkText, Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		ch <- Chunk{Kind: ChunkToolCall, ToolCall: &call}
	}
	usage := resp.Usage
	ch <- Chunk{Kind: ChunkUsage, Usage: &usage}
	ch <- Chunk{Kind: ChunkDone, Response: &resp}
}

// NewUserMessage builds a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolResultMessage wraps tool results into a transcript entry.
func NewToolResultMessage(results ...ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results}
}
