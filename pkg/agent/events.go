package agent

import "conductor/pkg/llm"

// EventType tags a StreamEvent.
type EventType string

const (
	// EventTextDelta is an increment of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventThinkingDelta is an increment of reasoning text.
	EventThinkingDelta EventType = "thinking_delta"
	// EventToolCall announces a tool invocation before it executes.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventStepFinish closes one model step.
	EventStepFinish EventType = "step_finish"
	// EventUsage is a token accounting update.
	EventUsage EventType = "usage"
	// EventError reports a classified session error.
	EventError EventType = "error"
)

// StreamEvent is the tagged union every session consumer sees. One struct
// carries all variants so it crosses the worker boundary as plain JSON; Type
// selects which payload fields are meaningful.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Text payload (text_delta, thinking_delta).
	Text string `json:"text,omitempty"`

	// Tool payload (tool_call, tool_result).
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	// Step payload (step_finish).
	Step int `json:"step,omitempty"`

	// Usage payload (usage).
	Usage *llm.Usage `json:"usage,omitempty"`

	// Error payload (error).
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TextDeltaEvent builds a text increment event.
func TextDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ThinkingDeltaEvent builds a reasoning increment event.
func ThinkingDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventThinkingDelta, Text: text}
}

// ToolCallEvent builds a tool invocation announcement.
func ToolCallEvent(name string, args map[string]any) StreamEvent {
	return StreamEvent{Type: EventToolCall, ToolName: name, ToolArgs: args}
}

// ToolResultEvent builds a tool outcome event.
func ToolResultEvent(name, result string, isError bool) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolName: name, ToolResult: result, IsError: isError}
}

// StepFinishEvent closes the given step number.
func StepFinishEvent(step int) StreamEvent {
	return StreamEvent{Type: EventStepFinish, Step: step}
}

// UsageEvent builds a token accounting update.
func UsageEvent(usage llm.Usage) StreamEvent {
	return StreamEvent{Type: EventUsage, Usage: &usage}
}

// ErrorEvent builds a classified error event.
func ErrorEvent(kind, message string) StreamEvent {
	return StreamEvent{Type: EventError, ErrorKind: kind, Message: message}
}
