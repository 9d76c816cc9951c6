// Package tools provides the sealed tool registry and the built-in tools
// sessions run with. Tools are registered once at startup with a factory and
// metadata; a per-session Provider instantiates them lazily against the
// session's binding (working directory, executor, security profile).
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"conductor/pkg/llm"
)

// Tool name constants. Use these instead of magic strings.
const (
	ToolShell        = "shell"
	ToolReadFile     = "read_file"
	ToolWriteFile    = "write_file"
	ToolEditFile     = "edit_file"
	ToolListFiles    = "list_files"
	ToolGlob         = "glob"
	ToolGrep         = "grep"
	ToolWebFetch     = "web_fetch"
	ToolSubmitReport = "submit_report"
	ToolUpdatePlan   = "update_plan"
)

// Permission classifies a tool's effect on the workspace.
type Permission int8

const (
	// PermissionReadOnly tools observe without modifying anything.
	PermissionReadOnly Permission = iota
	// PermissionWrite tools modify files or run commands.
	PermissionWrite
)

// Property describes one input schema field.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// InputSchema is the JSON schema of a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Meta is the model-facing description of a tool.
type Meta struct {
	Name        string
	Description string
	InputSchema InputSchema
}

// Definition converts the metadata to the wire form sent to providers.
func (m Meta) Definition() llm.ToolDefinition {
	props := make(map[string]any, len(m.InputSchema.Properties))
	for name, p := range m.InputSchema.Properties {
		props[name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
	}
	schema := map[string]any{
		"type":       m.InputSchema.Type,
		"properties": props,
	}
	if len(m.InputSchema.Required) > 0 {
		schema["required"] = m.InputSchema.Required
	}
	return llm.ToolDefinition{
		Name:        m.Name,
		Description: m.Description,
		InputSchema: schema,
	}
}

// Result is a tool's outcome. IsError marks failures the model should see
// and react to; the session continues either way.
type Result struct {
	Content string
	IsError bool
}

// Tool executes model-requested operations.
type Tool interface {
	Name() string
	Meta() Meta
	Exec(ctx context.Context, args map[string]any) Result
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

func jsonResult(payload map[string]any) Result {
	content, err := json.Marshal(payload)
	if err != nil {
		return errorResult("encode tool result: %v", err)
	}
	return Result{Content: string(content)}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required and must be a string", key)
	}
	return v, nil
}

// optionalString extracts a string argument, empty when absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArgOrDefault extracts an integer argument, tolerating the float64 form
// JSON decoding produces. Values below 1 fall back to the default.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// boolArg extracts a boolean argument, false when absent.
func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}
