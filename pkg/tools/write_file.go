package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileTool creates or overwrites workspace files.
type WriteFileTool struct {
	binding Binding
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(binding Binding) *WriteFileTool {
	return &WriteFileTool{binding: binding}
}

func (t *WriteFileTool) Name() string {
	return ToolWriteFile
}

func (t *WriteFileTool) Meta() Meta {
	return Meta{
		Name: ToolWriteFile,
		Description: "Write content to a file, creating it (and parent directories) if " +
			"needed, overwriting if it exists.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the working directory",
				},
				"content": {
					Type:        "string",
					Description: "Full file content to write",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return errorResult("%v", err)
	}
	content, ok := args["content"].(string)
	if !ok {
		return errorResult("content is required and must be a string")
	}
	abs, err := t.binding.resolveWrite(path)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errorResult("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return errorResult("write %s: %v", path, err)
	}
	return jsonResult(map[string]any{
		"path":  path,
		"bytes": len(content),
		"lines": strings.Count(content, "\n") + 1,
	})
}

// EditFileTool replaces an exact string in a workspace file.
type EditFileTool struct {
	binding Binding
}

// NewEditFileTool creates the edit_file tool.
func NewEditFileTool(binding Binding) *EditFileTool {
	return &EditFileTool{binding: binding}
}

func (t *EditFileTool) Name() string {
	return ToolEditFile
}

func (t *EditFileTool) Meta() Meta {
	return Meta{
		Name: ToolEditFile,
		Description: "Replace an exact string in a file. old_string must match exactly " +
			"and, unless replace_all is set, must appear exactly once.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the working directory",
				},
				"old_string": {
					Type:        "string",
					Description: "Exact text to replace",
				},
				"new_string": {
					Type:        "string",
					Description: "Replacement text",
				},
				"replace_all": {
					Type:        "boolean",
					Description: "Replace every occurrence instead of requiring uniqueness",
				},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *EditFileTool) Exec(_ context.Context, args map[string]any) Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return errorResult("%v", err)
	}
	oldString, err := stringArg(args, "old_string")
	if err != nil {
		return errorResult("%v", err)
	}
	newString, ok := args["new_string"].(string)
	if !ok {
		return errorResult("new_string is required and must be a string")
	}
	if oldString == newString {
		return errorResult("old_string and new_string are identical")
	}
	replaceAll := boolArg(args, "replace_all")

	abs, err := t.binding.resolveWrite(path)
	if err != nil {
		return errorResult("%v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult("cannot read %s: %v", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldString)
	switch {
	case count == 0:
		return errorResult("old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return errorResult("old_string appears %d times in %s; make it unique or set replace_all", count, path)
	}

	replaced := count
	if replaceAll {
		content = strings.ReplaceAll(content, oldString, newString)
	} else {
		content = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return errorResult("write %s: %v", path, err)
	}
	return jsonResult(map[string]any{
		"path":     path,
		"replaced": replaced,
	})
}
