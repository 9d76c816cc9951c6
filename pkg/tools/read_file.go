package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	defaultReadLines = 2000
	maxLineLength    = 2000
	maxReadBytes     = 1 << 20
)

// ReadFileTool reads workspace files with numbered lines.
type ReadFileTool struct {
	binding Binding
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(binding Binding) *ReadFileTool {
	return &ReadFileTool{binding: binding}
}

func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

func (t *ReadFileTool) Meta() Meta {
	return Meta{
		Name: ToolReadFile,
		Description: "Read a file from the workspace. Output uses numbered lines. " +
			"For large files use offset and limit to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path to the file, relative to the working directory",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start from (1-based, default 1)",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read (default 2000)",
				},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) Result {
	path, err := stringArg(args, "path")
	if err != nil {
		return errorResult("%v", err)
	}
	abs, err := t.binding.resolveRead(path)
	if err != nil {
		return errorResult("%v", err)
	}
	offset := intArgOrDefault(args, "offset", 1)
	limit := intArgOrDefault(args, "limit", defaultReadLines)

	f, err := os.Open(abs)
	if err != nil {
		return errorResult("cannot read %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineNo := 0
	written := 0
	truncated := false
	for scanner.Scan() {
		lineNo++
		if lineNo < offset {
			continue
		}
		if written >= limit || out.Len() > maxReadBytes {
			truncated = true
			break
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		fmt.Fprintf(&out, "%6d\t%s\n", lineNo, line)
		written++
	}
	if err := scanner.Err(); err != nil {
		return errorResult("read %s: %v", path, err)
	}
	if written == 0 && lineNo < offset {
		return errorResult("%s has only %d lines, offset %d is past the end", path, lineNo, offset)
	}

	return jsonResult(map[string]any{
		"path":      path,
		"content":   out.String(),
		"truncated": truncated,
		"offset":    offset,
		"limit":     limit,
	})
}
