package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/exec"
	"conductor/pkg/security"
)

// maxShellTimeout caps what a session may request for one command.
const maxShellTimeout = 10 * time.Minute

// ShellTool runs commands through the executor. Every call passes the
// security hook first; a denial comes back as an error result and the
// session continues.
type ShellTool struct {
	binding Binding
}

// NewShellTool creates the shell tool for a session binding.
func NewShellTool(binding Binding) (*ShellTool, error) {
	if binding.Executor == nil {
		return nil, fmt.Errorf("shell tool requires an executor")
	}
	return &ShellTool{binding: binding}, nil
}

func (t *ShellTool) Name() string {
	return ToolShell
}

func (t *ShellTool) Meta() Meta {
	return Meta{
		Name: ToolShell,
		Description: "Execute a shell command in the session working directory and return " +
			"its output. Long output is truncated. Commands are validated against the " +
			"session's security profile before running.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "Shell command to execute",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Optional timeout in seconds (default 300, max 600)",
				},
			},
			Required: []string{"command"},
		},
	}
}

func (t *ShellTool) Exec(ctx context.Context, args map[string]any) Result {
	command, err := stringArg(args, "command")
	if err != nil {
		return errorResult("%v", err)
	}

	decision := security.CheckToolCall(security.ToolCall{
		ToolName: ToolShell,
		Input:    args,
		Cwd:      t.binding.Context.Cwd,
	}, t.binding.Context.Security)
	if !decision.Allowed {
		if t.binding.Logger != nil {
			t.binding.Logger.Warn("shell command denied: %s", decision.Reason)
		}
		return errorResult("command denied: %s", decision.Reason)
	}

	opts := exec.DefaultOpts()
	opts.WorkDir = t.binding.Context.Cwd
	if secs := intArgOrDefault(args, "timeout_seconds", 0); secs > 0 {
		timeout := time.Duration(secs) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
		opts.Timeout = timeout
	}

	result, err := t.binding.Executor.Run(ctx, []string{"sh", "-c", command}, opts)
	if err != nil {
		return errorResult("command failed to run: %v", err)
	}

	var out strings.Builder
	if result.Stdout != "" {
		out.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(result.Stderr)
	}
	if result.TimedOut {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("(command timed out)")
	}
	if result.ExitCode != 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		fmt.Fprintf(&out, "(exit code %d)", result.ExitCode)
		return Result{Content: out.String(), IsError: true}
	}
	if out.Len() == 0 {
		out.WriteString("(no output)")
	}
	return Result{Content: out.String()}
}
