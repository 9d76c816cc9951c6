package tools

import (
	"context"
	"strings"
	"testing"

	"conductor/pkg/exec"
)

// recordingExecutor captures the argv it was asked to run.
type recordingExecutor struct {
	argv   []string
	opts   exec.Opts
	result exec.Result
	err    error
}

func (r *recordingExecutor) Run(_ context.Context, argv []string, opts exec.Opts) (exec.Result, error) {
	r.argv = argv
	r.opts = opts
	return r.result, r.err
}

func (r *recordingExecutor) Name() string { return "recording" }

func newShellTool(t *testing.T, binding Binding) *ShellTool {
	t.Helper()
	tool, err := NewShellTool(binding)
	if err != nil {
		t.Fatalf("NewShellTool: %v", err)
	}
	return tool
}

func TestShellRunsThroughSh(t *testing.T) {
	binding := testBinding(t)
	rec := &recordingExecutor{result: exec.Result{Stdout: "hello\n"}}
	binding.Executor = rec
	tool := newShellTool(t, binding)

	res := tool.Exec(context.Background(), map[string]any{"command": "echo hello"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "hello\n" {
		t.Errorf("content = %q", res.Content)
	}
	want := []string{"sh", "-c", "echo hello"}
	if len(rec.argv) != 3 || rec.argv[0] != want[0] || rec.argv[1] != want[1] || rec.argv[2] != want[2] {
		t.Errorf("argv = %v, want %v", rec.argv, want)
	}
	if rec.opts.WorkDir != binding.Context.Cwd {
		t.Errorf("WorkDir = %q, want session cwd", rec.opts.WorkDir)
	}
}

func TestShellDeniesDisallowedCommand(t *testing.T) {
	binding := testBinding(t)
	rec := &recordingExecutor{}
	binding.Executor = rec
	tool := newShellTool(t, binding)

	res := tool.Exec(context.Background(), map[string]any{"command": "terraform apply"})
	if !res.IsError {
		t.Fatal("disallowed command should produce an error result")
	}
	if !strings.Contains(res.Content, "command denied") {
		t.Errorf("content = %q, want denial message", res.Content)
	}
	if rec.argv != nil {
		t.Error("denied command must never reach the executor")
	}
}

func TestShellNonZeroExit(t *testing.T) {
	binding := testBinding(t)
	binding.Executor = &recordingExecutor{result: exec.Result{Stderr: "boom", ExitCode: 3}}
	tool := newShellTool(t, binding)

	res := tool.Exec(context.Background(), map[string]any{"command": "false"})
	if !res.IsError {
		t.Fatal("non-zero exit should be an error result")
	}
	if !strings.Contains(res.Content, "boom") || !strings.Contains(res.Content, "(exit code 3)") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestShellTimeoutCap(t *testing.T) {
	binding := testBinding(t)
	rec := &recordingExecutor{result: exec.Result{Stdout: "ok"}}
	binding.Executor = rec
	tool := newShellTool(t, binding)

	tool.Exec(context.Background(), map[string]any{
		"command":         "sleep 1",
		"timeout_seconds": float64(3600),
	})
	if rec.opts.Timeout != maxShellTimeout {
		t.Errorf("timeout = %v, want cap %v", rec.opts.Timeout, maxShellTimeout)
	}
}

func TestShellEmptyOutput(t *testing.T) {
	binding := testBinding(t)
	binding.Executor = &recordingExecutor{}
	tool := newShellTool(t, binding)

	res := tool.Exec(context.Background(), map[string]any{"command": "true"})
	if res.IsError || res.Content != "(no output)" {
		t.Errorf("result = %+v", res)
	}
}

func TestShellMissingCommand(t *testing.T) {
	tool := newShellTool(t, testBinding(t))
	if res := tool.Exec(context.Background(), map[string]any{}); !res.IsError {
		t.Error("missing command should be an error result")
	}
}

func TestNewShellToolRequiresExecutor(t *testing.T) {
	binding := testBinding(t)
	binding.Executor = nil
	if _, err := NewShellTool(binding); err == nil {
		t.Error("nil executor should fail construction")
	}
}
