package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"time"
)

// LocalExec runs commands directly on the host.
type LocalExec struct{}

// NewLocalExec creates a host executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name identifies the executor in logs.
func (e *LocalExec) Name() string {
	return "local"
}

// Run executes argv with bounded time and output. Non-zero exits come back in
// the Result; the error return means the command could not run.
func (e *LocalExec) Run(ctx context.Context, argv []string, opts Opts) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)
	// Grandchildren can hold the output pipes open past the child's exit;
	// WaitDelay bounds how long we wait for them.
	cmd.WaitDelay = 2 * time.Second

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); err != nil {
			return Result{}, fmt.Errorf("working directory %s: %w", opts.WorkDir, err)
		}
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdout := newCappedBuffer(maxOutput)
	stderr := newCappedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if result.TimedOut {
			// The kill on deadline surfaces as a start/wait error; report it
			// as a timed-out result rather than a failure to run.
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return result, nil
}
