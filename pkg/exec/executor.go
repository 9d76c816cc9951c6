// Package exec runs session shell commands on the host. Commands reach this
// package only after the security hook has allowed them; the executor's job
// is bounded execution: working directory, environment, timeout, and capped
// output.
package exec

import (
	"context"
	"time"
)

// Executor runs a command and returns its captured output.
type Executor interface {
	// Run executes argv under opts. A non-zero exit code is reported in the
	// Result, not as an error; the error return is for failures to run at
	// all.
	Run(ctx context.Context, argv []string, opts Opts) (Result, error)

	// Name identifies the executor in logs.
	Name() string
}

// Opts bounds one command execution.
type Opts struct {
	// WorkDir is the working directory. Empty means the process default.
	WorkDir string

	// Env contains extra KEY=VALUE entries appended to the host environment.
	Env []string

	// Timeout caps wall-clock runtime. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr independently. Output
	// past the cap is dropped and the result marked truncated. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int
}

// Result is the outcome of one command execution.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Execution bounds applied when Opts leaves them zero. Session commands feed
// their output back into a model context window, so the output cap is tight.
const (
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxOutputBytes = 64 * 1024
)

// DefaultOpts returns the standard bounds for session commands.
func DefaultOpts() Opts {
	return Opts{
		Timeout:        DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}
