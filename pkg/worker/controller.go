package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/session"
)

// terminateGrace is how long Terminate waits between SIGTERM and SIGKILL.
const terminateGrace = 2 * time.Second

// Events receives worker messages on the controller side. All callbacks are
// optional and fire from the Run goroutine in arrival order. OnExit fires
// exactly once for every worker that starts, synthesized from the process
// state when the worker dies without announcing one.
type Events struct {
	OnLog      func(level, text string)
	OnError    func(text string)
	OnStream   func(agent.StreamEvent)
	OnProgress func(session.Progress)
	OnTask     func(TaskEvent)
	OnExit     func(code int)
}

// Controller runs one session in a worker subprocess: the current binary
// re-executed with the hidden worker argument. A Controller is single use,
// one Run per instance. Terminate may be called from any goroutine.
type Controller struct {
	logger *logx.Logger

	// Test seams. Zero values mean the real binary and the default grace.
	binary string
	args   []string
	grace  time.Duration

	mu         sync.Mutex
	proc       *osexec.Cmd
	stdin      io.WriteCloser
	terminated bool
	done       chan struct{}
}

func NewController(logger *logx.Logger) *Controller {
	if logger == nil {
		logger = logx.NewLogger("worker-controller")
	}
	return &Controller{logger: logger, done: make(chan struct{})}
}

// Run spawns the worker, streams its messages into ev, and returns the
// session result. Failures after the process starts ride inside the result;
// an error return means the worker never launched. Cancelling ctx triggers
// the same graceful shutdown as Terminate.
func (c *Controller) Run(ctx context.Context, cfg agent.SessionConfig, ev Events) (agent.SessionResult, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	cfgLine, err := json.Marshal(cfg)
	if err != nil {
		return agent.SessionResult{}, fmt.Errorf("encode session config: %w", err)
	}

	cmd, stdin, stdout, stderrTail, err := c.spawn()
	if err != nil {
		return agent.SessionResult{}, err
	}
	c.logger.Info("worker %s spawned: pid=%d role=%s phase=%s", cfg.SessionID, cmd.Process.Pid, cfg.Role, cfg.Phase)

	// The config goes down as the first line. Credentials are not in it; the
	// worker re-resolves them from its inherited environment.
	if _, err := stdin.Write(append(cfgLine, '\n')); err != nil {
		c.logger.Error("worker %s: write config: %v", cfg.SessionID, err)
	}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-stopWatch:
		}
	}()

	var (
		result       *agent.SessionResult
		announced    = -1
		lastErrText  string
		streamBroken error
	)

	dec := newDecoder(stdout)
	for {
		msg, err := dec.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A malformed line is skipped, a broken pipe ends the stream.
			if errors.Is(err, errMalformed) {
				c.logger.Warn("worker %s: %v", cfg.SessionID, err)
				continue
			}
			streamBroken = err
			break
		}
		switch msg.Type {
		case MessageLog:
			if ev.OnLog != nil {
				ev.OnLog(msg.Level, msg.Text)
			}
		case MessageError:
			lastErrText = msg.Text
			c.logger.Error("worker %s: %s", cfg.SessionID, msg.Text)
			if ev.OnError != nil {
				ev.OnError(msg.Text)
			}
		case MessageStream:
			if msg.Event != nil && ev.OnStream != nil {
				ev.OnStream(*msg.Event)
			}
		case MessageProgress:
			if msg.Progress != nil && ev.OnProgress != nil {
				ev.OnProgress(*msg.Progress)
			}
		case MessageTask:
			if msg.Task != nil && ev.OnTask != nil {
				ev.OnTask(*msg.Task)
			}
		case MessageResult:
			if msg.Result != nil {
				if result != nil {
					c.logger.Warn("worker %s sent a second result, keeping the first", cfg.SessionID)
					continue
				}
				result = msg.Result
			}
		case MessageExit:
			if msg.Exit != nil {
				announced = msg.Exit.Code
			}
		default:
			c.logger.Warn("worker %s: unknown message type %q", cfg.SessionID, msg.Type)
		}
	}

	_ = stdin.Close()
	waitErr := cmd.Wait()
	close(c.done)
	close(stopWatch)

	procCode := exitCode(waitErr)
	if streamBroken != nil {
		c.logger.Error("worker %s: output stream broke: %v", cfg.SessionID, streamBroken)
	}

	if result == nil {
		result = c.synthesizeResult(ctx, cfg.SessionID, procCode, lastErrText, stderrTail)
	} else if announced >= 0 && announced != result.Outcome.ExitCode() {
		c.logger.Warn("worker %s announced exit %d but outcome %s maps to %d",
			cfg.SessionID, announced, result.Outcome, result.Outcome.ExitCode())
	}

	if ev.OnExit != nil {
		code := announced
		if code < 0 {
			code = procCode
		}
		if code < 0 {
			code = 1
		}
		ev.OnExit(code)
	}
	c.logger.Info("worker %s finished: outcome=%s exit=%d", cfg.SessionID, result.Outcome, procCode)
	return *result, nil
}

// Terminate asks the worker to stop: an abort message plus SIGTERM, then a
// force kill if the process is still alive after the grace period. Calling
// it again, or before Run, is a no-op beyond preventing a later start.
func (c *Controller) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	proc := c.proc
	stdin := c.stdin
	c.mu.Unlock()

	if proc == nil || proc.Process == nil {
		return
	}
	if stdin != nil {
		if err := (&encoder{w: stdin}).encode(Message{Type: MessageAbort}); err != nil {
			c.logger.Debug("terminate: abort message: %v", err)
		}
	}
	if err := proc.Process.Signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("terminate: SIGTERM: %v", err)
	}

	grace := c.grace
	if grace <= 0 {
		grace = terminateGrace
	}
	select {
	case <-c.done:
	case <-time.After(grace):
		c.logger.Warn("worker did not exit within %s, killing", grace)
		_ = proc.Process.Kill()
	}
}

// spawn builds and starts the worker subprocess. The worker inherits the
// controller's environment so it can resolve credentials itself, and its
// stderr passes through with a tail kept for crash reports.
func (c *Controller) spawn() (*osexec.Cmd, io.WriteCloser, io.Reader, *tailWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil, nil, nil, nil, errors.New("controller already terminated")
	}
	if c.proc != nil {
		return nil, nil, nil, nil, errors.New("controller already ran a worker")
	}

	binary := c.binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("locate own binary: %w", err)
		}
		binary = exe
	}
	args := c.args
	if args == nil {
		args = []string{Arg}
	}

	cmd := osexec.Command(binary, args...)
	tail := newTailWriter(4 * 1024)
	cmd.Stderr = io.MultiWriter(os.Stderr, tail)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start worker: %w", err)
	}
	c.proc = cmd
	c.stdin = stdin
	return cmd, stdin, stdout, tail, nil
}

// synthesizeResult fills in the terminal record for a worker that died
// without reporting one.
func (c *Controller) synthesizeResult(ctx context.Context, sessionID string, procCode int, lastErrText string, tail *tailWriter) *agent.SessionResult {
	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()

	if terminated || ctx.Err() != nil {
		c.logger.Info("worker %s terminated before reporting a result", sessionID)
		return &agent.SessionResult{
			Outcome: agent.OutcomeCancelled,
			Error:   &agent.SessionError{Code: "cancelled", Message: "worker terminated before reporting a result"},
		}
	}

	detail := lastErrText
	if detail == "" {
		detail = tail.LastLine()
	}
	msg := fmt.Sprintf("worker exited with code %d before reporting a result", procCode)
	if detail != "" {
		msg += ": " + detail
	}
	c.logger.Error("worker %s crashed: %s", sessionID, msg)
	return &agent.SessionResult{
		Outcome: agent.OutcomeError,
		Error:   &agent.SessionError{Code: "worker_crash", Message: msg, Retryable: true},
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailWriter keeps the last max bytes written, for crash diagnostics.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

// LastLine returns the final non-empty stderr line, trimmed for embedding in
// a one-line error message.
func (t *tailWriter) LastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimRight(string(t.buf), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}
