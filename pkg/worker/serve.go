package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/session"
)

// Launcher runs the session inside the worker process. The real launcher is
// wired in cmd and re-resolves credentials from the worker's own environment;
// tests inject fakes.
type Launcher = session.RunFunc

// Serve speaks the worker side of the protocol: decode the session config
// from the first stdin line, run the session forwarding events as messages,
// then emit exactly one result followed by an exit announcement. The return
// value is the process exit code. Logging goes to stderr; stdout carries
// nothing but protocol lines.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer, launch Launcher) int {
	logger := logx.NewLogger("worker")
	enc := newEncoder(stdout)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)

	cfg, err := readConfig(scanner)
	if err != nil {
		logger.Error("worker startup: %v", err)
		return bail(enc, fmt.Sprintf("read session config: %v", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchAbort(scanner, cancel, logger)

	emit := func(msg Message) {
		if err := enc.encode(msg); err != nil {
			logger.Error("worker pipe: %v", err)
		}
	}

	emit(Message{Type: MessageLog, Level: "info",
		Text: fmt.Sprintf("worker starting session %s: role=%s phase=%s", cfg.SessionID, cfg.Role, cfg.Phase)})
	emit(Message{Type: MessageTask, Task: &TaskEvent{
		Kind:    TaskSessionStarted,
		Phase:   cfg.Phase.String(),
		Subtask: cfg.SubtaskID,
	}})

	cb := session.Callbacks{
		OnEvent: func(ev agent.StreamEvent) {
			emit(Message{Type: MessageStream, Event: &ev})
		},
		OnProgress: func(p session.Progress) {
			emit(Message{Type: MessageProgress, Progress: &p})
		},
	}

	res, err := runSession(ctx, cfg, cb, launch, logger)
	if err != nil {
		// The session never produced a terminal result. Report the failure
		// and synthesize one so the controller still sees exactly one.
		emit(Message{Type: MessageError, Text: err.Error()})
		res = agent.SessionResult{
			Outcome: agent.OutcomeError,
			Error:   &agent.SessionError{Code: "worker", Message: err.Error()},
		}
	}

	emit(Message{Type: MessageResult, Result: &res})
	emit(Message{Type: MessageTask, Task: &TaskEvent{
		Kind:    TaskSessionEnded,
		Phase:   cfg.Phase.String(),
		Subtask: cfg.SubtaskID,
		Detail:  res.Outcome.String(),
	}})

	code := res.Outcome.ExitCode()
	emit(Message{Type: MessageExit, Exit: &ExitInfo{Code: code}})
	logger.Info("worker session %s done: outcome=%s exit=%d", cfg.SessionID, res.Outcome, code)
	return code
}

// Task event kinds emitted by the worker.
const (
	TaskSessionStarted = "session_started"
	TaskSessionEnded   = "session_ended"
)

func readConfig(scanner *bufio.Scanner) (agent.SessionConfig, error) {
	var cfg agent.SessionConfig
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), &cfg); err != nil {
			return cfg, fmt.Errorf("decode first line: %w", err)
		}
		return cfg, nil
	}
	if err := scanner.Err(); err != nil {
		return cfg, err
	}
	return cfg, io.EOF
}

// watchAbort cancels the session when the controller sends an abort, and also
// when stdin closes: a worker whose controller is gone must not keep spending
// tokens.
func watchAbort(scanner *bufio.Scanner, cancel context.CancelFunc, logger *logx.Logger) {
	defer cancel()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn("worker stdin: malformed message: %v", err)
			continue
		}
		if msg.Type == MessageAbort {
			logger.Info("worker received abort, cancelling session")
			return
		}
		logger.Warn("worker stdin: unexpected %s message", msg.Type)
	}
}

// runSession converts panics into errors so a crashing session still yields
// one result and an orderly exit.
func runSession(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks, launch Launcher, logger *logx.Logger) (res agent.SessionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker session panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()
	return launch(ctx, cfg, cb)
}

// bail is the early-failure path used before a session exists: one error,
// one synthesized result, one exit, code 1.
func bail(enc *encoder, msg string) int {
	res := agent.SessionResult{
		Outcome: agent.OutcomeError,
		Error:   &agent.SessionError{Code: "worker", Message: msg},
	}
	_ = enc.encode(Message{Type: MessageError, Text: msg})
	_ = enc.encode(Message{Type: MessageResult, Result: &res})
	_ = enc.encode(Message{Type: MessageExit, Exit: &ExitInfo{Code: 1}})
	return 1
}
