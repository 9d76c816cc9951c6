// Package worker isolates one session in a separate OS process. The
// controller re-execs the current binary with a hidden worker argument and
// the two sides speak a JSONL protocol: the session config goes down as the
// first stdin line, every subsequent line in either direction is one Message.
// Credentials never cross the pipe; the worker re-resolves them from its own
// environment and secrets file.
package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"conductor/pkg/agent"
	"conductor/pkg/session"
)

// Arg is the hidden argv[1] that switches the binary into worker mode.
const Arg = "worker"

// MessageType tags a protocol message.
type MessageType string

const (
	// Outbound, worker to controller.

	// MessageLog mirrors a worker log line.
	MessageLog MessageType = "log"
	// MessageError reports a worker-side failure outside the session result.
	MessageError MessageType = "error"
	// MessageStream forwards one session stream event.
	MessageStream MessageType = "stream-event"
	// MessageProgress forwards one execution-progress snapshot.
	MessageProgress MessageType = "execution-progress"
	// MessageTask marks a task lifecycle milestone.
	MessageTask MessageType = "task-event"
	// MessageResult carries the single terminal session result.
	MessageResult MessageType = "result"
	// MessageExit announces the exit code the worker is about to use.
	MessageExit MessageType = "exit"

	// Inbound, controller to worker.

	// MessageAbort requests cooperative cancellation of the session.
	MessageAbort MessageType = "abort"
)

// TaskEvent is a task lifecycle milestone crossing the worker boundary.
type TaskEvent struct {
	Kind    string `json:"kind"`
	Phase   string `json:"phase,omitempty"`
	Subtask string `json:"subtask,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ExitInfo carries the announced exit code.
type ExitInfo struct {
	Code int `json:"code"`
}

// Message is the tagged union of everything that crosses the pipe. Type
// selects which payload field is meaningful; unused fields stay empty so
// every message is one flat JSON line.
type Message struct {
	Type MessageType `json:"type"`

	// Log and error payload.
	Level string `json:"level,omitempty"`
	Text  string `json:"text,omitempty"`

	// Typed payloads.
	Event    *agent.StreamEvent   `json:"event,omitempty"`
	Progress *session.Progress    `json:"progress,omitempty"`
	Task     *TaskEvent           `json:"task,omitempty"`
	Result   *agent.SessionResult `json:"result,omitempty"`
	Exit     *ExitInfo            `json:"exit,omitempty"`
}

// Line buffer bounds. Tool results and transcripts ride inside messages, so
// lines can be large.
const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 10 * 1024 * 1024
)

// encoder writes messages as JSON lines. Writes are serialized so concurrent
// emitters never interleave partial lines.
type encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w}
}

func (e *encoder) encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// decoder reads messages line by line, skipping blank lines and reporting
// unparseable ones without stopping the stream.
type decoder struct {
	scanner *bufio.Scanner
}

func newDecoder(r io.Reader) *decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	return &decoder{scanner: scanner}
}

// errMalformed marks a line that did not parse. The stream stays usable
// after it, callers skip the line and read on.
var errMalformed = errors.New("malformed message line")

// next returns the next message. io.EOF signals an orderly end of stream.
func (d *decoder) next() (Message, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
