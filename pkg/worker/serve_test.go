package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/llm"
	"conductor/pkg/session"
)

func testSessionConfig() agent.SessionConfig {
	return agent.SessionConfig{
		Role:      agent.RoleCoder,
		ModelID:   "test-model",
		Phase:     agent.PhaseCoding,
		MaxSteps:  5,
		SessionID: "sess-1",
	}
}

func configLine(t *testing.T, cfg agent.SessionConfig) []byte {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	return append(data, '\n')
}

func decodeMessages(t *testing.T, out []byte) []Message {
	t.Helper()
	var msgs []Message
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg), "line: %s", line)
		msgs = append(msgs, msg)
	}
	require.NoError(t, scanner.Err())
	return msgs
}

func messagesOfType(msgs []Message, typ MessageType) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestServeCompletedSession(t *testing.T) {
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		cb.OnEvent(agent.TextDeltaEvent("working on it"))
		cb.OnEvent(agent.StepFinishEvent(1))
		cb.OnProgress(session.Progress{CurrentPhase: "coding", CurrentMessage: "working on it"})
		return agent.SessionResult{
			Outcome:       agent.OutcomeCompleted,
			StepsExecuted: 1,
			Usage:         llm.Usage{TotalTokens: 42},
		}, nil
	}

	var out bytes.Buffer
	code := Serve(context.Background(), bytes.NewReader(configLine(t, testSessionConfig())), &out, launch)
	assert.Equal(t, 0, code)

	msgs := decodeMessages(t, out.Bytes())

	streams := messagesOfType(msgs, MessageStream)
	require.Len(t, streams, 2)
	assert.Equal(t, agent.EventTextDelta, streams[0].Event.Type)
	assert.Equal(t, "working on it", streams[0].Event.Text)
	assert.Equal(t, agent.EventStepFinish, streams[1].Event.Type)

	progress := messagesOfType(msgs, MessageProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, "coding", progress[0].Progress.CurrentPhase)

	results := messagesOfType(msgs, MessageResult)
	require.Len(t, results, 1, "exactly one result")
	assert.Equal(t, agent.OutcomeCompleted, results[0].Result.Outcome)
	assert.Equal(t, 42, results[0].Result.Usage.TotalTokens)

	exits := messagesOfType(msgs, MessageExit)
	require.Len(t, exits, 1, "exactly one exit announcement")
	assert.Equal(t, 0, exits[0].Exit.Code)

	tasks := messagesOfType(msgs, MessageTask)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskSessionStarted, tasks[0].Task.Kind)
	assert.Equal(t, "coding", tasks[0].Task.Phase)
	assert.Equal(t, TaskSessionEnded, tasks[1].Task.Kind)
	assert.Equal(t, "completed", tasks[1].Task.Detail)

	// The result precedes the exit announcement.
	lastTwo := msgs[len(msgs)-2:]
	assert.Equal(t, MessageTask, lastTwo[0].Type)
	assert.Equal(t, MessageExit, lastTwo[1].Type)
}

func TestServeMaxStepsExitsZero(t *testing.T) {
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		return agent.SessionResult{Outcome: agent.OutcomeMaxSteps, StepsExecuted: 5}, nil
	}

	var out bytes.Buffer
	code := Serve(context.Background(), bytes.NewReader(configLine(t, testSessionConfig())), &out, launch)
	assert.Equal(t, 0, code)

	msgs := decodeMessages(t, out.Bytes())
	exits := messagesOfType(msgs, MessageExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 0, exits[0].Exit.Code)
}

func TestServeAbortCancelsSession(t *testing.T) {
	started := make(chan struct{})
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		close(started)
		<-ctx.Done()
		return agent.SessionResult{
			Outcome: agent.OutcomeCancelled,
			Error:   &agent.SessionError{Code: "cancelled", Message: "context cancelled"},
		}, nil
	}

	pr, pw := io.Pipe()
	var out bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- Serve(context.Background(), pr, &out, launch)
	}()

	_, err := pw.Write(configLine(t, testSessionConfig()))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("session never started")
	}

	abort, err := json.Marshal(Message{Type: MessageAbort})
	require.NoError(t, err)
	_, err = pw.Write(append(abort, '\n'))
	require.NoError(t, err)

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish after abort")
	}
	pw.Close()

	msgs := decodeMessages(t, out.Bytes())
	results := messagesOfType(msgs, MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, agent.OutcomeCancelled, results[0].Result.Outcome)
}

func TestServeStdinCloseCancelsSession(t *testing.T) {
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		<-ctx.Done()
		return agent.SessionResult{Outcome: agent.OutcomeCancelled}, nil
	}

	pr, pw := io.Pipe()
	var out bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- Serve(context.Background(), pr, &out, launch)
	}()

	_, err := pw.Write(configLine(t, testSessionConfig()))
	require.NoError(t, err)
	pw.Close()

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not notice the closed stdin")
	}
}

func TestServeLauncherErrorSynthesizesResult(t *testing.T) {
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		return agent.SessionResult{}, errors.New("no API key for provider anthropic")
	}

	var out bytes.Buffer
	code := Serve(context.Background(), bytes.NewReader(configLine(t, testSessionConfig())), &out, launch)
	assert.Equal(t, 1, code)

	msgs := decodeMessages(t, out.Bytes())

	errs := messagesOfType(msgs, MessageError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, "no API key")

	results := messagesOfType(msgs, MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, agent.OutcomeError, results[0].Result.Outcome)
	require.NotNil(t, results[0].Result.Error)
	assert.Equal(t, "worker", results[0].Result.Error.Code)

	exits := messagesOfType(msgs, MessageExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 1, exits[0].Exit.Code)
}

func TestServeLauncherPanicIsContained(t *testing.T) {
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		panic("nil map write")
	}

	var out bytes.Buffer
	code := Serve(context.Background(), bytes.NewReader(configLine(t, testSessionConfig())), &out, launch)
	assert.Equal(t, 1, code)

	msgs := decodeMessages(t, out.Bytes())
	results := messagesOfType(msgs, MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, agent.OutcomeError, results[0].Result.Outcome)
	assert.Contains(t, results[0].Result.Error.Message, "panicked")
	assert.Contains(t, results[0].Result.Error.Message, "nil map write")
}

func TestServeBadConfigLine(t *testing.T) {
	called := false
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		called = true
		return agent.SessionResult{}, nil
	}

	var out bytes.Buffer
	code := Serve(context.Background(), strings.NewReader("{not json\n"), &out, launch)
	assert.Equal(t, 1, code)
	assert.False(t, called, "launcher must not run without a config")

	msgs := decodeMessages(t, out.Bytes())
	require.Len(t, messagesOfType(msgs, MessageResult), 1)
	require.Len(t, messagesOfType(msgs, MessageExit), 1)
}

func TestServeEmptyStdin(t *testing.T) {
	var out bytes.Buffer
	code := Serve(context.Background(), strings.NewReader(""), &out, func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		t.Fatal("launcher must not run")
		return agent.SessionResult{}, nil
	})
	assert.Equal(t, 1, code)

	msgs := decodeMessages(t, out.Bytes())
	errs := messagesOfType(msgs, MessageError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, "read session config")
}

func TestMessageRoundTrip(t *testing.T) {
	ev := agent.ToolCallEvent("shell", map[string]any{"command": "go test ./..."})
	in := Message{Type: MessageStream, Event: &ev}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.False(t, bytes.ContainsRune(data, '\n'), "messages must be single line")

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, MessageStream, back.Type)
	require.NotNil(t, back.Event)
	assert.Equal(t, "shell", back.Event.ToolName)
	assert.Equal(t, "go test ./...", back.Event.ToolArgs["command"])
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	input := fmt.Sprintf("%s\nnot json at all\n\n%s\n",
		`{"type":"log","level":"info","text":"one"}`,
		`{"type":"exit","exit":{"code":0}}`)
	dec := newDecoder(strings.NewReader(input))

	msg, err := dec.next()
	require.NoError(t, err)
	assert.Equal(t, MessageLog, msg.Type)

	_, err = dec.next()
	require.ErrorIs(t, err, errMalformed)

	msg, err = dec.next()
	require.NoError(t, err)
	assert.Equal(t, MessageExit, msg.Type)
	assert.Equal(t, 0, msg.Exit.Code)

	_, err = dec.next()
	require.ErrorIs(t, err, io.EOF)
}
