package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/llm"
	"conductor/pkg/session"
)

// TestHelperProcess is not a real test: the controller tests re-exec this
// test binary with WORKER_HELPER_MODE set, turning it into a scripted worker
// process, the same way the controller re-execs the production binary.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("WORKER_HELPER_MODE")
	if mode == "" {
		t.Skip("helper process for controller tests")
	}
	os.Exit(runHelper(mode))
}

func runHelper(mode string) int {
	switch mode {
	case "ok":
		return Serve(context.Background(), os.Stdin, os.Stdout, func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
			cb.OnEvent(agent.TextDeltaEvent("hello from the worker"))
			cb.OnProgress(session.Progress{CurrentPhase: cfg.Phase.String(), CurrentMessage: "first step"})
			return agent.SessionResult{
				Outcome:       agent.OutcomeCompleted,
				StepsExecuted: 1,
				Usage:         llm.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
			}, nil
		})
	case "hang":
		return Serve(context.Background(), os.Stdin, os.Stdout, func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
			cb.OnEvent(agent.TextDeltaEvent("settling in"))
			<-ctx.Done()
			return agent.SessionResult{
				Outcome: agent.OutcomeCancelled,
				Error:   &agent.SessionError{Code: "cancelled", Message: "aborted by controller"},
			}, nil
		})
	case "crash":
		// Swallow the config line, complain, die without a result.
		buf := make([]byte, 64*1024)
		_, _ = os.Stdin.Read(buf)
		fmt.Fprintln(os.Stderr, "fatal: simulated worker crash")
		return 3
	case "stubborn":
		// Ignore both the abort message and SIGTERM, forcing the kill path.
		signal.Ignore(syscall.SIGTERM)
		buf := make([]byte, 64*1024)
		_, _ = os.Stdin.Read(buf)
		fmt.Fprintln(os.Stderr, "stubborn worker up")
		select {}
	}
	fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
	return 2
}

// helperController returns a controller whose worker is this test binary in
// helper mode.
func helperController(t *testing.T, mode string) *Controller {
	t.Helper()
	t.Setenv("WORKER_HELPER_MODE", mode)
	c := NewController(nil)
	c.binary = os.Args[0]
	c.args = []string{"-test.run=^TestHelperProcess$"}
	return c
}

// eventRecorder collects controller-side callbacks for assertions.
type eventRecorder struct {
	mu       sync.Mutex
	streams  []agent.StreamEvent
	progress []session.Progress
	tasks    []TaskEvent
	errors   []string
	exits    []int
	started  chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{started: make(chan struct{})}
}

func (r *eventRecorder) events() Events {
	return Events{
		OnStream: func(ev agent.StreamEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, ev)
		},
		OnProgress: func(p session.Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnTask: func(te TaskEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tasks = append(r.tasks, te)
			if te.Kind == TaskSessionStarted {
				select {
				case <-r.started:
				default:
					close(r.started)
				}
			}
		},
		OnError: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, text)
		},
		OnExit: func(code int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exits = append(r.exits, code)
		},
	}
}

func (r *eventRecorder) exitCodes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exits...)
}

func (r *eventRecorder) taskKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.tasks))
	for i, te := range r.tasks {
		kinds[i] = te.Kind
	}
	return kinds
}

func TestControllerRunCompletedWorker(t *testing.T) {
	c := helperController(t, "ok")
	rec := newEventRecorder()

	res, err := c.Run(context.Background(), testSessionConfig(), rec.events())
	require.NoError(t, err)

	assert.Equal(t, agent.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.StepsExecuted)
	assert.Equal(t, 10, res.Usage.TotalTokens)

	require.NotEmpty(t, rec.streams)
	assert.Equal(t, agent.EventTextDelta, rec.streams[0].Type)
	assert.Equal(t, "hello from the worker", rec.streams[0].Text)

	require.NotEmpty(t, rec.progress)
	assert.Equal(t, "first step", rec.progress[0].CurrentMessage)

	assert.Equal(t, []string{TaskSessionStarted, TaskSessionEnded}, rec.taskKinds())
	assert.Equal(t, []int{0}, rec.exitCodes(), "exit emitted exactly once")
}

func TestControllerSynthesizesResultOnCrash(t *testing.T) {
	c := helperController(t, "crash")
	rec := newEventRecorder()

	res, err := c.Run(context.Background(), testSessionConfig(), rec.events())
	require.NoError(t, err)

	assert.Equal(t, agent.OutcomeError, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Equal(t, "worker_crash", res.Error.Code)
	assert.True(t, res.Error.Retryable)
	assert.Contains(t, res.Error.Message, "exited with code 3")
	assert.Contains(t, res.Error.Message, "simulated worker crash")

	assert.Equal(t, []int{3}, rec.exitCodes(), "exit synthesized from the process state")
}

func TestControllerTerminateGraceful(t *testing.T) {
	c := helperController(t, "hang")
	rec := newEventRecorder()

	type runOut struct {
		res agent.SessionResult
		err error
	}
	done := make(chan runOut, 1)
	go func() {
		res, err := c.Run(context.Background(), testSessionConfig(), rec.events())
		done <- runOut{res, err}
	}()

	select {
	case <-rec.started:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported session start")
	}
	c.Terminate()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, agent.OutcomeCancelled, out.res.Outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after terminate")
	}
	assert.Equal(t, []int{1}, rec.exitCodes())

	// Second call is a no-op and returns immediately.
	start := time.Now()
	c.Terminate()
	assert.Less(t, time.Since(start), time.Second)
}

func TestControllerForceKillsStubbornWorker(t *testing.T) {
	c := helperController(t, "stubborn")
	c.grace = 200 * time.Millisecond
	rec := newEventRecorder()

	type runOut struct {
		res agent.SessionResult
		err error
	}
	done := make(chan runOut, 1)
	go func() {
		res, err := c.Run(context.Background(), testSessionConfig(), rec.events())
		done <- runOut{res, err}
	}()

	// The stubborn worker signals readiness on stderr only, so give it a
	// moment to pass the config read before terminating.
	time.Sleep(500 * time.Millisecond)
	c.Terminate()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, agent.OutcomeCancelled, out.res.Outcome)
		require.NotNil(t, out.res.Error)
		assert.Equal(t, "cancelled", out.res.Error.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("force kill did not end the run")
	}
	assert.Equal(t, []int{1}, rec.exitCodes())
}

func TestControllerContextCancelTerminates(t *testing.T) {
	c := helperController(t, "hang")
	rec := newEventRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	type runOut struct {
		res agent.SessionResult
		err error
	}
	done := make(chan runOut, 1)
	go func() {
		res, err := c.Run(ctx, testSessionConfig(), rec.events())
		done <- runOut{res, err}
	}()

	select {
	case <-rec.started:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported session start")
	}
	cancel()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, agent.OutcomeCancelled, out.res.Outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after context cancel")
	}
}

func TestControllerRunIsSingleUse(t *testing.T) {
	c := helperController(t, "ok")

	_, err := c.Run(context.Background(), testSessionConfig(), Events{})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), testSessionConfig(), Events{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ran")
}

func TestControllerGeneratesSessionID(t *testing.T) {
	c := helperController(t, "ok")
	cfg := testSessionConfig()
	cfg.SessionID = ""

	res, err := c.Run(context.Background(), cfg, Events{})
	require.NoError(t, err)
	assert.Equal(t, agent.OutcomeCompleted, res.Outcome)
}

func TestTailWriterKeepsLastLine(t *testing.T) {
	tw := newTailWriter(32)
	_, _ = tw.Write([]byte("first line\n"))
	_, _ = tw.Write([]byte("a very long second line that overflows the cap\n"))
	_, _ = tw.Write([]byte("final line\n"))
	assert.Equal(t, "final line", tw.LastLine())

	empty := newTailWriter(32)
	assert.Equal(t, "", empty.LastLine())
}
