// Package build orchestrates a task from plan to approved implementation:
// planning -> coding -> qa. One session is in flight at a time and the spec
// directory is the sole authoritative state between phases, so a restarted
// orchestrator picks up exactly where the plan file says the task stands.
package build

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/qa"
	"conductor/pkg/session"
	"conductor/pkg/specdir"
)

// SessionBuilder produces the session configuration for a role and kickoff
// message. The host owns model choice, prompts, tool context and limits.
type SessionBuilder func(role agent.Role, kickoff string) agent.SessionConfig

// Config wires an orchestrator. Dir, Run and NewSession are required.
type Config struct {
	Dir        *specdir.Dir
	ProjectDir string
	Run        session.RunFunc
	NewSession SessionBuilder
	QAPolicy   qa.Policy

	// MaxPhaseRetries is how many times planning is retried after a failed
	// attempt. Zero means the default of 2.
	MaxPhaseRetries int
	// MaxRetries bounds coder attempts per subtask before it goes on the
	// stuck list. Zero means the default of 3.
	MaxRetries int
	// AutoContinueDelay is the pause between coding iterations.
	AutoContinueDelay time.Duration

	Logger *logx.Logger
}

// Events observe a run. All callbacks are optional and fire from the Run
// goroutine. OnComplete fires exactly once per Run.
type Events struct {
	OnPhaseChange func(agent.Phase)
	OnLog         func(text string)
	OnError       func(err error)
	OnStream      func(agent.StreamEvent)
	OnProgress    func(session.Progress)
	OnComplete    func(Result)
}

// Result is the terminal record of a build run. TotalIterations counts QA
// cycles. SessionOutcome is set when a session-terminal condition ended the
// run early: rate_limited means the caller owns backoff before re-running,
// auth_failure is not retryable.
type Result struct {
	Success         bool
	Cancelled       bool
	TotalIterations int
	DurationMs      int64
	SessionOutcome  agent.Outcome
	Err             error
}

// Orchestrator drives one task through planning, coding and QA.
type Orchestrator struct {
	cfg     Config
	ev      Events
	logger  *logx.Logger
	qaLoop  *qa.Loop
	running atomic.Bool
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config, ev Events) (*Orchestrator, error) {
	if cfg.Dir == nil {
		return nil, fmt.Errorf("build orchestrator requires a spec directory")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("build orchestrator requires a session run function")
	}
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("build orchestrator requires a session builder")
	}
	if cfg.MaxPhaseRetries <= 0 {
		cfg.MaxPhaseRetries = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("build")
	}
	o := &Orchestrator{cfg: cfg, ev: ev, logger: logger}
	loop, err := qa.NewLoop(cfg.Dir, cfg.Run, qa.ConfigFunc(cfg.NewSession), cfg.QAPolicy, logger)
	if err != nil {
		return nil, err
	}
	o.qaLoop = loop
	return o, nil
}

// Run executes the pipeline to its terminal result. Exactly one terminal
// OnComplete fires, and the result is also returned. A second concurrent Run
// on the same instance is refused.
func (o *Orchestrator) Run(ctx context.Context) Result {
	if !o.running.CompareAndSwap(false, true) {
		return Result{Err: fmt.Errorf("build orchestrator is already running")}
	}
	defer o.running.Store(false)

	start := time.Now()
	res := o.pipeline(ctx)
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case res.Success:
		o.logger.Info("🏁 build succeeded: %d QA iteration(s), %dms", res.TotalIterations, res.DurationMs)
	case res.Cancelled:
		o.logger.Info("🛑 build cancelled after %dms", res.DurationMs)
	default:
		o.logger.Error("🏁 build failed: %v", res.Err)
	}
	if o.ev.OnComplete != nil {
		o.ev.OnComplete(res)
	}
	return res
}

func (o *Orchestrator) pipeline(ctx context.Context) Result {
	o.phase(agent.PhasePlanning)
	if res, done := o.fold(o.planning(ctx)); done {
		return res
	}

	o.phase(agent.PhaseCoding)
	if res, done := o.fold(o.coding(ctx)); done {
		return res
	}

	o.phase(agent.PhaseQA)
	o.ensureManualTestPlan()
	out := o.qaLoop.Run(ctx)
	switch out.Reason {
	case qa.ReasonCancelled:
		return Result{Cancelled: true, TotalIterations: out.TotalIterations, Err: out.Err}
	case qa.ReasonSessionFailed:
		return Result{TotalIterations: out.TotalIterations, SessionOutcome: out.SessionOutcome, Err: out.Err}
	case qa.ReasonEscalated, qa.ReasonMaxIterations:
		return Result{TotalIterations: out.TotalIterations, Err: fmt.Errorf("qa not approved (%s): %w", out.Reason, orElse(out.Err))}
	}
	return Result{Success: out.Approved, TotalIterations: out.TotalIterations}
}

// flowErr carries a pipeline-stopping session outcome up through the phase
// functions.
type flowErr struct {
	outcome agent.Outcome
	err     error
}

func (e *flowErr) Error() string {
	return fmt.Sprintf("%s: %v", e.outcome, e.err)
}

func (e *flowErr) Unwrap() error { return e.err }

// fold maps a phase error to the terminal result. done=false means the
// phase succeeded and the pipeline continues.
func (o *Orchestrator) fold(err error) (Result, bool) {
	if err == nil {
		return Result{}, false
	}
	var fe *flowErr
	if errors.As(err, &fe) {
		if fe.outcome == agent.OutcomeCancelled {
			return Result{Cancelled: true, Err: fe.err}, true
		}
		o.emitError(fe.err)
		return Result{SessionOutcome: fe.outcome, Err: fe.err}, true
	}
	o.emitError(err)
	return Result{Err: err}, true
}

// planning runs the planner until a well-formed plan exists in the spec
// directory. An existing plan short-circuits the phase, which is what makes
// restarts resume instead of replanning.
func (o *Orchestrator) planning(ctx context.Context) error {
	if p, err := o.cfg.Dir.ReadPlan(); err == nil && p.WellFormed() {
		pending, inProgress, completed := p.Counts()
		o.log(fmt.Sprintf("resuming from existing plan: %d pending, %d in progress, %d completed",
			pending, inProgress, completed))
		return nil
	}

	attempts := o.cfg.MaxPhaseRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &flowErr{agent.OutcomeCancelled, err}
		}
		o.log(fmt.Sprintf("planner session, attempt %d/%d", attempt, attempts))

		res, err := o.cfg.Run(ctx, o.cfg.NewSession(agent.RolePlanner, o.plannerKickoff()), o.sessionCallbacks())
		if err != nil {
			return fmt.Errorf("planner session: %w", err)
		}
		switch res.Outcome {
		case agent.OutcomeCancelled:
			return &flowErr{res.Outcome, context.Canceled}
		case agent.OutcomeRateLimited, agent.OutcomeAuthFailure:
			return &flowErr{res.Outcome, outcomeErr("planner", res)}
		}

		p, err := o.cfg.Dir.ReadPlan()
		if err == nil && p.WellFormed() {
			pending, inProgress, completed := p.Counts()
			o.log(fmt.Sprintf("plan ready: %d subtask(s)", pending+inProgress+completed))
			return nil
		}
		if err != nil {
			o.logger.Warn("no usable plan after attempt %d: %v", attempt, err)
		} else {
			o.logger.Warn("plan after attempt %d has no subtasks", attempt)
		}
	}
	return fmt.Errorf("planning produced no usable plan in %d attempts", attempts)
}

func (o *Orchestrator) plannerKickoff() string {
	return fmt.Sprintf("Read %s and write a complete implementation plan to %s. Every subtask needs a unique id, a description and status pending.",
		specdir.SpecFile, specdir.PlanFile)
}

// sessionCallbacks forwards stream and progress traffic to the run's
// observers.
func (o *Orchestrator) sessionCallbacks() session.Callbacks {
	return session.Callbacks{
		OnEvent:    o.ev.OnStream,
		OnProgress: o.ev.OnProgress,
	}
}

func (o *Orchestrator) phase(p agent.Phase) {
	o.logger.Info("▶️ phase: %s", p)
	if o.ev.OnPhaseChange != nil {
		o.ev.OnPhaseChange(p)
	}
}

func (o *Orchestrator) log(text string) {
	o.logger.Info("%s", text)
	if o.ev.OnLog != nil {
		o.ev.OnLog(text)
	}
}

func (o *Orchestrator) emitError(err error) {
	if o.ev.OnError != nil {
		o.ev.OnError(err)
	}
}

func outcomeErr(label string, res agent.SessionResult) error {
	if res.Error != nil {
		return fmt.Errorf("%s session: %w", label, res.Error)
	}
	return fmt.Errorf("%s session ended with outcome %s", label, res.Outcome)
}

// orElse keeps %w happy when the QA loop ended without its own error.
func orElse(err error) error {
	if err != nil {
		return err
	}
	return errors.New("quality gate not passed")
}

// sleepCtx waits d, returning early with the context's error on cancel.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
