// Package spec runs the complexity-adaptive specification pipeline: a task
// description goes in, a reviewed spec.md comes out of the spec directory.
// Discovery and requirements always run first, a single assessment session
// grades the task, and the grade picks how much of the remaining pipeline
// the task gets.
package spec

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/specdir"
)

// SessionBuilder produces the session configuration for a role and kickoff
// message, same shape as the build orchestrator's.
type SessionBuilder func(role agent.Role, kickoff string) agent.SessionConfig

// Config wires a spec orchestrator. Dir, Run and NewSession are required.
type Config struct {
	Dir        *specdir.Dir
	Run        session.RunFunc
	NewSession SessionBuilder

	// MaxPhaseRetries is how many times a failed stage is retried. Zero
	// means the default of 2. Retries are immediate: a rate-limited stage
	// burns an attempt, and callers own any real backoff after the
	// pipeline returns.
	MaxPhaseRetries int

	Logger *logx.Logger
}

// Events observe a run. All callbacks are optional and fire from the Run
// goroutine.
type Events struct {
	OnStage    func(Stage)
	OnLog      func(text string)
	OnError    func(err error)
	OnStream   func(agent.StreamEvent)
	OnProgress func(session.Progress)
	OnComplete func(Result)
}

// Result is the terminal record of a pipeline run. PhasesExecuted lists
// every stage that started, in order, including the assessment.
type Result struct {
	Success        bool
	Cancelled      bool
	Complexity     Complexity
	PhasesExecuted []Stage
	DurationMs     int64
	Err            error
}

// Orchestrator drives one task description through the spec pipeline.
type Orchestrator struct {
	cfg     Config
	ev      Events
	logger  *logx.Logger
	running atomic.Bool
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config, ev Events) (*Orchestrator, error) {
	if cfg.Dir == nil {
		return nil, fmt.Errorf("spec orchestrator requires a spec directory")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("spec orchestrator requires a session run function")
	}
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("spec orchestrator requires a session builder")
	}
	if cfg.MaxPhaseRetries <= 0 {
		cfg.MaxPhaseRetries = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("spec")
	}
	return &Orchestrator{cfg: cfg, ev: ev, logger: logger}, nil
}

// Run executes the pipeline for one task description. Exactly one terminal
// OnComplete fires, and the result is also returned.
func (o *Orchestrator) Run(ctx context.Context, task string) Result {
	if !o.running.CompareAndSwap(false, true) {
		return Result{Err: fmt.Errorf("spec orchestrator is already running")}
	}
	defer o.running.Store(false)

	start := time.Now()
	res := o.pipeline(ctx, task)
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case res.Success:
		o.logger.Info("🏁 spec pipeline done: complexity=%s, %d stage(s), %dms",
			res.Complexity, len(res.PhasesExecuted), res.DurationMs)
	case res.Cancelled:
		o.logger.Info("🛑 spec pipeline cancelled after %d stage(s)", len(res.PhasesExecuted))
	default:
		o.logger.Error("🏁 spec pipeline failed: %v", res.Err)
	}
	if o.ev.OnComplete != nil {
		o.ev.OnComplete(res)
	}
	return res
}

func (o *Orchestrator) pipeline(ctx context.Context, task string) Result {
	var executed []Stage
	fail := func(err error) Result {
		res := Result{PhasesExecuted: executed, Err: err}
		var fe *flowErr
		if errors.As(err, &fe) {
			if fe.outcome == agent.OutcomeCancelled {
				res.Cancelled = true
				res.Err = fe.err
				return res
			}
			res.Err = fe.err
		}
		o.emitError(res.Err)
		return res
	}

	for _, st := range []Stage{StageDiscovery, StageRequirements} {
		executed = append(executed, st)
		if err := o.runStage(ctx, st, task); err != nil {
			return fail(err)
		}
	}

	executed = append(executed, StageAssessment)
	a, err := o.assess(ctx, task)
	if err != nil {
		return fail(err)
	}
	o.log(fmt.Sprintf("complexity: %s (confidence %.2f)", a.Complexity, a.Confidence))

	for _, st := range remainingStages(a) {
		executed = append(executed, st)
		if err := o.runStage(ctx, st, task); err != nil {
			res := fail(err)
			res.Complexity = a.Complexity
			return res
		}
	}
	return Result{Success: true, Complexity: a.Complexity, PhasesExecuted: executed}
}

// flowErr carries a pipeline-stopping session outcome out of a stage.
type flowErr struct {
	outcome agent.Outcome
	err     error
}

func (e *flowErr) Error() string { return fmt.Sprintf("%s: %v", e.outcome, e.err) }
func (e *flowErr) Unwrap() error { return e.err }

// runStage runs one stage to success within its attempt budget.
func (o *Orchestrator) runStage(ctx context.Context, st Stage, task string) error {
	o.stage(st)
	attempts := o.cfg.MaxPhaseRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &flowErr{agent.OutcomeCancelled, err}
		}
		if attempt > 1 {
			o.log(fmt.Sprintf("retrying %s, attempt %d/%d", st, attempt, attempts))
		}

		res, err := o.cfg.Run(ctx, o.stageSession(st, task), o.sessionCallbacks())
		if err != nil {
			lastErr = fmt.Errorf("%s session: %w", st, err)
			o.logger.Warn("%v", lastErr)
			continue
		}
		switch res.Outcome {
		case agent.OutcomeCompleted, agent.OutcomeMaxSteps:
			return nil
		case agent.OutcomeCancelled:
			return &flowErr{res.Outcome, context.Canceled}
		case agent.OutcomeAuthFailure:
			return &flowErr{res.Outcome, stageErr(st, res)}
		default:
			lastErr = stageErr(st, res)
			o.logger.Warn("%v", lastErr)
		}
	}
	return fmt.Errorf("stage %s failed after %d attempts: %w", st, attempts, lastErr)
}

// assess runs the single assessment session. It never retries: a session
// that goes sideways just means the standard tier, unless the failure is
// one that ends the whole pipeline.
func (o *Orchestrator) assess(ctx context.Context, task string) (Assessment, error) {
	o.stage(StageAssessment)
	if err := ctx.Err(); err != nil {
		return Assessment{}, &flowErr{agent.OutcomeCancelled, err}
	}

	res, err := o.cfg.Run(ctx, o.stageSession(StageAssessment, task), o.sessionCallbacks())
	if err != nil {
		o.logger.Warn("assessment session: %v, defaulting to standard", err)
		return defaultAssessment(), nil
	}
	switch res.Outcome {
	case agent.OutcomeCancelled:
		return Assessment{}, &flowErr{res.Outcome, context.Canceled}
	case agent.OutcomeAuthFailure:
		return Assessment{}, &flowErr{res.Outcome, stageErr(StageAssessment, res)}
	case agent.OutcomeCompleted, agent.OutcomeMaxSteps:
	default:
		o.logger.Warn("%v, defaulting to standard", stageErr(StageAssessment, res))
		return defaultAssessment(), nil
	}
	return o.readAssessment(), nil
}

func (o *Orchestrator) stageSession(st Stage, task string) agent.SessionConfig {
	cfg := o.cfg.NewSession(st.Role(), stageKickoff(st, task))
	cfg.Phase = agent.PhaseSpec
	if cfg.SpecDir == "" {
		cfg.SpecDir = o.cfg.Dir.Root()
	}
	return cfg
}

func (o *Orchestrator) sessionCallbacks() session.Callbacks {
	return session.Callbacks{
		OnEvent:    o.ev.OnStream,
		OnProgress: o.ev.OnProgress,
	}
}

func (o *Orchestrator) stage(st Stage) {
	o.logger.Info("▶️ stage: %s", st)
	if o.ev.OnStage != nil {
		o.ev.OnStage(st)
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

func stageErr(st Stage, res agent.SessionResult) error {
	if res.Error != nil {
		return fmt.Errorf("stage %s: %w", st, res.Error)
	}
	return fmt.Errorf("stage %s ended with outcome %s", st, res.Outcome)
}
