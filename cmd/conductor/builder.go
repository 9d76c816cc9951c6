package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/prompts"
	"conductor/pkg/security"
	"conductor/pkg/session"
	"conductor/pkg/tools"
	"conductor/pkg/worker"
)

// sessionWiring owns the host side of every session launch: prompt
// rendering, model and step selection, worker supervision, and the bridges
// into the event log and the run archive. One wiring serves one run.
type sessionWiring struct {
	projectDir string
	specRoot   string
	runID      string
	renderer   *prompts.Renderer
	security   *security.Profile
	logger     *logx.Logger
	recorder   *persistence.Recorder // nil when archiving is off
	events     *eventlog.Writer      // nil when event logging is off
	maxSteps   int                   // agents.max_steps override, 0 = per-phase defaults
	sessions   atomic.Int32
}

// newSessionWiring builds the wiring from the loaded config.
func newSessionWiring(projectDir, specRoot, runID string, recorder *persistence.Recorder, events *eventlog.Writer, logger *logx.Logger) (*sessionWiring, error) {
	renderer, err := prompts.NewRenderer()
	if err != nil {
		return nil, err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	platform := ""
	if cfg.Project != nil {
		platform = cfg.Project.PrimaryPlatform
	}
	maxSteps := 0
	if cfg.Agents != nil {
		maxSteps = cfg.Agents.MaxSteps
	}
	return &sessionWiring{
		projectDir: projectDir,
		specRoot:   specRoot,
		runID:      runID,
		renderer:   renderer,
		security:   security.DefaultProfile(platform),
		logger:     logger,
		recorder:   recorder,
		events:     events,
		maxSteps:   maxSteps,
	}, nil
}

// newSession is the SessionBuilder handed to every orchestrator. The spec
// orchestrator overrides Phase on its own sessions; everything else takes the
// role's default phase, which also picks the model and step budget.
func (w *sessionWiring) newSession(role agent.Role, kickoff string) agent.SessionConfig {
	phase := phaseForRole(role)
	system, err := w.renderer.SystemWithInstructions(role, &prompts.Data{
		SpecDir:    w.specRoot,
		ProjectDir: w.projectDir,
	}, w.projectDir)
	if err != nil {
		// The session still carries the kickoff message.
		w.logger.Error("render %s system prompt: %v", role, err)
	}

	return agent.SessionConfig{
		Role:            role,
		ModelID:         agent.ModelForPhase(phase),
		SystemPrompt:    system,
		InitialMessages: []llm.Message{llm.NewUserMessage(kickoff)},
		ToolContext: agent.ToolContext{
			Cwd:        w.projectDir,
			ProjectDir: w.projectDir,
			SpecDir:    w.specRoot,
			Security:   w.security,
		},
		MaxSteps:      w.stepsFor(phase),
		ThinkingLevel: tools.ThinkingFor(role),
		Phase:         phase,
		SpecDir:       w.specRoot,
		ProjectDir:    w.projectDir,
		SessionID:     uuid.NewString(),
		SessionNumber: int(w.sessions.Add(1)),
	}
}

// runSession executes one session in a worker subprocess. Worker messages
// fan out to the orchestrator callbacks, the event log and the run archive.
// This is the session.RunFunc every orchestrator receives; review sessions
// may call it concurrently, and nothing here assumes a single caller.
func (w *sessionWiring) runSession(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	start := time.Now()

	ctrl := worker.NewController(w.logger)
	ev := worker.Events{
		OnLog: func(level, text string) {
			if level == "error" {
				w.logger.Error("%s", text)
			} else {
				w.logger.Info("%s", text)
			}
			w.textEvent(cfg, eventlog.KindLog, text)
		},
		OnError: func(text string) {
			w.logger.Error("session %s: %s", cfg.SessionID, text)
			w.textEvent(cfg, eventlog.KindError, text)
		},
		OnStream: func(se agent.StreamEvent) {
			if cb.OnEvent != nil {
				cb.OnEvent(se)
			}
		},
		OnProgress: func(p session.Progress) {
			if cb.OnProgress != nil {
				cb.OnProgress(p)
			}
			w.dataEvent(cfg, eventlog.KindProgress, p)
		},
		OnTask: func(te worker.TaskEvent) {
			w.dataEvent(cfg, eventlog.KindTask, te)
		},
		OnExit: func(code int) {
			if code != 0 {
				w.logger.Warn("session %s worker exited with code %d", cfg.SessionID, code)
			}
		},
	}

	res, err := ctrl.Run(ctx, cfg, ev)
	w.archiveSession(cfg, res, err, time.Since(start))
	return res, err
}

// archiveSession writes the event-log result line and the archive row.
// Launch failures archive too, as error outcomes with zero usage.
func (w *sessionWiring) archiveSession(cfg agent.SessionConfig, res agent.SessionResult, err error, elapsed time.Duration) {
	summary := resultSummary{
		Outcome:    res.Outcome.String(),
		Steps:      res.StepsExecuted,
		ToolCalls:  res.ToolCallCount,
		Tokens:     res.Usage.TotalTokens,
		DurationMs: res.DurationMs,
	}
	if summary.DurationMs == 0 {
		summary.DurationMs = elapsed.Milliseconds()
	}
	switch {
	case err != nil:
		summary.Outcome = agent.OutcomeError.String()
		summary.Error = err.Error()
	case res.Error != nil:
		summary.Error = res.Error.Error()
	}
	w.dataEvent(cfg, eventlog.KindResult, summary)

	if w.recorder == nil || w.runID == "" {
		return
	}
	w.recorder.SessionFinished(&persistence.SessionRecord{
		CreatedAt:        time.Now().UTC(),
		ID:               cfg.SessionID,
		RunID:            w.runID,
		Role:             cfg.Role.String(),
		Phase:            cfg.Phase.String(),
		SubtaskID:        cfg.SubtaskID,
		Outcome:          summary.Outcome,
		Error:            summary.Error,
		PromptTokens:     int64(res.Usage.PromptTokens),
		CompletionTokens: int64(res.Usage.CompletionTokens),
		TotalTokens:      int64(res.Usage.TotalTokens),
		ToolCalls:        res.ToolCallCount,
		Steps:            res.StepsExecuted,
		DurationMs:       summary.DurationMs,
	})
}

// resultSummary is the result payload that lands in the event log. The full
// transcript stays out of the log file.
type resultSummary struct {
	Outcome    string `json:"outcome"`
	Steps      int    `json:"steps"`
	ToolCalls  int    `json:"tool_calls"`
	Tokens     int    `json:"total_tokens"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (w *sessionWiring) textEvent(cfg agent.SessionConfig, kind, text string) {
	if w.events == nil {
		return
	}
	ev := eventlog.Event{
		RunID:     w.runID,
		SessionID: cfg.SessionID,
		Role:      cfg.Role.String(),
		Phase:     cfg.Phase.String(),
		Kind:      kind,
		Text:      text,
	}
	if writeErr := w.events.Write(ev); writeErr != nil {
		w.logger.Warn("event log write failed: %v", writeErr)
	}
}

func (w *sessionWiring) dataEvent(cfg agent.SessionConfig, kind string, payload any) {
	if w.events == nil {
		return
	}
	ev, err := eventlog.Record(kind, payload)
	if err != nil {
		w.logger.Warn("event log payload: %v", err)
		return
	}
	ev.RunID = w.runID
	ev.SessionID = cfg.SessionID
	ev.Role = cfg.Role.String()
	ev.Phase = cfg.Phase.String()
	if writeErr := w.events.Write(ev); writeErr != nil {
		w.logger.Warn("event log write failed: %v", writeErr)
	}
}

// phaseForRole maps a role onto the phase that selects its model and step
// budget. Review-adjacent roles share the QA phase's review model.
func phaseForRole(role agent.Role) agent.Phase {
	switch role {
	case agent.RoleSpecGatherer, agent.RoleSpecWriter, agent.RoleSpecCritic,
		agent.RoleSpecDiscovery, agent.RoleSpecContext, agent.RoleSpecResearcher,
		agent.RoleSpecValidation:
		return agent.PhaseSpec
	case agent.RolePlanner, agent.RoleComplexityAssessor:
		return agent.PhasePlanning
	case agent.RoleQAReviewer, agent.RoleQAFixer, agent.RoleTestRunner,
		agent.RolePRReviewer, agent.RolePRSpecialist, agent.RolePRSynthesizer:
		return agent.PhaseQA
	default:
		return agent.PhaseCoding
	}
}

func (w *sessionWiring) stepsFor(phase agent.Phase) int {
	if w.maxSteps > 0 {
		return w.maxSteps
	}
	return defaultStepsForPhase(phase)
}

// defaultStepsForPhase is the step ceiling used when agents.max_steps is
// unset. Coding gets the deepest budget; spec stages mostly read the project
// and write a handful of files.
func defaultStepsForPhase(phase agent.Phase) int {
	switch phase {
	case agent.PhaseCoding:
		return 80
	case agent.PhaseQA:
		return 60
	default:
		return 40
	}
}
