// Package review runs the pull request review panel: specialist sessions
// fan out over focus areas with bounded parallelism, then a synthesizer
// session merges whatever succeeded into one report. A failed specialist
// costs its focus area, never the panel.
package review

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/fanout"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/session"
)

// SessionBuilder produces the session configuration for a role and kickoff
// message, same shape as the orchestrators'.
type SessionBuilder func(role agent.Role, kickoff string) agent.SessionConfig

// Focus is one specialist's review angle.
type Focus struct {
	Name  string
	Brief string
}

// DefaultPanel returns the standard four-specialist panel.
func DefaultPanel() []Focus {
	return []Focus{
		{Name: "correctness", Brief: "Hunt for logic errors, broken edge cases, race conditions and misused APIs. Ignore style."},
		{Name: "security", Brief: "Hunt for injection risks, path traversal, credential leaks and unsafe handling of external input."},
		{Name: "tests", Brief: "Judge whether the tests cover the changed behavior, and name the missing cases that matter."},
		{Name: "maintainability", Brief: "Judge naming, structure and documentation of the changes against the surrounding code."},
	}
}

// Config wires a review panel. Run and NewSession are required.
type Config struct {
	Run        session.RunFunc
	NewSession SessionBuilder

	// Panel lists the specialist focus areas. Nil means DefaultPanel.
	Panel []Focus

	// MaxParallel bounds specialists in flight. Zero means
	// fanout.DefaultLimit.
	MaxParallel int

	Logger *logx.Logger
}

// Events observe a panel run. OnFocus, OnStream and OnProgress fire from
// specialist goroutines and may interleave; OnLog, OnError and OnComplete
// fire from the Run goroutine.
type Events struct {
	OnFocus    func(Focus)
	OnLog      func(text string)
	OnError    func(err error)
	OnStream   func(agent.StreamEvent)
	OnProgress func(session.Progress)
	OnComplete func(Result)
}

// Result is the terminal record of one panel run. Specialists counts the
// reports that reached the synthesizer.
type Result struct {
	Success     bool
	Cancelled   bool
	Specialists int
	Report      string
	DurationMs  int64
	Err         error
}

// Panel drives one review through the specialists and the synthesizer.
type Panel struct {
	cfg     Config
	ev      Events
	logger  *logx.Logger
	running atomic.Bool
}

// New validates the configuration and builds a panel.
func New(cfg Config, ev Events) (*Panel, error) {
	if cfg.Run == nil {
		return nil, fmt.Errorf("review panel requires a session run function")
	}
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("review panel requires a session builder")
	}
	if len(cfg.Panel) == 0 {
		cfg.Panel = DefaultPanel()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = fanout.DefaultLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("review")
	}
	return &Panel{cfg: cfg, ev: ev, logger: logger}, nil
}

// Run reviews one target, described in free text ("the uncommitted changes",
// "pkg/store"). Exactly one terminal OnComplete fires, and the result is
// also returned.
func (p *Panel) Run(ctx context.Context, target string) Result {
	if !p.running.CompareAndSwap(false, true) {
		return Result{Err: fmt.Errorf("review panel is already running")}
	}
	defer p.running.Store(false)

	start := time.Now()
	res := p.review(ctx, target)
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case res.Success:
		p.logger.Info("🏁 review done: %d specialist(s), %dms", res.Specialists, res.DurationMs)
	case res.Cancelled:
		p.logger.Info("🛑 review cancelled")
	default:
		p.logger.Error("🏁 review failed: %v", res.Err)
	}
	if p.ev.OnComplete != nil {
		p.ev.OnComplete(res)
	}
	return res
}

// specialistReport is one settled focus area.
type specialistReport struct {
	focus  Focus
	report string
}

func (p *Panel) review(ctx context.Context, target string) Result {
	p.log(fmt.Sprintf("reviewing with %d specialist(s), %d in flight", len(p.cfg.Panel), p.cfg.MaxParallel))

	results := fanout.Map(ctx, p.cfg.MaxParallel, p.cfg.Panel,
		func(ctx context.Context, f Focus) (specialistReport, error) {
			return p.specialist(ctx, f, target)
		})
	if err := ctx.Err(); err != nil {
		return Result{Cancelled: true, Err: err}
	}

	var reports []specialistReport
	for i, r := range results {
		if r.Err != nil {
			err := fmt.Errorf("specialist %s: %w", p.cfg.Panel[i].Name, r.Err)
			p.logger.Warn("%v", err)
			p.emitError(err)
			continue
		}
		reports = append(reports, r.Value)
	}
	if len(reports) == 0 {
		err := fmt.Errorf("no specialist produced a report")
		p.emitError(err)
		return Result{Err: err}
	}
	if len(reports) < len(p.cfg.Panel) {
		p.log(fmt.Sprintf("synthesizing from %d of %d specialist(s)", len(reports), len(p.cfg.Panel)))
	}

	report, err := p.synthesize(ctx, target, reports)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Cancelled: true, Specialists: len(reports), Err: ctx.Err()}
		}
		p.emitError(err)
		return Result{Specialists: len(reports), Err: err}
	}
	return Result{Success: true, Specialists: len(reports), Report: report}
}

// specialist runs one focus area to a report. The report is the session's
// final assistant message.
func (p *Panel) specialist(ctx context.Context, f Focus, target string) (specialistReport, error) {
	if p.ev.OnFocus != nil {
		p.ev.OnFocus(f)
	}
	p.logger.Info("🔍 specialist: %s", f.Name)

	res, err := p.cfg.Run(ctx, p.cfg.NewSession(agent.RolePRSpecialist, specialistKickoff(f, target)), p.sessionCallbacks())
	if err != nil {
		return specialistReport{}, fmt.Errorf("session: %w", err)
	}
	switch res.Outcome {
	case agent.OutcomeCompleted, agent.OutcomeMaxSteps:
	default:
		return specialistReport{}, outcomeErr(res)
	}
	text := finalText(res)
	if text == "" {
		return specialistReport{}, fmt.Errorf("produced no report")
	}
	return specialistReport{focus: f, report: text}, nil
}

func (p *Panel) synthesize(ctx context.Context, target string, reports []specialistReport) (string, error) {
	res, err := p.cfg.Run(ctx, p.cfg.NewSession(agent.RolePRSynthesizer, synthesizerKickoff(target, reports)), p.sessionCallbacks())
	if err != nil {
		return "", fmt.Errorf("synthesizer session: %w", err)
	}
	switch res.Outcome {
	case agent.OutcomeCompleted, agent.OutcomeMaxSteps:
	default:
		return "", fmt.Errorf("synthesizer: %w", outcomeErr(res))
	}
	text := finalText(res)
	if text == "" {
		return "", fmt.Errorf("synthesizer produced no report")
	}
	return text, nil
}

func (p *Panel) sessionCallbacks() session.Callbacks {
	return session.Callbacks{
		OnEvent:    p.ev.OnStream,
		OnProgress: p.ev.OnProgress,
	}
}

func (p *Panel) log(text string) {
	p.logger.Info("%s", text)
	if p.ev.OnLog != nil {
		p.ev.OnLog(text)
	}
}

func (p *Panel) emitError(err error) {
	if p.ev.OnError != nil {
		p.ev.OnError(err)
	}
}

// specialistKickoff is the opening instruction for one focus area.
func specialistKickoff(f Focus, target string) string {
	return fmt.Sprintf("Review from the %s angle only. %s\nRead whatever files you need, then write your findings as markdown with severity, location and what to change. Say so plainly if the area is clean.\n\nReview target: %s",
		f.Name, f.Brief, target)
}

// synthesizerKickoff hands the surviving specialist reports to the
// synthesizer.
func synthesizerKickoff(target string, reports []specialistReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge the specialist reports below into one review: deduplicate overlapping findings, order by severity, and end with a clear verdict on whether the changes are ready.\n\nReview target: %s\n", target)
	for _, r := range reports {
		fmt.Fprintf(&b, "\n--- %s specialist ---\n%s\n", r.focus.Name, r.report)
	}
	return b.String()
}

// finalText is the last non-empty assistant message of a transcript, which
// is where report-writing roles leave their output.
func finalText(res agent.SessionResult) string {
	for i := len(res.Messages) - 1; i >= 0; i-- {
		m := res.Messages[i]
		if m.Role == llm.RoleAssistant && strings.TrimSpace(m.Content) != "" {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

func outcomeErr(res agent.SessionResult) error {
	if res.Error != nil {
		return fmt.Errorf("session: %w", res.Error)
	}
	return fmt.Errorf("session ended with outcome %s", res.Outcome)
}
