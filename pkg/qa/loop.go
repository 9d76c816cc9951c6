package qa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/specdir"
)

// Policy bounds the loop. Zero values fall back to the defaults.
type Policy struct {
	MaxIterations       int
	RecurringThreshold  int
	SimilarityThreshold float64
}

// DefaultPolicy returns the stock bounds: 50 iterations, escalate when a
// similar issue shows up in 3 of them, similarity at 0.8 Jaccard.
func DefaultPolicy() Policy {
	return Policy{MaxIterations: 50, RecurringThreshold: 3, SimilarityThreshold: 0.8}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.RecurringThreshold <= 0 {
		p.RecurringThreshold = d.RecurringThreshold
	}
	if p.SimilarityThreshold <= 0 {
		p.SimilarityThreshold = d.SimilarityThreshold
	}
	return p
}

// Reason explains how the loop ended.
type Reason string

const (
	ReasonApproved      Reason = "approved"
	ReasonEscalated     Reason = "escalated"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonCancelled     Reason = "cancelled"
	// ReasonSessionFailed means a reviewer or fixer session ended with an
	// outcome the loop must hand back to the caller (rate_limited for
	// caller-owned backoff, auth_failure as a pipeline-terminal error).
	ReasonSessionFailed Reason = "session_failed"
)

// Outcome is the loop's terminal value.
type Outcome struct {
	Approved        bool
	TotalIterations int
	DurationMs      int64
	Reason          Reason
	// SessionOutcome holds the terminal session outcome when Reason is
	// ReasonSessionFailed.
	SessionOutcome agent.Outcome
	// Records traces every iteration, for archiving.
	Records []IterationRecord
	Err     error
}

// ConfigFunc builds the session configuration for a QA role and kickoff
// message. The enclosing orchestrator owns model choice, prompts and limits.
type ConfigFunc func(role agent.Role, kickoff string) agent.SessionConfig

// Loop drives review and fix sessions over one spec directory.
type Loop struct {
	dir       *specdir.Dir
	run       session.RunFunc
	newConfig ConfigFunc
	policy    Policy
	logger    *logx.Logger
}

// NewLoop builds a QA loop. Sessions run through run, one at a time.
func NewLoop(dir *specdir.Dir, run session.RunFunc, newConfig ConfigFunc, policy Policy, logger *logx.Logger) (*Loop, error) {
	if dir == nil {
		return nil, fmt.Errorf("qa loop requires a spec directory")
	}
	if run == nil {
		return nil, fmt.Errorf("qa loop requires a session run function")
	}
	if newConfig == nil {
		return nil, fmt.Errorf("qa loop requires a session config builder")
	}
	if logger == nil {
		logger = logx.NewLogger("qa")
	}
	return &Loop{dir: dir, run: run, newConfig: newConfig, policy: policy.withDefaults(), logger: logger}, nil
}

// Run iterates review and fix cycles until the report passes, an issue
// recurs past the threshold, the iteration budget runs out, or the context
// is cancelled. rate_limited is returned to the caller without sleeping;
// the caller owns any backoff before re-running.
func (l *Loop) Run(ctx context.Context) Outcome {
	start := time.Now()
	var records []IterationRecord

	finish := func(approved bool, reason Reason, sessionOutcome agent.Outcome, err error) Outcome {
		return Outcome{
			Approved:        approved,
			TotalIterations: len(records),
			DurationMs:      time.Since(start).Milliseconds(),
			Reason:          reason,
			SessionOutcome:  sessionOutcome,
			Records:         records,
			Err:             err,
		}
	}

	for iter := 1; iter <= l.policy.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return finish(false, ReasonCancelled, agent.OutcomeCancelled, ctx.Err())
		}
		l.logger.Info("🔍 QA iteration %d/%d", iter, l.policy.MaxIterations)
		iterStart := time.Now()

		res, err := l.run(ctx, l.newConfig(agent.RoleQAReviewer, l.reviewerKickoff(iter)), session.Callbacks{})
		if err != nil {
			return finish(false, ReasonSessionFailed, agent.OutcomeError, fmt.Errorf("qa reviewer session: %w", err))
		}
		switch res.Outcome {
		case agent.OutcomeCancelled:
			return finish(false, ReasonCancelled, res.Outcome, context.Canceled)
		case agent.OutcomeRateLimited, agent.OutcomeAuthFailure:
			return finish(false, ReasonSessionFailed, res.Outcome, sessionErr("qa reviewer", res))
		case agent.OutcomeCompleted, agent.OutcomeMaxSteps:
			// Report expected on disk.
		default:
			records = append(records, l.record(iter, StatusError, nil, iterStart))
			l.logger.Warn("qa reviewer session failed (%s), counting the iteration", res.Outcome)
			continue
		}

		report, perr := l.readReport()
		if perr != nil {
			records = append(records, l.record(iter, StatusError, nil, iterStart))
			l.logger.Warn("qa report unusable: %v", perr)
			continue
		}
		records = append(records, l.record(iter, report.Status, report.Issues, iterStart))

		if report.Status == StatusApproved {
			l.logger.Info("✅ QA approved after %d iteration(s)", iter)
			l.logTask("approved", fmt.Sprintf("iteration %d", iter))
			return finish(true, ReasonApproved, res.Outcome, nil)
		}

		l.logger.Info("❌ QA rejected: %d issue(s)", len(report.Issues))
		if issue, count, ok := findRecurring(records, l.policy.SimilarityThreshold, l.policy.RecurringThreshold); ok {
			l.escalate(issue, count, records)
			return finish(false, ReasonEscalated, res.Outcome,
				fmt.Errorf("recurring issue %q seen in %d iterations", issue.Title, count))
		}

		fixRes, err := l.run(ctx, l.newConfig(agent.RoleQAFixer, l.fixerKickoff(report)), session.Callbacks{})
		if err != nil {
			return finish(false, ReasonSessionFailed, agent.OutcomeError, fmt.Errorf("qa fixer session: %w", err))
		}
		switch fixRes.Outcome {
		case agent.OutcomeCancelled:
			return finish(false, ReasonCancelled, fixRes.Outcome, context.Canceled)
		case agent.OutcomeRateLimited, agent.OutcomeAuthFailure:
			return finish(false, ReasonSessionFailed, fixRes.Outcome, sessionErr("qa fixer", fixRes))
		default:
			// A failed fixer still used the iteration; the next review
			// decides whether anything improved.
		}
	}

	l.logger.Warn("⚠️ QA loop hit the iteration cap (%d) without approval", l.policy.MaxIterations)
	l.logTask("max_iterations", fmt.Sprintf("%d iterations", l.policy.MaxIterations))
	return finish(false, ReasonMaxIterations, "", nil)
}

func (l *Loop) record(iter int, status Status, issues []Issue, started time.Time) IterationRecord {
	rec := IterationRecord{
		Iteration:  iter,
		Status:     status,
		Issues:     issues,
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	l.logTask("iteration", fmt.Sprintf("#%d %s (%d issues)", iter, status, len(issues)))
	return rec
}

func (l *Loop) readReport() (Report, error) {
	data, err := l.dir.Read(specdir.QAReportFile)
	if err != nil {
		return Report{}, err
	}
	return ParseReport(string(data))
}

func (l *Loop) reviewerKickoff(iter int) string {
	return fmt.Sprintf("Review the implementation against %s and submit your report (iteration %d of %d). The report must contain a line starting with Status: PASSED or Status: FAILED.",
		specdir.SpecFile, iter, l.policy.MaxIterations)
}

// fixerKickoff keys the fixer to the rejected report, plus any operator
// instructions left in QA_FIX_REQUEST.md.
func (l *Loop) fixerKickoff(report Report) string {
	var b strings.Builder
	b.WriteString("The QA review rejected the implementation. Fix every issue below, then stop.\n")
	for _, issue := range report.Issues {
		fmt.Fprintf(&b, "\n- %s", issue.Title)
		if issue.Location != "" {
			fmt.Fprintf(&b, " (%s)", issue.Location)
		}
		if issue.Description != "" {
			fmt.Fprintf(&b, "\n  %s", strings.ReplaceAll(issue.Description, "\n", "\n  "))
		}
	}
	if data, err := l.dir.Read(specdir.FixRequestFile); err == nil && len(data) > 0 {
		b.WriteString("\n\nOperator fix request:\n")
		b.Write(data)
	}
	return b.String()
}

// escalate writes QA_ESCALATION.md so a human can break the cycle.
func (l *Loop) escalate(issue Issue, count int, records []IterationRecord) {
	var b strings.Builder
	b.WriteString("# QA Escalation\n\n")
	fmt.Fprintf(&b, "The issue below was reported in %d review iterations without being resolved. Automated fixing is stuck; human attention needed.\n\n", count)
	fmt.Fprintf(&b, "## Recurring issue\n\n- Title: %s\n", issue.Title)
	if issue.Location != "" {
		fmt.Fprintf(&b, "- Location: %s\n", issue.Location)
	}
	if issue.Type != "" {
		fmt.Fprintf(&b, "- Type: %s\n", issue.Type)
	}
	if issue.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Description)
	}
	b.WriteString("\n## Iteration history\n\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "- iteration %d: %s, %d issue(s)\n", rec.Iteration, rec.Status, len(rec.Issues))
	}
	if err := l.dir.WriteAtomic(specdir.EscalationFile, []byte(b.String())); err != nil {
		l.logger.Error("write %s: %v", specdir.EscalationFile, err)
	}
	l.logger.Warn("🚨 QA escalated: %q reported %d times, wrote %s", issue.Title, count, specdir.EscalationFile)
	l.logTask("escalated", issue.Title)
}

func (l *Loop) logTask(event, detail string) {
	err := l.dir.AppendTaskLog(specdir.TaskLogEntry{
		Time:   time.Now().UTC(),
		Phase:  agent.PhaseQA.String(),
		Event:  event,
		Detail: detail,
	})
	if err != nil {
		l.logger.Debug("task log append: %v", err)
	}
}

func sessionErr(label string, res agent.SessionResult) error {
	if res.Error != nil {
		return fmt.Errorf("%s session: %s", label, res.Error.Error())
	}
	return fmt.Errorf("%s session ended with outcome %s", label, res.Outcome)
}
