package build

import (
	"context"
	"fmt"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/plan"
	"conductor/pkg/specdir"
)

// coding drains the plan one coder session at a time. The plan file is
// reloaded before every pick because the agent rewrites it from inside the
// session; the orchestrator never marks statuses itself. A subtask that
// burns through its attempt budget without reaching completed goes on the
// stuck list so the rest of the plan still gets built.
func (o *Orchestrator) coding(ctx context.Context) error {
	attempts := make(map[string]int)
	stuck := make(map[string]bool)

	watcher, err := newPlanWatcher(o.cfg.Dir, o.planProgress, o.logger)
	if err != nil {
		o.logger.Warn("plan watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	for {
		if err := ctx.Err(); err != nil {
			return &flowErr{agent.OutcomeCancelled, err}
		}

		p, err := o.cfg.Dir.ReadPlan()
		if err != nil {
			return fmt.Errorf("reload plan: %w", err)
		}
		sub, phaseName := p.NextActionable(stuck)
		if sub == nil {
			return o.finishCoding(p, stuck)
		}

		attempts[sub.ID]++
		if attempts[sub.ID] > o.cfg.MaxRetries {
			stuck[sub.ID] = true
			o.log(fmt.Sprintf("⚠️ subtask %s stuck after %d attempts, skipping", sub.ID, o.cfg.MaxRetries))
			continue
		}

		o.log(fmt.Sprintf("🔨 subtask %s (%s), attempt %d/%d: %s",
			sub.ID, phaseName, attempts[sub.ID], o.cfg.MaxRetries, sub.Description))

		cfg := o.cfg.NewSession(agent.RoleCoder, coderKickoff(sub, phaseName))
		cfg.SubtaskID = sub.ID
		res, err := o.cfg.Run(ctx, cfg, o.sessionCallbacks())
		if err != nil {
			return fmt.Errorf("coder session for %s: %w", sub.ID, err)
		}
		switch res.Outcome {
		case agent.OutcomeCancelled:
			return &flowErr{res.Outcome, context.Canceled}
		case agent.OutcomeRateLimited, agent.OutcomeAuthFailure:
			return &flowErr{res.Outcome, outcomeErr("coder", res)}
		case agent.OutcomeError:
			o.logger.Warn("%v, will retry", outcomeErr("coder", res))
		}

		if err := sleepCtx(ctx, o.cfg.AutoContinueDelay); err != nil {
			return &flowErr{agent.OutcomeCancelled, err}
		}
	}
}

// finishCoding is reached when nothing actionable remains. Stuck subtasks
// are reported but do not fail the phase: the QA loop decides whether what
// was built is acceptable.
func (o *Orchestrator) finishCoding(p *plan.Plan, stuck map[string]bool) error {
	pending, inProgress, completed := p.Counts()
	o.log(fmt.Sprintf("coding done: %d completed, %d pending, %d in progress", completed, pending, inProgress))
	if len(stuck) > 0 {
		ids := make([]string, 0, len(stuck))
		for id := range stuck {
			ids = append(ids, id)
		}
		o.log(fmt.Sprintf("⚠️ %d subtask(s) left on the stuck list: %s", len(ids), strings.Join(ids, ", ")))
	}
	return nil
}

// coderKickoff names one subtask. The agent works only that subtask and
// records its status transitions in the plan file.
func coderKickoff(sub *plan.Subtask, phaseName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement subtask %s from phase %q in %s:\n\n", sub.ID, phaseName, specdir.PlanFile)
	fmt.Fprintf(&b, "%s\n", sub.Description)
	if len(sub.FilesToCreate) > 0 {
		fmt.Fprintf(&b, "\nFiles to create: %s\n", strings.Join(sub.FilesToCreate, ", "))
	}
	if len(sub.FilesToModify) > 0 {
		fmt.Fprintf(&b, "Files to modify: %s\n", strings.Join(sub.FilesToModify, ", "))
	}
	fmt.Fprintf(&b, "\nSet the subtask status to in_progress before you start and to completed when the work builds cleanly. Work only this subtask.")
	return b.String()
}
