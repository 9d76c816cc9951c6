package session

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"conductor/pkg/agent"
	"conductor/pkg/plan"
	"conductor/pkg/specdir"
	"conductor/pkg/tools"
)

const maxProgressMessageLen = 160

// Progress is the coarse execution state derived from watching a session
// work: which phase it is in, which subtask it is on, and a one-line
// description of what it is doing right now.
type Progress struct {
	CurrentPhase    string   `json:"current_phase"`
	CurrentSubtask  string   `json:"current_subtask,omitempty"`
	CurrentMessage  string   `json:"current_message,omitempty"`
	CompletedPhases []string `json:"completed_phases,omitempty"`
}

// Tracker derives Progress from tool-call inspection and orchestrator phase
// changes. The model never reports its own progress; the tracker infers it
// from what the session does: writing the implementation plan means planning
// is ending, submitting the report means review is ending.
type Tracker struct {
	mu       sync.Mutex
	progress Progress
	emit     func(Progress)
}

// NewTracker creates a tracker starting in the given phase.
func NewTracker(phase, subtask string, emit func(Progress)) *Tracker {
	return &Tracker{
		progress: Progress{CurrentPhase: phase, CurrentSubtask: subtask},
		emit:     emit,
	}
}

func newTracker(cfg agent.SessionConfig, emit func(Progress)) *Tracker {
	return NewTracker(cfg.Phase.String(), cfg.SubtaskID, emit)
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Progress {
	p := t.progress
	p.CompletedPhases = append([]string(nil), t.progress.CompletedPhases...)
	return p
}

// SetPhase records an orchestrator-driven phase change. The previous phase
// counts as completed.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if phase == t.progress.CurrentPhase {
		return
	}
	t.completeLocked(t.progress.CurrentPhase)
	t.progress.CurrentPhase = phase
	t.progress.CurrentSubtask = ""
	t.progress.CurrentMessage = ""
	t.emitLocked()
}

// ObserveToolCall inspects one tool invocation for progress signals.
func (t *Tracker) ObserveToolCall(name string, args map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch name {
	case tools.ToolUpdatePlan:
		t.observePlanLocked(args["plan"])
	case tools.ToolWriteFile:
		path, _ := args["path"].(string)
		if filepath.Base(path) != specdir.PlanFile {
			return
		}
		content, _ := args["content"].(string)
		t.observePlanJSONLocked([]byte(content))
	case tools.ToolSubmitReport:
		// The review report is the QA phase's terminal artifact.
		t.completeLocked(agent.PhaseQA.String())
		t.progress.CurrentMessage = "review report submitted"
		t.emitLocked()
	}
}

// observePlanLocked handles a plan passed as a decoded JSON value.
func (t *Tracker) observePlanLocked(raw any) {
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	t.observePlanJSONLocked(data)
}

// observePlanJSONLocked reacts to a plan write. In the planning phase it
// means the plan is done; in the coding phase it carries subtask status
// transitions, so the current subtask is re-derived from it.
func (t *Tracker) observePlanJSONLocked(data []byte) {
	p, err := plan.Parse(data)
	if err != nil {
		return // invalid plans are the tool's problem, not progress signals
	}

	switch t.progress.CurrentPhase {
	case agent.PhasePlanning.String():
		t.completeLocked(agent.PhasePlanning.String())
		t.progress.CurrentMessage = "implementation plan written"
	case agent.PhaseCoding.String():
		if sub, phaseName := p.NextActionable(nil); sub != nil {
			t.progress.CurrentSubtask = sub.ID
			t.progress.CurrentMessage = truncateMessage(phaseName + ": " + sub.Description)
		} else {
			t.progress.CurrentSubtask = ""
			t.progress.CurrentMessage = "all subtasks completed"
		}
	default:
		return
	}
	t.emitLocked()
}

// ObserveAssistantText keeps CurrentMessage on the session's latest words.
func (t *Tracker) ObserveAssistantText(text string) {
	line := lastLine(text)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.CurrentMessage = truncateMessage(line)
	t.emitLocked()
}

func (t *Tracker) completeLocked(phase string) {
	if phase == "" {
		return
	}
	for _, done := range t.progress.CompletedPhases {
		if done == phase {
			return
		}
	}
	t.progress.CompletedPhases = append(t.progress.CompletedPhases, phase)
}

func (t *Tracker) emitLocked() {
	if t.emit != nil {
		t.emit(t.snapshotLocked())
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func truncateMessage(s string) string {
	if len(s) <= maxProgressMessageLen {
		return s
	}
	return s[:maxProgressMessageLen-3] + "..."
}
