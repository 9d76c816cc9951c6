// Package plan models the implementation plan agents write and the build
// orchestrator reads. The plan file is the shared ledger of the coding phase:
// the planner creates it, coder sessions transition subtask statuses by
// rewriting it, and the subtask iterator schedules from it.
package plan

import (
	"encoding/json"
	"fmt"
)

// Status is a subtask's lifecycle position.
type Status string

// Subtask statuses. Agents move a subtask pending -> in_progress -> completed
// by rewriting the plan file.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Subtask is one unit of coding work.
type Subtask struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	Status        Status   `json:"status"`
	FilesToCreate []string `json:"files_to_create,omitempty"`
	FilesToModify []string `json:"files_to_modify,omitempty"`
}

// Phase is an ordered group of subtasks.
type Phase struct {
	Name     string    `json:"name"`
	Subtasks []Subtask `json:"subtasks"`
}

// Plan is the full implementation plan.
type Plan struct {
	Phases []Phase `json:"phases"`
}

// Parse decodes and validates a plan. Subtask ids must be unique across the
// whole plan and every status must be known.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse implementation plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal encodes the plan in the on-disk form. Parse(Marshal(p)) yields a
// plan equal to p.
func (p *Plan) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal implementation plan: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks id uniqueness and status values.
func (p *Plan) Validate() error {
	seen := make(map[string]bool)
	for pi := range p.Phases {
		phase := &p.Phases[pi]
		for si := range phase.Subtasks {
			st := &phase.Subtasks[si]
			if st.ID == "" {
				return fmt.Errorf("phase %q: subtask %d has no id", phase.Name, si)
			}
			if seen[st.ID] {
				return fmt.Errorf("duplicate subtask id %q", st.ID)
			}
			seen[st.ID] = true
			if !st.Status.IsValid() {
				return fmt.Errorf("subtask %q: unknown status %q", st.ID, st.Status)
			}
		}
	}
	return nil
}

// WellFormed reports whether the plan has at least one phase containing at
// least one subtask. The planning phase succeeds only on a well-formed plan.
func (p *Plan) WellFormed() bool {
	for pi := range p.Phases {
		if len(p.Phases[pi].Subtasks) > 0 {
			return true
		}
	}
	return false
}

// NextActionable returns the first subtask in plan order whose status is
// pending or in_progress and whose id is not in stuck, along with its phase
// name. A nil subtask means nothing is left to schedule.
func (p *Plan) NextActionable(stuck map[string]bool) (*Subtask, string) {
	for pi := range p.Phases {
		phase := &p.Phases[pi]
		for si := range phase.Subtasks {
			st := &phase.Subtasks[si]
			if st.Status == StatusCompleted {
				continue
			}
			if stuck[st.ID] {
				continue
			}
			return st, phase.Name
		}
	}
	return nil, ""
}

// Find returns the subtask with the given id, or nil.
func (p *Plan) Find(id string) *Subtask {
	for pi := range p.Phases {
		phase := &p.Phases[pi]
		for si := range phase.Subtasks {
			if phase.Subtasks[si].ID == id {
				return &phase.Subtasks[si]
			}
		}
	}
	return nil
}

// SetStatus transitions the subtask with the given id.
func (p *Plan) SetStatus(id string, status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}
	st := p.Find(id)
	if st == nil {
		return fmt.Errorf("no subtask %q in plan", id)
	}
	st.Status = status
	return nil
}

// Counts tallies subtasks by status.
func (p *Plan) Counts() (pending, inProgress, completed int) {
	for pi := range p.Phases {
		for si := range p.Phases[pi].Subtasks {
			switch p.Phases[pi].Subtasks[si].Status {
			case StatusPending:
				pending++
			case StatusInProgress:
				inProgress++
			case StatusCompleted:
				completed++
			}
		}
	}
	return pending, inProgress, completed
}
