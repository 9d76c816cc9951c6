package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/plan"
	"conductor/pkg/specdir"
)

// SubmitReportTool writes the QA report into the spec directory. The QA loop
// parses the report after the session ends; the progress tracker treats a
// submit_report call as the review winding down.
type SubmitReportTool struct {
	binding Binding
}

// NewSubmitReportTool creates the submit_report tool.
func NewSubmitReportTool(binding Binding) (*SubmitReportTool, error) {
	if binding.Context.SpecDir == "" {
		return nil, fmt.Errorf("submit_report requires a spec directory")
	}
	return &SubmitReportTool{binding: binding}, nil
}

func (t *SubmitReportTool) Name() string {
	return ToolSubmitReport
}

func (t *SubmitReportTool) Meta() Meta {
	return Meta{
		Name: ToolSubmitReport,
		Description: "Submit the final review report. The report must contain a line " +
			"starting with 'Status: PASSED' or 'Status: FAILED', followed by issue " +
			"sections when failing.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"content": {
					Type:        "string",
					Description: "Full markdown report including the Status line",
				},
			},
			Required: []string{"content"},
		},
	}
}

func (t *SubmitReportTool) Exec(_ context.Context, args map[string]any) Result {
	content, err := stringArg(args, "content")
	if err != nil {
		return errorResult("%v", err)
	}
	if !hasStatusLine(content) {
		return errorResult("report must contain a line starting with 'Status: PASSED' or 'Status: FAILED'")
	}

	dir, err := specdir.New(t.binding.Context.SpecDir)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := dir.WriteAtomic(specdir.QAReportFile, []byte(content)); err != nil {
		return errorResult("%v", err)
	}
	return jsonResult(map[string]any{
		"file":  specdir.QAReportFile,
		"bytes": len(content),
	})
}

func hasStatusLine(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Status: PASSED") || strings.HasPrefix(trimmed, "Status: FAILED") {
			return true
		}
	}
	return false
}

// UpdatePlanTool writes the implementation plan. Planners create the plan
// with it; coders transition subtask statuses through it. Writes are
// validated and atomic, so the orchestrator never reads a malformed plan.
type UpdatePlanTool struct {
	binding Binding
}

// NewUpdatePlanTool creates the update_plan tool.
func NewUpdatePlanTool(binding Binding) (*UpdatePlanTool, error) {
	if binding.Context.SpecDir == "" {
		return nil, fmt.Errorf("update_plan requires a spec directory")
	}
	return &UpdatePlanTool{binding: binding}, nil
}

func (t *UpdatePlanTool) Name() string {
	return ToolUpdatePlan
}

func (t *UpdatePlanTool) Meta() Meta {
	return Meta{
		Name: ToolUpdatePlan,
		Description: "Write the implementation plan file. Pass the whole plan as an " +
			"object with phases[], each phase having name and subtasks[] with id, " +
			"description and status (pending, in_progress or completed). Subtask ids " +
			"must be unique.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"plan": {
					Type:        "object",
					Description: "The complete implementation plan",
				},
			},
			Required: []string{"plan"},
		},
	}
}

func (t *UpdatePlanTool) Exec(_ context.Context, args map[string]any) Result {
	planArg, ok := args["plan"]
	if !ok {
		return errorResult("plan is required")
	}
	raw, err := json.Marshal(planArg)
	if err != nil {
		return errorResult("plan is not serializable: %v", err)
	}
	p, err := plan.Parse(raw)
	if err != nil {
		return errorResult("invalid plan: %v", err)
	}

	dir, err := specdir.New(t.binding.Context.SpecDir)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := dir.WritePlan(p); err != nil {
		return errorResult("%v", err)
	}

	pending, inProgress, completed := p.Counts()
	return jsonResult(map[string]any{
		"file":        specdir.PlanFile,
		"pending":     pending,
		"in_progress": inProgress,
		"completed":   completed,
	})
}
