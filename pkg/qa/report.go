// Package qa runs the review loop: qa_reviewer sessions produce qa_report.md,
// qa_fixer sessions address the findings, and the loop arbitrates between
// them until the report passes, an issue keeps coming back, or the iteration
// budget runs out.
package qa

import (
	"fmt"
	"strings"
	"time"
)

// Status of one parsed report or iteration.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusError marks an iteration whose reviewer session failed or whose
	// report did not parse.
	StatusError Status = "error"
)

// Issue is one finding from a qa_report.md.
type Issue struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location"`
	Type        string `json:"type,omitempty"`
	FixRequired bool   `json:"fix_required,omitempty"`
}

// Report is the parsed form of qa_report.md.
type Report struct {
	Status Status  `json:"status"`
	Issues []Issue `json:"issues,omitempty"`
}

// IterationRecord is the durable trace of one QA cycle.
type IterationRecord struct {
	Iteration  int       `json:"iteration"`
	Status     Status    `json:"status"`
	Issues     []Issue   `json:"issues,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// ParseReport extracts the status marker and issue list from a qa_report.md.
// The machine-relevant marker is a line starting with "Status: PASSED" or
// "Status: FAILED"; issues are "### " headings followed by bullet fields,
// with stray prose folded into the description.
func ParseReport(content string) (Report, error) {
	var (
		report      Report
		statusFound bool
		current     *Issue
		inCodeBlock bool
	)
	flush := func() {
		if current != nil {
			current.Description = strings.TrimSpace(current.Description)
			report.Issues = append(report.Issues, *current)
			current = nil
		}
	}

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			if current != nil {
				current.Description += line + "\n"
			}
			continue
		}

		if !statusFound {
			if status, ok := parseStatusLine(line); ok {
				report.Status = status
				statusFound = true
				continue
			}
		}

		if title, ok := strings.CutPrefix(line, "### "); ok {
			flush()
			current = &Issue{Title: strings.TrimSpace(title)}
			continue
		}
		if strings.HasPrefix(line, "#") {
			// Any other heading ends the current issue block.
			flush()
			continue
		}
		if current == nil || line == "" {
			continue
		}

		if key, value, ok := parseFieldLine(line); ok {
			switch key {
			case "location":
				current.Location = value
			case "type":
				current.Type = value
			case "fix required", "fix_required":
				current.FixRequired = isAffirmative(value)
			case "description":
				if current.Description != "" {
					current.Description += "\n"
				}
				current.Description += value
			default:
				// Unknown bullet keys are still findings text.
				if current.Description != "" {
					current.Description += "\n"
				}
				current.Description += line
			}
			continue
		}

		if current.Description != "" {
			current.Description += "\n"
		}
		current.Description += line
	}
	flush()

	if !statusFound {
		return Report{}, fmt.Errorf("no Status: PASSED or Status: FAILED line found")
	}
	return report, nil
}

// parseStatusLine recognizes the status marker, tolerating markdown emphasis
// around it.
func parseStatusLine(line string) (Status, bool) {
	trimmed := strings.Trim(line, "#* \t")
	rest, ok := strings.CutPrefix(trimmed, "Status:")
	if !ok {
		return "", false
	}
	switch value := strings.Trim(rest, "* \t"); strings.ToUpper(value) {
	case "PASSED":
		return StatusApproved, true
	case "FAILED":
		return StatusRejected, true
	default:
		return "", false
	}
}

// parseFieldLine splits a "- Key: value" bullet into a lowercased key and its
// value.
func parseFieldLine(line string) (key, value string, ok bool) {
	body, isBullet := strings.CutPrefix(line, "- ")
	if !isBullet {
		body, isBullet = strings.CutPrefix(line, "* ")
	}
	if !isBullet {
		return "", "", false
	}
	key, value, found := strings.Cut(body, ":")
	if !found {
		return "", "", false
	}
	key = strings.ToLower(strings.Trim(key, "* \t"))
	return key, strings.TrimSpace(value), true
}

func isAffirmative(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "y", "required", "1":
		return true
	default:
		return false
	}
}
