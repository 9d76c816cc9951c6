// Package specdir manages the per-task spec directory: the single
// authoritative state shared between orchestrators and agent sessions.
// Agents read and write these files through their tools; orchestrators poll
// them between sessions. Every write is atomic (temp file + rename in the
// same directory) so a reader never observes a partial file.
package specdir

import (
	"fmt"
	"os"
	"path/filepath"

	"conductor/pkg/plan"
)

// Well-known file names inside a spec directory.
const (
	SpecFile           = "spec.md"
	PlanFile           = "implementation_plan.json"
	AssessmentFile     = "complexity_assessment.json"
	QAReportFile       = "qa_report.md"
	EscalationFile     = "QA_ESCALATION.md"
	ManualTestPlanFile = "MANUAL_TEST_PLAN.md"
	FixRequestFile     = "QA_FIX_REQUEST.md"
	MetadataFile       = "task_metadata.json"
	TaskLogFile        = "task_logs.json"
)

// Dir is one task's spec directory.
type Dir struct {
	root string
}

// New opens (creating if needed) the spec directory at root.
func New(root string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("spec directory path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create spec directory %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the absolute path of a named file.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}

// Exists reports whether a named file is present.
func (d *Dir) Exists(name string) bool {
	_, err := os.Stat(d.Path(name))
	return err == nil
}

// Read returns a named file's contents.
func (d *Dir) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteAtomic writes a named file atomically: the data lands in a temp file
// in the same directory, then renames over the target.
func (d *Dir) WriteAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.root, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpName, d.Path(name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Remove deletes a named file if present.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// ReadPlan parses the implementation plan file.
func (d *Dir) ReadPlan() (*plan.Plan, error) {
	data, err := d.Read(PlanFile)
	if err != nil {
		return nil, err
	}
	return plan.Parse(data)
}

// WritePlan writes the implementation plan atomically.
func (d *Dir) WritePlan(p *plan.Plan) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return d.WriteAtomic(PlanFile, data)
}
