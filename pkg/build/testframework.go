package build

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conductor/pkg/specdir"
)

// testFramework pairs a name with a probe. Probes are checked in
// registration order, most specific first.
type testFramework struct {
	name   string
	detect func(root string) bool
}

var testFrameworks = []testFramework{
	{"go test", detectGoTests},
	{"npm test", detectNpmTests},
	{"pytest", detectPytest},
	{"cargo test", detectCargoTests},
	{"make test", detectMakeTests},
}

// detectTestFramework reports the first framework whose probe matches the
// project root.
func detectTestFramework(root string) (string, bool) {
	for _, f := range testFrameworks {
		if f.detect(root) {
			return f.name, true
		}
	}
	return "", false
}

var skipDirs = map[string]bool{
	".git":         true,
	"vendor":       true,
	"node_modules": true,
	"__pycache__":  true,
	"target":       true,
}

// detectGoTests wants a go.mod plus at least one _test.go file. A module
// without tests has nothing for go test to run.
func detectGoTests(root string) bool {
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		return false
	}
	return containsFileSuffix(root, "_test.go")
}

// detectNpmTests checks package.json for a real test script. npm init seeds
// a placeholder that only prints "no test specified", which does not count.
func detectNpmTests(root string) bool {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	script := strings.TrimSpace(pkg.Scripts["test"])
	if script == "" || strings.Contains(script, "no test specified") {
		return false
	}
	return true
}

// detectPytest looks for pytest configuration files in order of preference,
// then for conventional test files.
func detectPytest(root string) bool {
	pytestFiles := []string{
		"pytest.ini",
		"conftest.py",
	}
	for _, file := range pytestFiles {
		if _, err := os.Stat(filepath.Join(root, file)); err == nil {
			return true
		}
	}
	if data, err := os.ReadFile(filepath.Join(root, "pyproject.toml")); err == nil {
		if strings.Contains(string(data), "[tool.pytest") {
			return true
		}
	}
	testsDir := filepath.Join(root, "tests")
	if info, err := os.Stat(testsDir); err == nil && info.IsDir() {
		return containsFilePrefix(testsDir, "test_")
	}
	return false
}

// detectCargoTests treats any Cargo.toml as testable: cargo test runs unit
// tests embedded in the crate sources.
func detectCargoTests(root string) bool {
	_, err := os.Stat(filepath.Join(root, "Cargo.toml"))
	return err == nil
}

// detectMakeTests scans the Makefile for a test target.
func detectMakeTests(root string) bool {
	f, err := os.Open(filepath.Join(root, "Makefile"))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "test:") || strings.HasPrefix(line, "test :") {
			return true
		}
	}
	return false
}

// containsFileSuffix walks the tree looking for one file with the suffix,
// skipping dependency and VCS directories.
func containsFileSuffix(root, suffix string) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// containsFilePrefix checks one directory, non-recursive.
func containsFilePrefix(dir, prefix string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return true
		}
	}
	return false
}

// ensureManualTestPlan runs at the start of the QA phase. Projects without
// an automated test setup get a manual test plan derived from the
// implementation plan instead of a failed quality gate.
func (o *Orchestrator) ensureManualTestPlan() {
	if o.cfg.ProjectDir == "" {
		return
	}
	if name, ok := detectTestFramework(o.cfg.ProjectDir); ok {
		o.logger.Debug("test framework detected: %s", name)
		return
	}
	if o.cfg.Dir.Exists(specdir.ManualTestPlanFile) {
		return
	}
	content := o.manualTestPlan()
	if err := o.cfg.Dir.WriteAtomic(specdir.ManualTestPlanFile, []byte(content)); err != nil {
		o.logger.Error("write manual test plan: %v", err)
		return
	}
	o.log("no test framework detected, wrote " + specdir.ManualTestPlanFile)
}

// manualTestPlan renders a checklist from the plan's subtasks so a human
// verifier has concrete steps to walk.
func (o *Orchestrator) manualTestPlan() string {
	var b strings.Builder
	b.WriteString("# Manual Test Plan\n\n")
	fmt.Fprintf(&b, "Generated %s. No automated test framework was detected in this project, ", time.Now().UTC().Format("2006-01-02"))
	b.WriteString("so verify each implemented subtask by hand and check it off.\n\n")

	p, err := o.cfg.Dir.ReadPlan()
	if err != nil {
		b.WriteString("- [ ] Verify the implementation against " + specdir.SpecFile + "\n")
		return b.String()
	}
	for _, phase := range p.Phases {
		fmt.Fprintf(&b, "## %s\n\n", phase.Name)
		for _, sub := range phase.Subtasks {
			fmt.Fprintf(&b, "- [ ] %s: %s\n", sub.ID, sub.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
