package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureConductorDirCreatesStructure(t *testing.T) {
	projectDir := t.TempDir()

	if err := EnsureConductorDir(projectDir); err != nil {
		t.Fatalf("EnsureConductorDir failed: %v", err)
	}

	for _, sub := range []string{SpecsSubdir, LogsSubdir, ReviewsSubdir} {
		info, err := os.Stat(filepath.Join(projectDir, ConductorDir, sub))
		if err != nil {
			t.Fatalf("missing %s subdirectory: %v", sub, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	for _, name := range []string{CommonInstructionsFile, SpecInstructionsFile, BuildInstructionsFile, "README.md"} {
		content, err := os.ReadFile(filepath.Join(projectDir, ConductorDir, name))
		if err != nil {
			t.Fatalf("missing seed file %s: %v", name, err)
		}
		if len(content) == 0 {
			t.Errorf("seed file %s is empty", name)
		}
	}
}

func TestEnsureConductorDirPreservesExistingFiles(t *testing.T) {
	projectDir := t.TempDir()

	if err := EnsureConductorDir(projectDir); err != nil {
		t.Fatalf("EnsureConductorDir failed: %v", err)
	}

	custom := "# Build Instructions\n\nAlways run gofmt before finishing a subtask.\n"
	buildPath := filepath.Join(projectDir, ConductorDir, BuildInstructionsFile)
	if err := os.WriteFile(buildPath, []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureConductorDir(projectDir); err != nil {
		t.Fatalf("second EnsureConductorDir failed: %v", err)
	}

	content, err := os.ReadFile(buildPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != custom {
		t.Errorf("EnsureConductorDir overwrote an existing instruction file")
	}
}

func TestLoadInstructionsMissingDirectory(t *testing.T) {
	instructions, err := LoadInstructions(t.TempDir())
	if err != nil {
		t.Fatalf("LoadInstructions failed: %v", err)
	}
	if instructions.Common != "" || instructions.Spec != "" || instructions.Build != "" {
		t.Errorf("expected empty instructions, got %+v", instructions)
	}
}

func TestLoadInstructionsReadsFiles(t *testing.T) {
	projectDir := t.TempDir()
	conductorPath := filepath.Join(projectDir, ConductorDir)
	if err := os.MkdirAll(conductorPath, 0755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(conductorPath, CommonInstructionsFile), []byte("shared rules"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(conductorPath, BuildInstructionsFile), []byte("table driven tests"), 0644); err != nil {
		t.Fatal(err)
	}

	instructions, err := LoadInstructions(projectDir)
	if err != nil {
		t.Fatalf("LoadInstructions failed: %v", err)
	}
	if instructions.Common != "shared rules" {
		t.Errorf("Common = %q", instructions.Common)
	}
	if instructions.Build != "table driven tests" {
		t.Errorf("Build = %q", instructions.Build)
	}
	if instructions.Spec != "" {
		t.Errorf("Spec should be empty, got %q", instructions.Spec)
	}
}

func TestLoadInstructionsRejectsOversizedFile(t *testing.T) {
	projectDir := t.TempDir()
	conductorPath := filepath.Join(projectDir, ConductorDir)
	if err := os.MkdirAll(conductorPath, 0755); err != nil {
		t.Fatal(err)
	}

	oversized := strings.Repeat("x", InstructionsCharLimit+1)
	if err := os.WriteFile(filepath.Join(conductorPath, CommonInstructionsFile), []byte(oversized), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadInstructions(projectDir)
	if err == nil {
		t.Fatal("expected error for oversized instruction file")
	}
	if !strings.Contains(err.Error(), "character limit") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFormatInstructionsGrouping(t *testing.T) {
	instructions := &Instructions{
		Common: "shared",
		Spec:   "spec only",
		Build:  "build only",
	}

	specOut := FormatInstructions(instructions, SpecInstructions)
	if !strings.Contains(specOut, "shared") || !strings.Contains(specOut, "spec only") {
		t.Errorf("spec group output missing sections: %q", specOut)
	}
	if strings.Contains(specOut, "build only") {
		t.Errorf("spec group output leaked build instructions: %q", specOut)
	}

	buildOut := FormatInstructions(instructions, BuildInstructions)
	if !strings.Contains(buildOut, "build only") || strings.Contains(buildOut, "spec only") {
		t.Errorf("build group output wrong: %q", buildOut)
	}

	commonOnly := FormatInstructions(instructions, "")
	if !strings.Contains(commonOnly, "shared") || strings.Contains(commonOnly, "only") {
		t.Errorf("common-only output wrong: %q", commonOnly)
	}
}

func TestFormatInstructionsEmpty(t *testing.T) {
	if out := FormatInstructions(nil, BuildInstructions); out != "" {
		t.Errorf("nil instructions should format to empty, got %q", out)
	}
	if out := FormatInstructions(&Instructions{}, BuildInstructions); out != "" {
		t.Errorf("empty instructions should format to empty, got %q", out)
	}
}
