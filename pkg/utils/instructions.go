// Package utils provides small helpers shared across packages: project
// instruction files, identifier sanitizing, directory cleanup, and type
// assertion wrappers.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conductor/pkg/tokens"
)

const (
	// ConductorDir is the per-project directory for run artifacts and
	// instruction files.
	ConductorDir = ".conductor"

	// SpecsSubdir holds one spec directory per run.
	SpecsSubdir = "specs"
	// LogsSubdir holds the JSONL event stream.
	LogsSubdir = "logs"
	// ReviewsSubdir holds saved review reports.
	ReviewsSubdir = "reviews"

	// CommonInstructionsFile addresses every agent role.
	CommonInstructionsFile = "COMMON.md"
	// SpecInstructionsFile addresses the specification roles.
	SpecInstructionsFile = "SPEC.md"
	// BuildInstructionsFile addresses the planning, coding and QA roles.
	BuildInstructionsFile = "BUILD.md"

	// SpecInstructions selects the spec-side file in FormatInstructions.
	SpecInstructions = "SPEC"
	// BuildInstructions selects the build-side file in FormatInstructions.
	BuildInstructions = "BUILD"

	// InstructionsTokenLimit is the token limit for each instruction file
	// (2000 tokens ~ 8000 chars).
	InstructionsTokenLimit = 2000
	// InstructionsCharLimit is the corresponding character limit.
	InstructionsCharLimit = 8000
)

// Instructions holds the content of the project instruction files.
type Instructions struct {
	Common string
	Spec   string
	Build  string
}

// EnsureConductorDir creates <projectDir>/.conductor with its run
// subdirectories and seed instruction files. Files that already exist are
// left alone.
func EnsureConductorDir(projectDir string) error {
	conductorPath := filepath.Join(projectDir, ConductorDir)

	for _, sub := range []string{SpecsSubdir, LogsSubdir, ReviewsSubdir} {
		if err := os.MkdirAll(filepath.Join(conductorPath, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", filepath.Join(ConductorDir, sub), err)
		}
	}

	seeds := map[string]string{
		CommonInstructionsFile: "# Common Instructions\n\n<!-- Add instructions that apply to every agent role here -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
		SpecInstructionsFile:   "# Spec Instructions\n\n<!-- Add instructions for the specification roles here -->\n<!-- Examples: required spec sections, domain vocabulary, review criteria -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
		BuildInstructionsFile:  "# Build Instructions\n\n<!-- Add instructions for the planning, coding and QA roles here -->\n<!-- Examples: coding standards, file naming conventions, testing requirements -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
	}

	for filename, defaultContent := range seeds {
		filePath := filepath.Join(conductorPath, filename)
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			if err := os.WriteFile(filePath, []byte(defaultContent), 0644); err != nil {
				return fmt.Errorf("failed to create %s: %w", filename, err)
			}
		}
	}

	readmePath := filepath.Join(conductorPath, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		readmeContent := `# .conductor Directory

This directory contains conductor-specific files for customizing agent runs.

## User Instruction Files

- **COMMON.md**: Instructions appended to every agent's system prompt
- **SPEC.md**: Instructions for the specification roles (discovery, requirements, writing, review)
- **BUILD.md**: Instructions for the planning, coding and QA roles

Each instruction file has a limit of 2,000 tokens (≈8,000 characters) to prevent prompt bloat.

## Run Directories

- **specs/**: One spec directory per run (spec.md, implementation_plan.json, reports)
- **logs/**: JSONL event stream of worker messages

## Usage

Add your project-specific instructions to the appropriate .md files. The content will be automatically appended to agent system prompts.
`

		if err := os.WriteFile(readmePath, []byte(readmeContent), 0644); err != nil {
			return fmt.Errorf("failed to create README.md: %w", err)
		}
	}

	return nil
}

// LoadInstructions reads the instruction files under <projectDir>/.conductor.
// Missing files read as empty strings; unreadable or oversized files are
// errors.
func LoadInstructions(projectDir string) (*Instructions, error) {
	conductorPath := filepath.Join(projectDir, ConductorDir)

	instructions := &Instructions{}

	files := map[string]*string{
		CommonInstructionsFile: &instructions.Common,
		SpecInstructionsFile:   &instructions.Spec,
		BuildInstructionsFile:  &instructions.Build,
	}

	for filename, target := range files {
		filePath := filepath.Join(conductorPath, filename)

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			*target = ""
			continue
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w (please check file permissions)", filename, err)
		}

		contentStr := string(content)

		if len(contentStr) > InstructionsCharLimit {
			return nil, fmt.Errorf("%s exceeds character limit of %d (current: %d)",
				filename, InstructionsCharLimit, len(contentStr))
		}

		if tokenCount := tokens.CountSimple(contentStr); tokenCount > InstructionsTokenLimit {
			return nil, fmt.Errorf("%s exceeds token limit of %d (current: %d)",
				filename, InstructionsTokenLimit, tokenCount)
		}

		*target = contentStr
	}

	return instructions, nil
}

// FormatInstructions renders instructions for inclusion at the end of a
// system prompt. group selects the role-specific file (SpecInstructions or
// BuildInstructions); any other value gets common instructions only. Returns
// an empty string when nothing applies.
func FormatInstructions(instructions *Instructions, group string) string {
	if instructions == nil {
		return ""
	}

	var parts []string

	if instructions.Common != "" {
		parts = append(parts, "---\n## Project Instructions\n"+instructions.Common)
	}

	var specific string
	switch group {
	case SpecInstructions:
		specific = instructions.Spec
	case BuildInstructions:
		specific = instructions.Build
	}
	if specific != "" {
		parts = append(parts, "---\n## Role Instructions\n"+specific)
	}

	if len(parts) == 0 {
		return ""
	}

	return "\n" + strings.Join(parts, "\n")
}
