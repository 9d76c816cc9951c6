package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/persistence"
)

// runStatus reads the archive without touching config or the pipelines, so
// it works while a spec or build run holds the project.
func runStatus(projectDir, runID string, limit int, jsonOut bool) int {
	dbPath := filepath.Join(projectDir, config.ProjectConfigDir, config.DatabaseFilename)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs recorded yet.")
		return 0
	}
	if err := persistence.Initialize(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run archive: %v\n", err)
		return 1
	}
	defer closeArchive()
	store := persistence.Default()

	if runID != "" {
		return showRunDetail(store, runID, jsonOut)
	}
	return showRunList(store, limit, jsonOut)
}

func showRunList(store *persistence.Store, limit int, jsonOut bool) int {
	runs, err := store.ListRuns(&persistence.RunFilter{Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(map[string]any{"runs": runs})
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return 0
	}

	fmt.Printf("%-10s %-6s %-10s %-20s %3s  %s\n", "RUN", "KIND", "STATUS", "STARTED", "QA", "TASK")
	for _, run := range runs {
		fmt.Printf("%-10s %-6s %-10s %-20s %3d  %s\n",
			run.ID, run.Kind, run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.QAIterations, clamp(run.Task, 60))
	}
	return 0
}

func showRunDetail(store *persistence.Store, runID string, jsonOut bool) int {
	run, err := store.GetRunByID(runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			fmt.Fprintf(os.Stderr, "Run %s not found.\n", runID)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to read run %s: %v\n", runID, err)
		}
		return 1
	}
	summary, err := store.GetRunSummary(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to summarize run %s: %v\n", runID, err)
		return 1
	}
	sessions, err := store.GetSessionsByRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions for run %s: %v\n", runID, err)
		return 1
	}
	iterations, err := store.GetQAIterationsByRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list QA iterations for run %s: %v\n", runID, err)
		return 1
	}

	if jsonOut {
		return printJSON(map[string]any{
			"run":           run,
			"summary":       summary,
			"sessions":      sessions,
			"qa_iterations": iterations,
		})
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Kind)
	fmt.Printf("  Status:   %s%s\n", run.Status, runErrorSuffix(run))
	fmt.Printf("  Task:     %s\n", clamp(run.Task, 100))
	fmt.Printf("  Spec dir: %s\n", run.SpecDir)
	fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Printf("  Ended:    %s\n", run.EndedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("  Sessions: %d (%d failed), %d tokens, %s total\n",
		summary.TotalSessions, summary.FailedSessions, summary.TotalTokens,
		formatDuration(summary.TotalDuration))

	if len(sessions) > 0 {
		fmt.Println()
		fmt.Printf("  %-10s %-20s %-9s %-12s %5s %8s %9s\n",
			"SESSION", "ROLE", "PHASE", "OUTCOME", "STEPS", "TOKENS", "DURATION")
		for _, s := range sessions {
			fmt.Printf("  %-10s %-20s %-9s %-12s %5d %8d %9s\n",
				shortID(s.ID), s.Role, s.Phase, s.Outcome,
				s.Steps, s.TotalTokens, formatDuration(s.DurationMs))
		}
	}

	if len(iterations) > 0 {
		fmt.Println()
		fmt.Printf("  %-4s %-10s %s\n", "QA", "VERDICT", "ISSUES")
		for _, it := range iterations {
			fmt.Printf("  %-4d %-10s %d\n", it.Iteration, it.Verdict, it.Issues)
		}
	}
	return 0
}

func runErrorSuffix(run *persistence.Run) string {
	if run.Error == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", clamp(run.Error, 80))
}

// shortID trims UUID-length session IDs for the table.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal output: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
