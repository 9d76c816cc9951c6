package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/prompts"
	"conductor/pkg/session"
	"conductor/pkg/utils"
)

// runAdhocSession launches one session outside any pipeline: review a
// package, triage an issue, draft release notes. The session streams to the
// event log but is not archived, since archive rows belong to runs.
func runAdhocSession(projectDir, roleName, model, dirFlag, task string, maxSteps int) int {
	role, err := agent.ParseRole(roleName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if _, err := setupProjectInfrastructure(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Project setup failed: %v\n", err)
		return 1
	}
	defer closeArchive()
	if err := handleSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	specRoot := projectDir
	if dirFlag != "" {
		if resolved, resolveErr := resolveSpecDir(projectDir, dirFlag); resolveErr == nil {
			specRoot = resolved
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", resolveErr)
			return 1
		}
	}

	events, err := eventlog.NewWriter(filepath.Join(projectDir, utils.ConductorDir, utils.LogsSubdir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	logger := logx.NewLogger("session")
	wiring, err := newSessionWiring(projectDir, specRoot, "", nil, events, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire session: %v\n", err)
		return 1
	}

	kickoff, err := wiring.renderer.RenderSimple(prompts.TaskKickoffTemplate, task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render kickoff: %v\n", err)
		return 1
	}

	cfg := wiring.newSession(role, kickoff)
	if model != "" {
		cfg.ModelShorthand = model
		cfg.ModelID = config.ResolveModel(model)
		if _, providerErr := config.GetModelProvider(cfg.ModelID); providerErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", providerErr)
			return 1
		}
	}
	if maxSteps > 0 {
		cfg.MaxSteps = maxSteps
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid session: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LogInfo("🤖 Session %s: role=%s model=%s", cfg.SessionID, cfg.Role, cfg.ModelID)

	res, err := wiring.runSession(ctx, cfg, session.Callbacks{
		OnProgress: func(p session.Progress) {
			if p.CurrentMessage != "" {
				logger.Info("▸ %s", p.CurrentMessage)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Session failed to launch: %v\n", err)
		return 1
	}

	printSessionSummary(cfg, res)
	return res.Outcome.ExitCode()
}

func printSessionSummary(cfg agent.SessionConfig, res agent.SessionResult) {
	fmt.Println()
	fmt.Printf("Session %s finished: %s\n", shortID(cfg.SessionID), res.Outcome)
	fmt.Printf("  Steps:    %d (%d tool calls)\n", res.StepsExecuted, res.ToolCallCount)
	fmt.Printf("  Tokens:   %d prompt + %d completion\n", res.Usage.PromptTokens, res.Usage.CompletionTokens)
	fmt.Printf("  Duration: %s\n", formatDuration(res.DurationMs))
	if res.Error != nil {
		fmt.Printf("  Error:    %s\n", res.Error.Error())
	}
}
