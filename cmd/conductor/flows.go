package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/build"
	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/healthserver"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/qa"
	"conductor/pkg/review"
	"conductor/pkg/spec"
	"conductor/pkg/specdir"
	"conductor/pkg/utils"
)

// flow bundles what spec and build runs share: the spec directory, the run
// archive recorder, the event log, the health server and the session wiring.
type flow struct {
	kind       string
	projectDir string
	runID      string
	task       string
	dir        *specdir.Dir
	logger     *logx.Logger
	wiring     *sessionWiring
	recorder   *persistence.Recorder
	events     *eventlog.Writer
	health     *healthserver.Server

	mu      sync.Mutex
	stage   string
	started time.Time
}

// newFlow opens the run-scoped resources and inserts the running archive row.
// The caller must finish() the flow exactly once.
func newFlow(kind, projectDir, task string, dir *specdir.Dir, opts healthOptions) (*flow, error) {
	runID, err := persistence.NewRunID()
	if err != nil {
		return nil, fmt.Errorf("generate run ID: %w", err)
	}
	if err := config.SetRunID(runID); err != nil {
		return nil, err
	}

	events, err := eventlog.NewWriter(filepath.Join(projectDir, utils.ConductorDir, utils.LogsSubdir))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	recorder := persistence.NewRecorder(persistence.Default())

	logger := logx.NewLogger(kind + "-" + runID)
	wiring, err := newSessionWiring(projectDir, dir.Root(), runID, recorder, events, logger)
	if err != nil {
		recorder.Close()
		_ = events.Close()
		return nil, err
	}

	f := &flow{
		kind:       kind,
		projectDir: projectDir,
		runID:      runID,
		task:       task,
		dir:        dir,
		logger:     logger,
		wiring:     wiring,
		recorder:   recorder,
		events:     events,
		started:    time.Now().UTC(),
	}

	recorder.RunStarted(&persistence.Run{
		StartedAt: f.started,
		ID:        runID,
		Kind:      kind,
		SpecDir:   dir.Root(),
		Task:      task,
		Status:    persistence.RunStatusRunning,
	})

	if !opts.disabled {
		metricsOn := false
		promURL := ""
		if cfg, cfgErr := config.GetConfig(); cfgErr == nil && cfg.Agents != nil {
			metricsOn = cfg.Agents.Metrics.Enabled
			promURL = cfg.Agents.Metrics.PrometheusURL
		}
		f.health = healthserver.New(healthserver.Config{Addr: opts.addr, EnableMetrics: metricsOn}, persistence.Default())
		f.health.SetStatusProvider(f)
		if metricsOn && promURL != "" {
			if costs, costErr := metrics.NewQueryService(promURL); costErr != nil {
				logger.Warn("cost source unavailable: %v", costErr)
			} else {
				f.health.SetCostSource(costs)
			}
		}
		go func() {
			if serveErr := f.health.Start(); serveErr != nil {
				logger.Error("health server: %v", serveErr)
			}
		}()
	}
	return f, nil
}

// StatusSnapshot feeds the health server's live section.
func (f *flow) StatusSnapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{
		"run_id":  f.runID,
		"kind":    f.kind,
		"task":    f.task,
		"stage":   f.stage,
		"started": f.started.Format(time.RFC3339),
	}
}

func (f *flow) setStage(stage string) {
	f.mu.Lock()
	f.stage = stage
	f.mu.Unlock()
	f.flowEvent(eventlog.KindPhase, stage)
}

// flowEvent records a run-level event that belongs to no single session.
func (f *flow) flowEvent(kind, text string) {
	if err := f.events.Write(eventlog.Event{RunID: f.runID, Kind: kind, Text: text}); err != nil {
		f.logger.Warn("event log write failed: %v", err)
	}
}

// finish closes out the archive row and releases the flow's resources.
func (f *flow) finish(status string, qaIterations int, errMsg string) {
	f.recorder.RunFinished(f.runID, status, qaIterations, errMsg)
	f.recorder.Close()

	if f.health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := f.health.Stop(shutdownCtx); err != nil {
			f.logger.Warn("health server shutdown: %v", err)
		}
	}
	if err := f.events.Close(); err != nil {
		f.logger.Warn("event log close: %v", err)
	}
}

// runSpecFlow drives one task description through the spec pipeline.
func runSpecFlow(projectDir, name, task string, opts healthOptions) int {
	if _, err := setupProjectInfrastructure(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Project setup failed: %v\n", err)
		return 1
	}
	defer closeArchive()
	if err := handleSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	if name == "" {
		name = specDirName(task, time.Now())
	}
	dir, err := specdir.New(filepath.Join(projectDir, utils.ConductorDir, utils.SpecsSubdir, name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create spec directory: %v\n", err)
		return 1
	}

	f, err := newFlow(persistence.RunKindSpec, projectDir, task, dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start run: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LogInfo("🚀 Spec run %s: %s", f.runID, task)
	config.LogInfo("📁 Spec directory: %s", dir.Root())

	orch, err := spec.New(spec.Config{
		Dir:        dir,
		Run:        f.wiring.runSession,
		NewSession: f.wiring.newSession,
		Logger:     f.logger,
	}, spec.Events{
		OnStage: func(st spec.Stage) { f.setStage(string(st)) },
		OnLog:   func(text string) { f.flowEvent(eventlog.KindLog, text) },
		OnError: func(err error) { f.flowEvent(eventlog.KindError, err.Error()) },
	})
	if err != nil {
		f.finish(persistence.RunStatusFailed, 0, err.Error())
		fmt.Fprintf(os.Stderr, "Failed to build spec pipeline: %v\n", err)
		return 1
	}

	res := orch.Run(ctx, task)
	f.finish(terminalStatus(res.Success, res.Cancelled), 0, errText(res.Err))
	printSpecSummary(f, res)
	if res.Success {
		return 0
	}
	return 1
}

// runBuildFlow executes the implementation plan for a spec directory.
func runBuildFlow(projectDir, dirFlag string, opts healthOptions) int {
	if _, err := setupProjectInfrastructure(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Project setup failed: %v\n", err)
		return 1
	}
	defer closeArchive()
	if err := handleSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	root, err := resolveSpecDir(projectDir, dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	dir, err := specdir.New(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open spec directory: %v\n", err)
		return 1
	}
	if !dir.Exists(specdir.SpecFile) {
		fmt.Fprintf(os.Stderr, "Error: %s has no %s - run 'conductor spec' first\n", root, specdir.SpecFile)
		return 1
	}

	f, err := newFlow(persistence.RunKindBuild, projectDir, taskLabel(dir), dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start run: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LogInfo("🚀 Build run %s", f.runID)
	config.LogInfo("📁 Spec directory: %s", dir.Root())

	cfg, err := config.GetConfig()
	if err != nil {
		f.finish(persistence.RunStatusFailed, 0, err.Error())
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	orch, err := build.New(build.Config{
		Dir:             dir,
		ProjectDir:      projectDir,
		Run:             f.wiring.runSession,
		NewSession:      f.wiring.newSession,
		QAPolicy:        qaPolicy(cfg),
		MaxPhaseRetries: config.MaxPhaseRetries,
		MaxRetries:      config.DefaultSubtaskRetries,
		Logger:          f.logger,
	}, build.Events{
		OnPhaseChange: func(p agent.Phase) { f.setStage(p.String()) },
		OnLog:         func(text string) { f.flowEvent(eventlog.KindLog, text) },
		OnError:       func(err error) { f.flowEvent(eventlog.KindError, err.Error()) },
	})
	if err != nil {
		f.finish(persistence.RunStatusFailed, 0, err.Error())
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}

	res := orch.Run(ctx)
	f.finish(terminalStatus(res.Success, res.Cancelled), res.TotalIterations, errText(res.Err))
	printBuildSummary(f, res)
	if res.Success {
		return 0
	}
	return 1
}

// runReviewFlow fans the review panel out over a target and prints the
// synthesized report. With -dir the panel binds to a spec directory;
// otherwise it reviews the project tree itself.
func runReviewFlow(projectDir, dirFlag, target string, parallel int, opts healthOptions) int {
	if _, err := setupProjectInfrastructure(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Project setup failed: %v\n", err)
		return 1
	}
	defer closeArchive()
	if err := handleSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to handle secrets: %v\n", err)
		return 1
	}

	root := projectDir
	if dirFlag != "" {
		resolved, err := resolveSpecDir(projectDir, dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		root = resolved
	}
	dir, err := specdir.New(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open review directory: %v\n", err)
		return 1
	}

	f, err := newFlow(persistence.RunKindReview, projectDir, clamp(target, 120), dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start run: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LogInfo("🚀 Review run %s: %s", f.runID, clamp(target, 80))

	if parallel <= 0 {
		parallel = config.GetMaxParallel()
	}
	panel, err := review.New(review.Config{
		Run:         f.wiring.runSession,
		NewSession:  f.wiring.newSession,
		MaxParallel: parallel,
		Logger:      f.logger,
	}, review.Events{
		OnFocus: func(fc review.Focus) { f.setStage("review:" + fc.Name) },
		OnLog:   func(text string) { f.flowEvent(eventlog.KindLog, text) },
		OnError: func(err error) { f.flowEvent(eventlog.KindError, err.Error()) },
	})
	if err != nil {
		f.finish(persistence.RunStatusFailed, 0, err.Error())
		fmt.Fprintf(os.Stderr, "Failed to build review panel: %v\n", err)
		return 1
	}

	res := panel.Run(ctx, target)
	reportPath := ""
	if res.Success {
		reportPath = f.saveReviewReport(res.Report)
	}
	f.finish(terminalStatus(res.Success, res.Cancelled), 0, errText(res.Err))
	printReviewSummary(f, res, reportPath)
	if res.Success {
		return 0
	}
	return 1
}

// saveReviewReport writes the synthesized review under .conductor/reviews
// and returns its path, or empty when the write fails.
func (f *flow) saveReviewReport(report string) string {
	reviewsDir := filepath.Join(f.projectDir, utils.ConductorDir, utils.ReviewsSubdir)
	if err := os.MkdirAll(reviewsDir, 0755); err != nil {
		f.logger.Warn("save review report: %v", err)
		return ""
	}
	path := filepath.Join(reviewsDir, "review-"+f.runID+".md")
	if err := os.WriteFile(path, []byte(report+"\n"), 0644); err != nil {
		f.logger.Warn("save review report: %v", err)
		return ""
	}
	return path
}

// qaPolicy lifts the config's QA tuning into loop bounds. Zero values fall
// back to the loop's own defaults.
func qaPolicy(cfg config.Config) qa.Policy {
	if cfg.QA == nil {
		return qa.Policy{}
	}
	return qa.Policy{
		MaxIterations:       cfg.QA.MaxIterations,
		RecurringThreshold:  cfg.QA.RecurringThreshold,
		SimilarityThreshold: cfg.QA.SimilarityThreshold,
	}
}

// specDirName derives a fresh spec directory name from the task text.
func specDirName(task string, now time.Time) string {
	slug := utils.Slug(task, 40)
	if slug == "" {
		slug = "task"
	}
	return now.Format("20060102-150405") + "-" + slug
}

// resolveSpecDir turns the -dir flag into a spec directory path. An empty
// flag picks the most recently modified directory under .conductor/specs
// that already has a spec.md; a bare name resolves under the same root.
func resolveSpecDir(projectDir, dirFlag string) (string, error) {
	specsRoot := filepath.Join(projectDir, utils.ConductorDir, utils.SpecsSubdir)
	if dirFlag != "" {
		if filepath.IsAbs(dirFlag) || strings.ContainsRune(dirFlag, os.PathSeparator) {
			return dirFlag, nil
		}
		return filepath.Join(specsRoot, dirFlag), nil
	}

	entries, err := os.ReadDir(specsRoot)
	if err != nil {
		return "", fmt.Errorf("no spec directories under %s - run 'conductor spec' first", specsRoot)
	}
	var best string
	var bestTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(specsRoot, entry.Name())
		if _, statErr := os.Stat(filepath.Join(candidate, specdir.SpecFile)); statErr != nil {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = candidate
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no spec directory with a %s under %s - run 'conductor spec' first", specdir.SpecFile, specsRoot)
	}
	return best, nil
}

// taskLabel pulls a short task description for the archive row from the
// spec's first heading, falling back to the directory name.
func taskLabel(dir *specdir.Dir) string {
	data, err := dir.Read(specdir.SpecFile)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
			if line != "" {
				return clamp(line, 120)
			}
		}
	}
	return filepath.Base(dir.Root())
}

func terminalStatus(success, cancelled bool) string {
	switch {
	case success:
		return persistence.RunStatusCompleted
	case cancelled:
		return persistence.RunStatusCancelled
	default:
		return persistence.RunStatusFailed
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func closeArchive() {
	if err := persistence.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close run archive: %v\n", err)
	}
}

// clamp truncates s to max runes so banner boxes keep their shape.
func clamp(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

func printSpecSummary(f *flow, res spec.Result) {
	fmt.Println()
	switch {
	case res.Success:
		fmt.Println("╔════════════════════════════════════════════════════════════════════╗")
		fmt.Println("║                     ✅ Spec Pipeline Complete                      ║")
		fmt.Println("╠════════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Run ID:     %-53s ║\n", f.runID)
		fmt.Printf("║  Complexity: %-53s ║\n", res.Complexity)
		fmt.Printf("║  Stages:     %-53d ║\n", len(res.PhasesExecuted))
		fmt.Printf("║  Spec:       %-53s ║\n", clamp(f.dir.Path(specdir.SpecFile), 53))
		fmt.Println("╠════════════════════════════════════════════════════════════════════╣")
		fmt.Println("║  Next: review the spec, then run 'conductor build'.                ║")
		fmt.Println("╚════════════════════════════════════════════════════════════════════╝")
	case res.Cancelled:
		fmt.Println("🛑 Spec run cancelled.")
	default:
		fmt.Printf("❌ Spec run %s failed: %v\n", f.runID, res.Err)
		fmt.Printf("   Details: conductor status -run %s\n", f.runID)
	}
}

func printReviewSummary(f *flow, res review.Result, reportPath string) {
	fmt.Println()
	switch {
	case res.Success:
		fmt.Println(res.Report)
		fmt.Println()
		fmt.Println("╔════════════════════════════════════════════════════════════════════╗")
		fmt.Println("║                         ✅ Review Complete                          ║")
		fmt.Println("╠════════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Run ID:        %-50s ║\n", f.runID)
		fmt.Printf("║  Specialists:   %-50d ║\n", res.Specialists)
		fmt.Printf("║  Duration:      %-50s ║\n", formatDuration(res.DurationMs))
		if reportPath != "" {
			fmt.Printf("║  Report:        %-50s ║\n", clamp(reportPath, 50))
		}
		fmt.Println("╚════════════════════════════════════════════════════════════════════╝")
	case res.Cancelled:
		fmt.Println("🛑 Review run cancelled.")
	default:
		fmt.Printf("❌ Review run %s failed: %v\n", f.runID, res.Err)
		fmt.Printf("   Details: conductor status -run %s\n", f.runID)
	}
}

func printBuildSummary(f *flow, res build.Result) {
	fmt.Println()
	switch {
	case res.Success:
		fmt.Println("╔════════════════════════════════════════════════════════════════════╗")
		fmt.Println("║                       ✅ Build Run Complete                        ║")
		fmt.Println("╠════════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Run ID:        %-50s ║\n", f.runID)
		fmt.Printf("║  QA iterations: %-50d ║\n", res.TotalIterations)
		fmt.Printf("║  Duration:      %-50s ║\n", formatDuration(res.DurationMs))
		fmt.Println("╚════════════════════════════════════════════════════════════════════╝")
	case res.Cancelled:
		fmt.Println("🛑 Build run cancelled.")
	case res.SessionOutcome == agent.OutcomeRateLimited:
		fmt.Printf("⏳ Build run %s hit the provider rate limit. Wait and re-run 'conductor build' to resume.\n", f.runID)
	default:
		fmt.Printf("❌ Build run %s failed: %v\n", f.runID, res.Err)
		fmt.Printf("   Details: conductor status -run %s\n", f.runID)
	}
}

// formatDuration renders milliseconds for human output.
func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
