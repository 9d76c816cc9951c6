// Command conductor drives AI agent pipelines against a project directory:
// spec generation, plan execution with a QA loop, a parallel review panel,
// ad-hoc sessions, and a status view over the run archive. The hidden worker
// argument re-enters the same binary as a session subprocess.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"conductor/pkg/version"
	"conductor/pkg/worker"
)

func main() {
	// Worker mode bypasses the CLI entirely: stdin and stdout belong to the
	// controller's protocol, so nothing here may touch them.
	if len(os.Args) > 1 && os.Args[1] == worker.Arg {
		os.Exit(runWorker())
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-version", "--version":
		fmt.Printf("conductor %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	case "help", "-h", "-help", "--help":
		printUsage()
		os.Exit(0)
	case "spec":
		os.Exit(cmdSpec(os.Args[2:]))
	case "build":
		os.Exit(cmdBuild(os.Args[2:]))
	case "review":
		os.Exit(cmdReview(os.Args[2:]))
	case "session":
		os.Exit(cmdSession(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// cmdSpec parses the spec subcommand and returns its exit code. The run
// functions return codes instead of exiting so defers inside them fire.
func cmdSpec(args []string) int {
	flagSet := flag.NewFlagSet("spec", flag.ExitOnError)
	projectDir := flagSet.String("projectdir", ".", "Project directory")
	name := flagSet.String("name", "", "Spec directory name (default: derived from the task)")
	health := healthFlags(flagSet)
	flagSet.Usage = printUsage
	_ = flagSet.Parse(args)

	task := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if task == "" {
		fmt.Fprintf(os.Stderr, "Error: spec requires a task description\n\n")
		printUsage()
		return 1
	}
	return runSpecFlow(*projectDir, *name, task, *health)
}

func cmdBuild(args []string) int {
	flagSet := flag.NewFlagSet("build", flag.ExitOnError)
	projectDir := flagSet.String("projectdir", ".", "Project directory")
	dir := flagSet.String("dir", "", "Spec directory (default: most recent under .conductor/specs)")
	health := healthFlags(flagSet)
	flagSet.Usage = printUsage
	_ = flagSet.Parse(args)

	if len(flagSet.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "Error: build takes no positional arguments (did you mean 'conductor spec'?)\n\n")
		printUsage()
		return 1
	}
	return runBuildFlow(*projectDir, *dir, *health)
}

func cmdReview(args []string) int {
	flagSet := flag.NewFlagSet("review", flag.ExitOnError)
	projectDir := flagSet.String("projectdir", ".", "Project directory")
	dir := flagSet.String("dir", "", "Spec directory to review against (default: the project tree)")
	parallel := flagSet.Int("parallel", 0, "Specialists in flight at once (default: agents.max_parallel)")
	health := healthFlags(flagSet)
	flagSet.Usage = printUsage
	_ = flagSet.Parse(args)

	target := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if target == "" {
		target = "the uncommitted changes in the working tree"
	}
	return runReviewFlow(*projectDir, *dir, target, *parallel, *health)
}

func cmdSession(args []string) int {
	flagSet := flag.NewFlagSet("session", flag.ExitOnError)
	projectDir := flagSet.String("projectdir", ".", "Project directory")
	role := flagSet.String("role", "coder", "Agent role for the session")
	model := flagSet.String("model", "", "Model override (default: the phase's configured model)")
	maxSteps := flagSet.Int("max-steps", 0, "Step ceiling override")
	dir := flagSet.String("dir", "", "Spec directory the session works against")
	flagSet.Usage = printUsage
	_ = flagSet.Parse(args)

	task := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if task == "" {
		fmt.Fprintf(os.Stderr, "Error: session requires a task description\n\n")
		printUsage()
		return 1
	}
	return runAdhocSession(*projectDir, *role, *model, *dir, task, *maxSteps)
}

func cmdStatus(args []string) int {
	flagSet := flag.NewFlagSet("status", flag.ExitOnError)
	projectDir := flagSet.String("projectdir", ".", "Project directory")
	limit := flagSet.Int("limit", 10, "Maximum runs to list")
	runID := flagSet.String("run", "", "Show one run in detail")
	jsonOut := flagSet.Bool("json", false, "JSON output")
	flagSet.Usage = printUsage
	_ = flagSet.Parse(args)

	return runStatus(*projectDir, *runID, *limit, *jsonOut)
}

// healthOptions carries the health server flags shared by spec and build.
type healthOptions struct {
	addr     string
	disabled bool
}

func healthFlags(flagSet *flag.FlagSet) *healthOptions {
	opts := &healthOptions{}
	flagSet.StringVar(&opts.addr, "health-addr", ":8080", "Health server listen address")
	flagSet.BoolVar(&opts.disabled, "nohealth", false, "Disable the health server")
	return opts
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Conductor - AI agent pipelines for software tasks\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  conductor spec [flags] <task description>     Turn a task description into a reviewed spec\n")
	fmt.Fprintf(os.Stderr, "  conductor build [flags]                       Plan, implement and QA the spec\n")
	fmt.Fprintf(os.Stderr, "  conductor review [flags] [target]             Run the parallel review panel over changes\n")
	fmt.Fprintf(os.Stderr, "  conductor session [flags] <task description>  Run a single ad-hoc agent session\n")
	fmt.Fprintf(os.Stderr, "  conductor status [flags]                      Show archived runs and sessions\n")
	fmt.Fprintf(os.Stderr, "  conductor version                             Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  conductor spec -projectdir ./myapp \"add rate limiting to the public API\"\n")
	fmt.Fprintf(os.Stderr, "  conductor build -projectdir ./myapp\n")
	fmt.Fprintf(os.Stderr, "  conductor review -projectdir ./myapp \"the changes on this branch\"\n")
	fmt.Fprintf(os.Stderr, "  conductor session -role qa_reviewer \"review the open-file handling in pkg/store\"\n")
	fmt.Fprintf(os.Stderr, "  conductor status -run 1a2b3c4d\n\n")
	fmt.Fprintf(os.Stderr, "Common flags:\n")
	fmt.Fprintf(os.Stderr, "  -projectdir string\n        Project directory (default \".\")\n")
	fmt.Fprintf(os.Stderr, "  -health-addr string\n        Health server listen address for spec and build (default \":8080\")\n")
	fmt.Fprintf(os.Stderr, "  -nohealth\n        Disable the health server\n")
	fmt.Fprintf(os.Stderr, "  -dir string\n        Spec directory for build and session (default: most recent)\n")
}
