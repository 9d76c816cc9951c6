package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Validator vetoes dangerous argument combinations for an otherwise-allowed
// command. A nil error accepts the invocation.
type Validator func(args []string) error

//nolint:gochecknoglobals // Registry shared across sessions in one process
var (
	validatorMu sync.RWMutex
	validators  = map[string]Validator{
		"pkill":   validateKillByName,
		"killall": validateKillByName,
		"kill":    validateKill,
		"rm":      validateRm,
		"git":     validateGit,
		"chmod":   validateChmod,
	}
)

// RegisterValidator installs or replaces the argument validator for a
// command. A nil validator removes the entry.
func RegisterValidator(command string, v Validator) {
	validatorMu.Lock()
	defer validatorMu.Unlock()
	if v == nil {
		delete(validators, command)
		return
	}
	validators[command] = v
}

func lookupValidator(command string) Validator {
	validatorMu.RLock()
	defer validatorMu.RUnlock()
	return validators[command]
}

// devProcesses are the process names pkill and killall may target. Sessions
// kill their own stuck dev servers and test runners, nothing else.
//
//nolint:gochecknoglobals // Static process table
var devProcesses = map[string]bool{
	"node": true, "npm": true, "npx": true, "yarn": true, "pnpm": true,
	"python": true, "python3": true, "pytest": true, "flask": true,
	"uvicorn": true, "gunicorn": true, "go": true, "gopls": true,
	"cargo": true, "java": true, "dotnet": true, "ruby": true, "rails": true,
	"php": true, "postgres": true, "mysqld": true, "redis-server": true,
	"vite": true, "webpack": true, "jest": true, "tsc": true, "deno": true,
	"bun": true,
}

// validateKillByName checks pkill and killall: the target pattern must name a
// known development process. Patterns like python3.11 or node.*worker match
// on their leading word.
func validateKillByName(args []string) error {
	target := ""
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		target = stripQuotes(a)
		break
	}
	if target == "" {
		return fmt.Errorf("no target process named")
	}
	name := filepath.Base(target)
	if devProcesses[name] || devProcesses[leadingWord(name)] {
		return nil
	}
	return fmt.Errorf("process %q is not a known development process", target)
}

func leadingWord(s string) string {
	for i, r := range s {
		alnum := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			return s[:i]
		}
	}
	return s
}

// validateKill refuses signalling every process or the caller's own process
// group. kill -9 <pid> passes; kill -1, kill 0, kill -0 do not.
func validateKill(args []string) error {
	for _, a := range args {
		switch a {
		case "-1", "0", "-0":
			return fmt.Errorf("refuses to signal all processes or the process group (%s)", a)
		}
	}
	return nil
}

// dangerousRmTargets are roots a recursive rm may never touch.
//
//nolint:gochecknoglobals // Static path table
var dangerousRmTargets = map[string]bool{
	"/": true, "~": true, "~/": true, "..": true, "../": true,
	"$HOME": true, "${HOME}": true, "$HOME/": true, "${HOME}/": true,
}

// validateRm denies recursive deletes aimed at the filesystem root, the home
// directory, or the parent of the working directory.
func validateRm(args []string) error {
	recursive := false
	for _, a := range args {
		if a == "--recursive" || (strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") &&
			strings.ContainsAny(a, "rR")) {
			recursive = true
			break
		}
	}
	if !recursive {
		return nil
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if dangerousRmTargets[stripQuotes(a)] {
			return fmt.Errorf("recursive delete of %q", a)
		}
	}
	return nil
}

// protectedBranches may not receive force pushes.
//
//nolint:gochecknoglobals // Static branch table
var protectedBranches = map[string]bool{"main": true, "master": true}

// validateGit denies force pushes to protected branches and tree-wide
// git clean -fdx with no pathspec to limit it.
func validateGit(args []string) error {
	if len(args) == 0 {
		return nil
	}
	sub := args[0]
	rest := args[1:]
	switch sub {
	case "push":
		return validateGitPush(rest)
	case "clean":
		return validateGitClean(rest)
	}
	return nil
}

func validateGitPush(args []string) error {
	force := false
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
			break
		}
	}
	if !force {
		return nil
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		ref := a
		if colon := strings.LastIndex(ref, ":"); colon >= 0 {
			ref = ref[colon+1:]
		}
		ref = strings.TrimPrefix(ref, "refs/heads/")
		if protectedBranches[ref] {
			return fmt.Errorf("force push to protected branch %q", ref)
		}
	}
	return nil
}

func validateGitClean(args []string) error {
	var force, dirs, ignored, pathspec bool
	for _, a := range args {
		switch {
		case a == "--force":
			force = true
		case a == "-d":
			dirs = true
		case a == "-x":
			ignored = true
		case strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--"):
			force = force || strings.ContainsRune(a, 'f')
			dirs = dirs || strings.ContainsRune(a, 'd')
			ignored = ignored || strings.ContainsRune(a, 'x')
		case !strings.HasPrefix(a, "-"):
			pathspec = true
		}
	}
	if force && dirs && ignored && !pathspec {
		return fmt.Errorf("git clean -fdx across the whole tree wipes untracked and ignored files")
	}
	return nil
}

// validateChmod denies opening the filesystem root world-writable.
func validateChmod(args []string) error {
	recursive := false
	mode := ""
	target := ""
	for _, a := range args {
		switch {
		case a == "-R" || a == "--recursive":
			recursive = true
		case strings.HasPrefix(a, "-"):
		case mode == "":
			mode = a
		case target == "":
			target = stripQuotes(a)
		}
	}
	if recursive && mode == "777" && target == "/" {
		return fmt.Errorf("recursive world-writable chmod of /")
	}
	return nil
}
