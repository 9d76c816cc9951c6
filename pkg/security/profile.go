// Package security gates shell commands before they execute. Sessions run
// model-chosen commands on the host, so every shell tool call passes through
// CheckToolCall first: the command is split into segments, each segment's head
// command must be in the profile's allowed union, and argument validators veto
// dangerous invocations of otherwise-allowed commands.
//
// A denial is terminal for the tool call only. The call resolves as an error
// result carrying the reason, and the session continues.
package security

import (
	"encoding/json"
	"sort"
)

// Profile is the set of commands a session may run. Four sets compose the
// allowed union: base utilities, the project stack's toolchain, script
// interpreters, and custom additions from conductor.yaml. Scripts lists the
// project script basenames that may be invoked by path. Deny wins over every
// allow set.
type Profile struct {
	base    map[string]bool
	stack   map[string]bool
	script  map[string]bool
	custom  map[string]bool
	scripts map[string]bool
	deny    map[string]bool
}

// profileJSON is the wire form: sorted lists, reconstructed as sets. The
// profile crosses the worker process boundary this way.
type profileJSON struct {
	Base    []string `json:"base,omitempty"`
	Stack   []string `json:"stack,omitempty"`
	Script  []string `json:"script,omitempty"`
	Custom  []string `json:"custom,omitempty"`
	Scripts []string `json:"scripts,omitempty"`
	Deny    []string `json:"deny,omitempty"`
}

// NewProfile builds a profile from command lists. Nil lists are empty sets.
func NewProfile(base, stack, script, custom, scripts []string) *Profile {
	return &Profile{
		base:    toSet(base),
		stack:   toSet(stack),
		script:  toSet(script),
		custom:  toSet(custom),
		scripts: toSet(scripts),
		deny:    map[string]bool{},
	}
}

// Allowed reports whether a head command is in the allowed union.
func (p *Profile) Allowed(command string) bool {
	if p == nil {
		return false
	}
	if p.deny[command] {
		return false
	}
	return p.base[command] || p.stack[command] || p.script[command] || p.custom[command]
}

// AllowedScript reports whether a script basename may be invoked by path.
func (p *Profile) AllowedScript(basename string) bool {
	if p == nil {
		return false
	}
	if p.deny[basename] {
		return false
	}
	return p.scripts[basename]
}

// AddCustom widens the profile with extra commands (conductor.yaml
// allow_commands).
func (p *Profile) AddCustom(commands ...string) {
	for _, c := range commands {
		if c != "" {
			p.custom[c] = true
		}
	}
}

// AddDeny narrows the profile (conductor.yaml deny_commands). Deny wins over
// every allow set.
func (p *Profile) AddDeny(commands ...string) {
	for _, c := range commands {
		if c != "" {
			p.deny[c] = true
		}
	}
}

// AddScripts registers project script basenames runnable by path.
func (p *Profile) AddScripts(names ...string) {
	for _, n := range names {
		if n != "" {
			p.scripts[n] = true
		}
	}
}

// MarshalJSON serializes the sets as sorted lists.
func (p *Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileJSON{ //nolint:wrapcheck // plain json passthrough
		Base:    toSorted(p.base),
		Stack:   toSorted(p.stack),
		Script:  toSorted(p.script),
		Custom:  toSorted(p.custom),
		Scripts: toSorted(p.scripts),
		Deny:    toSorted(p.deny),
	})
}

// UnmarshalJSON reconstructs the sets from the list form.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var wire profileJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err //nolint:wrapcheck // plain json passthrough
	}
	p.base = toSet(wire.Base)
	p.stack = toSet(wire.Stack)
	p.script = toSet(wire.Script)
	p.custom = toSet(wire.Custom)
	p.scripts = toSet(wire.Scripts)
	p.deny = toSet(wire.Deny)
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = true
		}
	}
	return set
}

func toSorted(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	items := make([]string, 0, len(set))
	for item := range set {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// baseCommands is the platform-independent utility set every profile starts
// from.
//
//nolint:gochecknoglobals // Static command table
var baseCommands = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "wc", "pwd", "echo",
	"date", "sed", "awk", "cut", "sort", "uniq", "tr", "xargs", "dirname",
	"basename", "mkdir", "cp", "mv", "touch", "rm", "chmod", "ln", "diff",
	"patch", "tar", "gzip", "gunzip", "zip", "unzip", "curl", "wget", "which",
	"env", "printf", "test", "true", "false", "sleep", "kill", "pkill",
	"killall", "ps", "git", "sh", "bash",
}

// stackCommands maps a project platform to its toolchain commands.
//
//nolint:gochecknoglobals // Static command table
var stackCommands = map[string][]string{
	"go": {
		"go", "gofmt", "goimports", "gopls", "golangci-lint", "staticcheck",
		"dlv", "make",
	},
	"node": {
		"node", "npm", "npx", "yarn", "pnpm", "bun", "deno", "tsc", "jest",
		"vite", "webpack", "eslint", "prettier", "make",
	},
	"python": {
		"python", "python3", "pip", "pip3", "uv", "poetry", "pytest", "ruff",
		"mypy", "black", "flask", "uvicorn", "gunicorn", "make",
	},
	"rust": {
		"cargo", "rustc", "rustfmt", "clippy-driver", "make",
	},
	"java": {
		"java", "javac", "mvn", "gradle", "make",
	},
	"dotnet": {
		"dotnet", "make",
	},
	"ruby": {
		"ruby", "gem", "bundle", "rake", "rails", "make",
	},
}

// scriptInterpreters may run project scripts handed to them as arguments.
//
//nolint:gochecknoglobals // Static command table
var scriptInterpreters = []string{"sh", "bash", "zsh"}

// DefaultProfile builds the profile for a project platform. Unknown platforms
// get the base utilities and script interpreters only.
func DefaultProfile(platform string) *Profile {
	return NewProfile(baseCommands, stackCommands[platform], scriptInterpreters, nil, nil)
}
