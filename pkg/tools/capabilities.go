package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
)

// External capability names. Externals are not tools themselves; ForRole
// resolves them to tool names against the project.
const (
	ExternalBrowser = "browser"

	// Browser capability resolutions. The tools themselves are registered
	// by the embedding application when browser automation is available.
	ToolBrowserElectron  = "browser_electron"
	ToolBrowserPuppeteer = "browser_puppeteer"
)

// Capabilities is what a role may do: its tool names, external capabilities
// resolved per project, and the reasoning budget its sessions request.
type Capabilities struct {
	Tools    []string
	External []string
	Thinking llm.ThinkingLevel
}

var readTools = []string{ToolReadFile, ToolListFiles, ToolGlob, ToolGrep}

func withTools(base []string, extra ...string) []string {
	return append(append([]string(nil), base...), extra...)
}

// roleCapabilities is the single source of truth for what each role may do.
// conductor.yaml role overrides and the runtime Add/Remove calls adjust it;
// everything else reads through ForRole and ThinkingFor.
//
//nolint:gochecknoglobals // Capability table shared across sessions
var (
	capMu            sync.RWMutex
	roleCapabilities = map[agent.Role]Capabilities{
		// Spec pipeline.
		agent.RoleSpecGatherer:   {Tools: withTools(readTools, ToolWriteFile), Thinking: llm.ThinkingMedium},
		agent.RoleSpecDiscovery:  {Tools: withTools(readTools), Thinking: llm.ThinkingMedium},
		agent.RoleSpecResearcher: {Tools: withTools(readTools, ToolWebFetch), Thinking: llm.ThinkingMedium},
		agent.RoleSpecContext:    {Tools: withTools(readTools), Thinking: llm.ThinkingMedium},
		agent.RoleSpecWriter:     {Tools: withTools(readTools, ToolWriteFile), Thinking: llm.ThinkingHigh},
		agent.RoleSpecCritic:     {Tools: withTools(readTools), Thinking: llm.ThinkingHigh},
		agent.RoleSpecValidation: {Tools: withTools(readTools), Thinking: llm.ThinkingMedium},

		// Build pipeline.
		agent.RolePlanner: {Tools: withTools(readTools, ToolShell, ToolWebFetch, ToolUpdatePlan),
			Thinking: llm.ThinkingHigh},
		agent.RoleCoder: {Tools: withTools(readTools, ToolShell, ToolWriteFile, ToolEditFile,
			ToolWebFetch, ToolUpdatePlan), External: []string{ExternalBrowser},
			Thinking: llm.ThinkingMedium},
		agent.RoleQAReviewer: {Tools: withTools(readTools, ToolShell, ToolSubmitReport),
			External: []string{ExternalBrowser}, Thinking: llm.ThinkingHigh},
		agent.RoleQAFixer: {Tools: withTools(readTools, ToolShell, ToolWriteFile, ToolEditFile),
			Thinking: llm.ThinkingMedium},

		// Supporting roles.
		agent.RoleInsights:           {Tools: withTools(readTools), Thinking: llm.ThinkingLow},
		agent.RoleMergeResolver:      {Thinking: llm.ThinkingHigh},
		agent.RolePRReviewer:         {Tools: withTools(readTools, ToolShell), Thinking: llm.ThinkingMedium},
		agent.RolePRSpecialist:       {Tools: withTools(readTools), Thinking: llm.ThinkingMedium},
		agent.RolePRSynthesizer:      {Thinking: llm.ThinkingMedium},
		agent.RoleCommitWriter:       {Tools: withTools(readTools, ToolShell), Thinking: llm.ThinkingLow},
		agent.RoleIssueTriager:       {Tools: withTools(readTools), Thinking: llm.ThinkingLow},
		agent.RoleIssueAnalyst:       {Tools: withTools(readTools, ToolShell), Thinking: llm.ThinkingMedium},
		agent.RoleMemoryCurator:      {Tools: withTools(readTools, ToolWriteFile), Thinking: llm.ThinkingLow},
		agent.RoleTestRunner:         {Tools: withTools(readTools, ToolShell), Thinking: llm.ThinkingLow},
		agent.RoleDocWriter:          {Tools: withTools(readTools, ToolWriteFile, ToolEditFile), Thinking: llm.ThinkingMedium},
		agent.RoleReleaseWriter:      {Tools: withTools(readTools, ToolShell), Thinking: llm.ThinkingLow},
		agent.RoleComplexityAssessor: {Tools: withTools(readTools, ToolWriteFile), Thinking: llm.ThinkingLow},
	}
)

// CapabilitiesFor returns a copy of a role's capabilities.
func CapabilitiesFor(role agent.Role) (Capabilities, bool) {
	capMu.RLock()
	defer capMu.RUnlock()
	caps, ok := roleCapabilities[role]
	if !ok {
		return Capabilities{}, false
	}
	return Capabilities{
		Tools:    append([]string(nil), caps.Tools...),
		External: append([]string(nil), caps.External...),
		Thinking: caps.Thinking,
	}, true
}

// ThinkingFor returns the reasoning budget a role's sessions request.
func ThinkingFor(role agent.Role) llm.ThinkingLevel {
	capMu.RLock()
	defer capMu.RUnlock()
	return roleCapabilities[role].Thinking
}

// AddRoleTool grants a role an extra tool at runtime.
func AddRoleTool(role agent.Role, name string) {
	capMu.Lock()
	defer capMu.Unlock()
	caps := roleCapabilities[role]
	for _, t := range caps.Tools {
		if t == name {
			return
		}
	}
	caps.Tools = append(append([]string(nil), caps.Tools...), name)
	roleCapabilities[role] = caps
}

// RemoveRoleTool removes a tool from a role at runtime.
func RemoveRoleTool(role agent.Role, name string) {
	capMu.Lock()
	defer capMu.Unlock()
	caps := roleCapabilities[role]
	kept := make([]string, 0, len(caps.Tools))
	for _, t := range caps.Tools {
		if t != name {
			kept = append(kept, t)
		}
	}
	caps.Tools = kept
	roleCapabilities[role] = caps
}

// ForRole builds the tool provider for a role: the capability table's tools,
// plus conductor.yaml extra_tools, minus drop_tools, with external
// capabilities resolved against the project.
func ForRole(role agent.Role, binding Binding) (*Provider, error) {
	caps, ok := CapabilitiesFor(role)
	if !ok {
		return nil, fmt.Errorf("role %q has no capability entry", role)
	}

	names := caps.Tools
	for _, external := range caps.External {
		if resolved := resolveExternal(external, binding); resolved != "" {
			names = append(names, resolved)
		}
	}

	if ov := config.GetOverrides(); ov != nil {
		if roleOv, ok := ov.Roles[role.String()]; ok {
			names = applyRoleOverride(role, names, roleOv, binding.Logger)
		}
	}

	return NewProvider(binding, names)
}

func applyRoleOverride(role agent.Role, names []string, ov config.RoleOverride, logger *logx.Logger) []string {
	for _, extra := range ov.ExtraTools {
		if _, registered := Lookup(extra); !registered {
			warnf(logger, "role %s: extra tool %q is not registered, skipping", role, extra)
			continue
		}
		duplicate := false
		for _, n := range names {
			if n == extra {
				duplicate = true
				break
			}
		}
		if !duplicate {
			names = append(names, extra)
		}
	}
	for _, drop := range ov.DropTools {
		kept := names[:0]
		for _, n := range names {
			if n != drop {
				kept = append(kept, n)
			}
		}
		names = kept
	}
	return names
}

// resolveExternal maps an external capability to a registered tool name, or
// "" when the capability does not apply to this project.
func resolveExternal(capability string, binding Binding) string {
	if capability != ExternalBrowser {
		warnf(binding.Logger, "unknown external capability %q, dropping", capability)
		return ""
	}

	name := detectBrowserTool(binding.Context.ProjectDir)
	if name == "" {
		warnf(binding.Logger, "browser capability requested but neither electron nor puppeteer detected in %s, dropping",
			binding.Context.ProjectDir)
		return ""
	}
	if _, registered := Lookup(name); !registered {
		warnf(binding.Logger, "browser capability resolved to %q but no such tool is registered, dropping", name)
		return ""
	}
	return name
}

// detectBrowserTool inspects package.json for electron or puppeteer.
func detectBrowserTool(projectDir string) string {
	data, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	has := func(name string) bool {
		_, inDeps := pkg.Dependencies[name]
		_, inDev := pkg.DevDependencies[name]
		return inDeps || inDev
	}
	switch {
	case has("electron"):
		return ToolBrowserElectron
	case has("puppeteer"):
		return ToolBrowserPuppeteer
	}
	return ""
}

func warnf(logger *logx.Logger, format string, args ...any) {
	if logger != nil {
		logger.Warn(format, args...)
		return
	}
	logx.Warnf(format, args...)
}
