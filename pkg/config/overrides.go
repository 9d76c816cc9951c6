package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides holds the optional conductor.yaml at the project root. It tunes
// the security profile and role capabilities without touching config.json,
// so it can be committed to the repository and shared by a team.
//
// Example:
//
//	security:
//	  allow_commands: [cargo, rustup]
//	  deny_commands: [terraform]
//	  allow_env: [CARGO_HOME]
//	roles:
//	  coder:
//	    extra_tools: [web_fetch]
//	models:
//	  shorthands:
//	    fast: gemini-2.5-flash
type Overrides struct {
	Security *SecurityOverrides      `yaml:"security"`
	Roles    map[string]RoleOverride `yaml:"roles"`
	Models   *ModelOverrides         `yaml:"models"`
}

// SecurityOverrides widens or narrows the built-in command security profile.
// Deny always wins over allow.
type SecurityOverrides struct {
	AllowCommands []string `yaml:"allow_commands"` // Extra binaries sessions may run
	DenyCommands  []string `yaml:"deny_commands"`  // Binaries to refuse even if allowed elsewhere
	AllowEnv      []string `yaml:"allow_env"`      // Extra env var names visible to shell tools
	WritableRoots []string `yaml:"writable_roots"` // Extra directories write tools may touch
}

// RoleOverride adjusts the tool capabilities of a single agent role.
type RoleOverride struct {
	ExtraTools []string `yaml:"extra_tools"` // Tool names to add to the role
	DropTools  []string `yaml:"drop_tools"`  // Tool names to remove from the role
}

// ModelOverrides extends the built-in model shorthand table.
type ModelOverrides struct {
	Shorthands map[string]string `yaml:"shorthands"`
}

// loadOverrides reads conductor.yaml if present. Missing file returns nil
// overrides; a broken file is an error (silent misconfiguration of the
// security profile would be worse than failing startup).
func loadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}

	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("failed to parse overrides YAML: %w", err)
	}

	if ov.Roles != nil {
		for role, ro := range ov.Roles {
			if len(ro.ExtraTools) == 0 && len(ro.DropTools) == 0 {
				return nil, fmt.Errorf("roles.%s: must set extra_tools or drop_tools", role)
			}
		}
	}

	return &ov, nil
}

// GetOverrides returns the loaded conductor.yaml overrides, or nil when the
// file was absent or config is not loaded.
func GetOverrides() *Overrides {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return nil
	}
	return config.Overrides
}

// SetOverridesForTesting installs overrides directly, bypassing file loading.
func SetOverridesForTesting(ov *Overrides) {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		config = &Config{}
	}
	config.Overrides = ov
}
