package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoadConfig loads the entire configuration from <projectDir>/.conductor/config.json
// into the global singleton, then layers conductor.yaml overrides on top.
//
// Behavior:
// - Missing file: creates a new config with defaults and saves it
// - Existing file: loads and validates, applying defaults for missing fields
// - Unparseable file: returns error to avoid overwriting user changes
//
// A .env file at the project root is loaded first (best effort) so API keys
// and endpoint overrides are visible to later env lookups.
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir

	// Best effort: missing .env is the common case
	_ = godotenv.Load(filepath.Join(projectDir, ".env"))

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		getLogger().Info("Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
	} else {
		getLogger().Info("Loading config from %s", configPath)
		loadedConfig, err := loadConfigFromFile(configPath)
		if err != nil {
			return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
		}

		applyDefaults(loadedConfig)
		if err := validateConfig(loadedConfig); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}

		config = loadedConfig

		// Save back with applied defaults so old configs get updated
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save config with applied defaults: %w", err)
		}
	}

	// conductor.yaml is optional and read-only
	overrides, err := loadOverrides(filepath.Join(projectDir, OverridesFilename))
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", OverridesFilename, err)
	}
	config.Overrides = overrides

	getLogger().Info("Config loaded and validated successfully")
	return nil
}

// UpdateAgents updates the agent configuration and persists to disk.
func UpdateAgents(agents *AgentConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	oldAgents := config.Agents
	config.Agents = agents

	if err := validateAgentConfigLocked(agents); err != nil {
		config.Agents = oldAgents
		return err
	}

	return saveConfigLocked()
}

// UpdateProject updates the project information and persists to disk.
func UpdateProject(project *ProjectInfo) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.Project = project
	return saveConfigLocked()
}

// UpdateGit updates the git configuration and persists to disk.
func UpdateGit(git *GitConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	if git.TargetBranch == "" {
		git.TargetBranch = DefaultTargetBranch
	}
	config.Git = git
	return saveConfigLocked()
}

// loadConfigFromFile loads a config file and parses JSON.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &cfg, nil
}

// SaveConfig saves config to <projectDir>/.conductor/config.json.
func SaveConfig(cfg *Config, dir string) error {
	configPath := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return SaveConfig(config, projectDir)
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	cfg := &Config{
		SchemaVersion: SchemaVersion,
		Project:       &ProjectInfo{},
		Agents:        &AgentConfig{},
		Git:           &GitConfig{},
		QA:            &QAConfig{},
		Logs:          &LogsConfig{},
		Debug:         &DebugConfig{},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	// Initialize sections if nil
	if cfg.Project == nil {
		cfg.Project = &ProjectInfo{}
	}
	if cfg.Agents == nil {
		cfg.Agents = &AgentConfig{}
	}
	if cfg.Git == nil {
		cfg.Git = &GitConfig{}
	}
	if cfg.QA == nil {
		cfg.QA = &QAConfig{}
	}
	if cfg.Logs == nil {
		cfg.Logs = &LogsConfig{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &DebugConfig{}
	}

	// Apply agent defaults
	if cfg.Agents.SpecModel == "" {
		cfg.Agents.SpecModel = DefaultSpecModel
	}
	if cfg.Agents.PlanModel == "" {
		cfg.Agents.PlanModel = DefaultPlanModel
	}
	if cfg.Agents.CodeModel == "" {
		cfg.Agents.CodeModel = DefaultCodeModel
	}
	if cfg.Agents.ReviewModel == "" {
		cfg.Agents.ReviewModel = DefaultReviewModel
	}
	if cfg.Agents.MaxParallel == 0 {
		cfg.Agents.MaxParallel = DefaultMaxParallel
	}
	if cfg.Agents.SessionTimeout == 0 {
		cfg.Agents.SessionTimeout = 30 * time.Minute
	}

	// Apply metrics defaults
	// In-memory metrics power the status surface; Enabled additionally
	// exposes /metrics on the health server.
	if cfg.Agents.Metrics.Exporter == "" {
		cfg.Agents.Metrics.Exporter = "internal"
	}
	if cfg.Agents.Metrics.Namespace == "" {
		cfg.Agents.Metrics.Namespace = "conductor"
	}

	// Apply resilience defaults
	if cfg.Agents.Resilience.CircuitBreaker.FailureThreshold == 0 {
		cfg.Agents.Resilience.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.Agents.Resilience.CircuitBreaker.SuccessThreshold == 0 {
		cfg.Agents.Resilience.CircuitBreaker.SuccessThreshold = 3
	}
	if cfg.Agents.Resilience.CircuitBreaker.Timeout == 0 {
		cfg.Agents.Resilience.CircuitBreaker.Timeout = 30 * time.Second
	}

	// Retry bounds stay zero unless configured: zero means the per-error-class
	// backoff schedules run uncapped.

	// Apply rate limit defaults from ProviderDefaults
	if cfg.Agents.Resilience.RateLimit.Anthropic.TokensPerMinute == 0 {
		cfg.Agents.Resilience.RateLimit.Anthropic = ProviderDefaults[ProviderAnthropic]
	}
	if cfg.Agents.Resilience.RateLimit.OpenAI.TokensPerMinute == 0 {
		cfg.Agents.Resilience.RateLimit.OpenAI = ProviderDefaults[ProviderOpenAI]
	}
	if cfg.Agents.Resilience.RateLimit.Google.TokensPerMinute == 0 {
		cfg.Agents.Resilience.RateLimit.Google = ProviderDefaults[ProviderGoogle]
	}
	if cfg.Agents.Resilience.RateLimit.Ollama.TokensPerMinute == 0 {
		cfg.Agents.Resilience.RateLimit.Ollama = ProviderDefaults[ProviderOllama]
	}

	validateRateLimitCapacity(cfg)

	if cfg.Agents.Resilience.Timeout == 0 {
		cfg.Agents.Resilience.Timeout = 3 * time.Minute // Reasoning models need headroom
	}

	// Apply QA defaults
	if cfg.QA.MaxIterations == 0 {
		cfg.QA.MaxIterations = DefaultMaxQAIterations
	}
	if cfg.QA.RecurringThreshold == 0 {
		cfg.QA.RecurringThreshold = DefaultRecurringIssueThreshold
	}
	if cfg.QA.SimilarityThreshold == 0 {
		cfg.QA.SimilarityThreshold = DefaultIssueSimilarityThreshold
	}

	// Apply git defaults; $DEFAULT_BRANCH wins over the hardcoded fallback
	if cfg.Git.TargetBranch == "" {
		if branch := os.Getenv(EnvDefaultBranch); branch != "" {
			cfg.Git.TargetBranch = branch
		} else {
			cfg.Git.TargetBranch = DefaultTargetBranch
		}
	}

	// Apply logs defaults
	if cfg.Logs.RotationCount == 0 {
		cfg.Logs.RotationCount = 4
	}
}

// validateAgentConfigLocked validates the agent section. Caller holds mu.
func validateAgentConfigLocked(agents *AgentConfig) error {
	if agents.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	if agents.MaxSteps < 0 {
		return fmt.Errorf("max_steps must not be negative")
	}

	// Every configured model must map to a provider
	for _, m := range []struct{ field, model string }{
		{"spec_model", agents.SpecModel},
		{"plan_model", agents.PlanModel},
		{"code_model", agents.CodeModel},
		{"review_model", agents.ReviewModel},
	} {
		if m.model == "" {
			continue
		}
		if _, err := GetModelProvider(ResolveModel(m.model)); err != nil {
			return fmt.Errorf("%s '%s': %w", m.field, m.model, err)
		}
	}

	return nil
}

// validateConfig performs structural validation only. Credential checks happen
// at client construction so offline commands (status, report) still work.
func validateConfig(cfg *Config) error {
	if cfg.Agents != nil {
		if err := validateAgentConfigLocked(cfg.Agents); err != nil {
			return fmt.Errorf("agent config validation failed: %w", err)
		}
	}

	if cfg.QA != nil {
		if cfg.QA.MaxIterations < 0 {
			return fmt.Errorf("qa max_iterations must not be negative")
		}
		if cfg.QA.SimilarityThreshold < 0 || cfg.QA.SimilarityThreshold > 1 {
			return fmt.Errorf("qa similarity_threshold must be between 0 and 1 (got %v)", cfg.QA.SimilarityThreshold)
		}
	}

	return nil
}
