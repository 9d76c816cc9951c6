// Package config provides configuration loading, validation, and management for conductor.
//
// The package keeps a single global Config instance guarded by a mutex. GetConfig
// returns the config by value so callers cannot mutate shared state; all writes go
// through LoadConfig or the Update* functions, which validate and persist atomically.
//
// Configuration is split into three layers:
//
//   - Project config: per-project settings saved to .conductor/config.json
//     (schema-versioned; unparseable files are never overwritten).
//   - Overrides: optional conductor.yaml at the project root for security-profile
//     and role-capability customization. Loaded read-only, never written back.
//   - Constants: algorithm parameters (QA loop bounds, retry ceilings) that are
//     not user-configurable.
//
// Model pricing and provider mappings are hardcoded in KnownModels and
// ProviderPatterns; new models work without code changes via pattern inference
// or an explicit "provider:model" identifier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// Exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama, ...)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// Optional - unknown models are inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},

	// OpenAI models
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o4-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// Google Gemini models
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
	"gemini-3-pro-preview": {
		Provider:         ProviderGoogle,
		InputCPM:         2.0,
		OutputCPM:        12.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ModelShorthands maps short aliases (accepted anywhere a model identifier is)
// to full model names. Session configs may carry either form.
//
//nolint:gochecknoglobals // Intentional global for static alias table
var ModelShorthands = map[string]string{
	"sonnet": ModelClaudeSonnet,
	"opus":   ModelClaudeOpus,
	"gpt":    ModelGPT5,
	"mini":   ModelO4Mini,
	"gemini": ModelGemini3Pro,
	"flash":  ModelGemini25Flash,
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes. An explicit "provider:" prefix
// (e.g. "groq:llama-3.3-70b", "ollama:phi4") always wins over pattern matching.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"grok", ProviderXAI},
	{"mistral", ProviderMistral},
	// Common open-source model prefixes served by local Ollama
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// ResolveModel expands a shorthand alias to a full model name, applying any
// conductor.yaml shorthand overrides first. Unknown identifiers pass through
// unchanged so new models can be used directly.
func ResolveModel(nameOrAlias string) string {
	mu.RLock()
	if config != nil && config.Overrides != nil && config.Overrides.Models != nil {
		if full, ok := config.Overrides.Models.Shorthands[nameOrAlias]; ok && full != "" {
			mu.RUnlock()
			return full
		}
	}
	mu.RUnlock()

	if full, ok := ModelShorthands[nameOrAlias]; ok {
		return full
	}
	return nameOrAlias
}

// splitProviderPrefix splits an explicit "provider:model" identifier.
// Returns empty provider when the prefix is not a recognized provider name.
func splitProviderPrefix(modelName string) (provider, bare string) {
	idx := strings.Index(modelName, ":")
	if idx <= 0 {
		return "", modelName
	}
	prefix := modelName[:idx]
	switch prefix {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama,
		ProviderAzure, ProviderMistral, ProviderGroq, ProviderXAI:
		return prefix, modelName[idx+1:]
	default:
		return "", modelName
	}
}

// GetModelProvider returns the API provider for a given model.
// Order: explicit "provider:" prefix, KnownModels, then pattern matching.
// Returns error if the model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	if provider, _ := splitProviderPrefix(modelName); provider != "" {
		return provider, nil
	}

	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// BareModelName strips an explicit "provider:" prefix, returning the model
// identifier to send on the wire.
func BareModelName(modelName string) string {
	_, bare := splitProviderPrefix(modelName)
	return bare
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or defaults with an
// inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	_, bare := splitProviderPrefix(modelName)
	if info, exists := KnownModels[bare]; exists {
		return info, true
	}

	provider, err := GetModelProvider(modelName)
	if err != nil {
		provider = ""
	}

	// Conservative defaults for unknown models; no cost tracking.
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,
		OutputCPM:        0.0,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// RetryConfig bounds the retry middleware. Backoff schedules are built in per
// error class (rate limits wait out the bucket refill, transient faults retry
// quickly); these knobs cap the schedules rather than replace them.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"` // Cap on attempts per request across all error classes (0 = per-class defaults)
	MaxDelay    time.Duration `json:"max_delay"`    // Cap on any single backoff delay (0 = per-class defaults)
}

// CircuitBreakerConfig defines configuration for circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Failures before opening circuit
	SuccessThreshold int           `json:"success_threshold"` // Successes to close circuit from half-open
	Timeout          time.Duration `json:"timeout"`           // Wait before trying half-open
}

// ProviderLimits defines rate limiting configuration for a specific API provider.
// User-configurable; overridable in config.json.
type ProviderLimits struct {
	TokensPerMinute int     `json:"tokens_per_minute"` // Rate limit in tokens per minute
	MaxConcurrency  int     `json:"max_concurrency"`   // Maximum concurrent requests
	DailyBudgetUSD  float64 `json:"daily_budget_usd"`  // Daily spend ceiling (0 = unlimited)
}

// RateLimitConfig defines rate limiting configuration grouped by API provider.
// OpenAI-compatible providers (azure, mistral, groq, xai) share the OpenAI bucket.
type RateLimitConfig struct {
	Anthropic ProviderLimits `json:"anthropic"`
	OpenAI    ProviderLimits `json:"openai"`
	Google    ProviderLimits `json:"google"`
	Ollama    ProviderLimits `json:"ollama"`
}

// LimitsFor returns the limits bucket for a provider. OpenAI-compatible
// providers map to the OpenAI bucket.
func (r *RateLimitConfig) LimitsFor(provider string) ProviderLimits {
	switch RateLimitBucket(provider) {
	case ProviderAnthropic:
		return r.Anthropic
	case ProviderGoogle:
		return r.Google
	case ProviderOllama:
		return r.Ollama
	default:
		return r.OpenAI
	}
}

// RateLimitBucket maps a provider to its rate-limit bucket name.
func RateLimitBucket(provider string) string {
	switch provider {
	case ProviderAnthropic, ProviderGoogle, ProviderOllama:
		return provider
	default:
		// openai plus the openai-compatible providers
		return ProviderOpenAI
	}
}

// ProviderDefaults defines default rate limits for each bucket, used when not
// specified in config.json.
//
//nolint:gochecknoglobals // Intentional global for provider defaults
var ProviderDefaults = map[string]ProviderLimits{
	ProviderAnthropic: {
		TokensPerMinute: 300000,
		MaxConcurrency:  5,
		DailyBudgetUSD:  200.0,
	},
	ProviderOpenAI: {
		TokensPerMinute: 150000,
		MaxConcurrency:  5,
		DailyBudgetUSD:  120.0,
	},
	ProviderGoogle: {
		// Must exceed MaxContextTokens/0.9 for Gemini models (1M context)
		TokensPerMinute: 1200000,
		MaxConcurrency:  5,
		DailyBudgetUSD:  100.0,
	},
	ProviderOllama: {
		TokensPerMinute: 1000000, // Effectively unlimited for local inference
		MaxConcurrency:  2,       // Limited by GPU memory
		DailyBudgetUSD:  0,       // Local inference is free
	},
}

// ResilienceConfig bundles all resilience-related middleware configuration.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
	Timeout        time.Duration        `json:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection. Exporter picks
// the recorder; Enabled additionally exposes /metrics on the health server.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Exporter      string `json:"exporter"`       // "prometheus", "internal", or "noop"
	Namespace     string `json:"namespace"`      // Metrics namespace for grouping
	PrometheusURL string `json:"prometheus_url"` // Prometheus server URL for querying metrics
}

// DebugConfig defines configuration for debug logging.
type DebugConfig struct {
	LLMMessages bool `json:"llm_messages"` // Log LLM message formatting (default: false)
}

// LogsConfig contains log file management configuration.
type LogsConfig struct {
	RotationCount int `json:"rotation_count"` // Number of old log files to keep (default: 4)
}

// AgentConfig defines which models to use per phase and session limits.
type AgentConfig struct {
	SpecModel      string           `json:"spec_model"`      // Model for spec-phase roles
	PlanModel      string           `json:"plan_model"`      // Model for planner and complexity assessment
	CodeModel      string           `json:"code_model"`      // Model for coder and fixer roles
	ReviewModel    string           `json:"review_model"`    // Model for QA and PR review roles
	MaxParallel    int              `json:"max_parallel"`    // Fan-out concurrency ceiling (default: 3)
	MaxSteps       int              `json:"max_steps"`       // Default step ceiling per session (0 = per-phase default)
	Metrics        MetricsConfig    `json:"metrics"`         // Metrics collection configuration
	Resilience     ResilienceConfig `json:"resilience"`      // Resilience middleware configuration
	SessionTimeout time.Duration    `json:"session_timeout"` // Global timeout for one session
}

// QAConfig tunes the review loop. Zero values take the built-in defaults.
type QAConfig struct {
	MaxIterations       int     `json:"max_iterations"`       // Review/fix cycles before escalation (default: 50)
	RecurringThreshold  int     `json:"recurring_threshold"`  // Repeats before an issue is recurring (default: 3)
	SimilarityThreshold float64 `json:"similarity_threshold"` // Jaccard similarity for issue matching (default: 0.8)
}

// GitConfig contains git repository settings for the project.
type GitConfig struct {
	TargetBranch string `json:"target_branch"` // Target branch for merges (default: main or $DEFAULT_BRANCH)
}

// ProjectInfo contains basic project metadata.
type ProjectInfo struct {
	Name            string `json:"name"`             // Project name
	PrimaryPlatform string `json:"primary_platform"` // Primary platform (go, node, python, ...)
}

// All constants bundled together for easy maintenance.
const (
	// Project config constants.
	ProjectConfigDir      = ".conductor"
	ProjectConfigFilename = "config.json"
	OverridesFilename     = "conductor.yaml"
	DatabaseFilename      = "conductor.db"
	SchemaVersion         = "1.0"

	// Session and orchestration behavior. Not user-configurable.
	MaxPhaseRetries       = 2               // Retries per pipeline phase before the run fails
	DefaultSubtaskRetries = 3               // Coder attempts per subtask before it is marked failed
	DefaultMaxParallel    = 3               // Fan-out semaphore ceiling for batch flows
	WorkerKillGracePeriod = 2 * time.Second // Grace between abort signal and force kill

	// QA loop bounds.
	DefaultMaxQAIterations          = 50  // Review/fix cycles before escalation
	DefaultRecurringIssueThreshold  = 3   // Identical-issue repeats before escalation
	DefaultIssueSimilarityThreshold = 0.8 // Jaccard similarity treating two issues as the same

	// Git repository defaults.
	DefaultTargetBranch = "main"

	// Model name constants.
	ModelClaudeSonnet  = "claude-sonnet-4-5"
	ModelClaudeOpus    = "claude-opus-4-5"
	ModelGPT5          = "gpt-5"
	ModelGPT4o         = "gpt-4o"
	ModelO3            = "o3"
	ModelO4Mini        = "o4-mini"
	ModelGemini25Flash = "gemini-2.5-flash"
	ModelGemini3Pro    = "gemini-3-pro-preview"

	// Per-phase model defaults.
	DefaultSpecModel   = ModelClaudeOpus
	DefaultPlanModel   = ModelGemini3Pro
	DefaultCodeModel   = ModelClaudeSonnet
	DefaultReviewModel = ModelClaudeSonnet

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderAzure     = "azure"
	ProviderMistral   = "mistral"
	ProviderGroq      = "groq"
	ProviderXAI       = "xai"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENERATIVE_AI_API_KEY"
	EnvAzureAPIKey     = "AZURE_OPENAI_API_KEY"
	EnvMistralAPIKey   = "MISTRAL_API_KEY"
	EnvGroqAPIKey      = "GROQ_API_KEY"
	EnvXAIAPIKey       = "XAI_API_KEY"

	// Endpoint environment variable names.
	EnvAnthropicBaseURL = "ANTHROPIC_BASE_URL"
	EnvOpenAIBaseURL    = "OPENAI_BASE_URL"
	EnvAzureEndpoint    = "AZURE_OPENAI_ENDPOINT"
	EnvOllamaHost       = "OLLAMA_HOST"
	EnvDefaultBranch    = "DEFAULT_BRANCH"

	// Default endpoints for OpenAI-compatible providers.
	DefaultMistralBaseURL = "https://api.mistral.ai/v1"
	DefaultGroqBaseURL    = "https://api.groq.com/openai/v1"
	DefaultXAIBaseURL     = "https://api.x.ai/v1"
	DefaultOllamaHost     = "http://localhost:11434"
)

// Config represents the main configuration for the conductor system.
//
// This structure contains only user-configurable project settings. Model
// pricing, provider mappings, and algorithm constants are hardcoded above.
// Schema versioning prevents breaking changes - increment SchemaVersion for
// any structural change.
type Config struct {
	SchemaVersion string `json:"schema_version"` // MUST increment for breaking changes

	Project *ProjectInfo `json:"project"` // Basic project metadata
	Agents  *AgentConfig `json:"agents"`  // Models per phase and session limits
	Git     *GitConfig   `json:"git"`     // Git repository settings
	QA      *QAConfig    `json:"qa"`      // Review loop tuning
	Logs    *LogsConfig  `json:"logs"`    // Log file management
	Debug   *DebugConfig `json:"debug"`   // Debug settings

	// === RUNTIME-ONLY STATE (NOT PERSISTED) ===
	RunID     string     `json:"-"` // Current run UUID (generated at startup or restored for resume)
	Overrides *Overrides `json:"-"` // conductor.yaml overrides, loaded read-only
}

// GetProjectConductorDir returns the path to the .conductor directory.
// Must call LoadConfig first to initialize projectDir.
func GetProjectConductorDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the current project directory.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// MustGetProjectDir returns the current project directory or panics if not
// initialized. Use only where LoadConfig is guaranteed to have been called.
func MustGetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		panic("config not initialized - call LoadConfig first")
	}
	return projectDir
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - updates go through the Update* functions.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting installs a config directly, bypassing file loading.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// GetDebugLLMMessages returns whether debug logging for LLM message formatting
// is enabled. False when config is not loaded.
func GetDebugLLMMessages() bool {
	cfg, err := GetConfig()
	if err != nil {
		return false
	}
	if cfg.Debug != nil {
		return cfg.Debug.LLMMessages
	}
	return false
}

// CalculateCost calculates the cost in USD for a given model and token usage.
// Uses separate input and output token pricing from the KnownModels registry.
// Returns 0 cost for unknown models so new models can be used without pricing data.
func CalculateCost(modelName string, promptTokens, completionTokens int) (float64, error) {
	if info, exists := KnownModels[BareModelName(modelName)]; exists {
		inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
		outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
		return inputCost + outputCost, nil
	}
	return 0.0, nil
}

// GetAPIKey returns the API key for a given provider.
// Checks the decrypted secrets file first, then environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderAzure:
		envVar = EnvAzureAPIKey
	case ProviderMistral:
		envVar = EnvMistralAPIKey
	case ProviderGroq:
		envVar = EnvGroqAPIKey
	case ProviderXAI:
		envVar = EnvXAIAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = DefaultOllamaHost
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// GetBaseURL returns the API endpoint override for a provider.
// Empty string means the provider SDK default. Azure requires an explicit
// endpoint; the OpenAI-compatible clouds fall back to their public endpoints.
func GetBaseURL(provider string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv(EnvAnthropicBaseURL), nil
	case ProviderOpenAI:
		return os.Getenv(EnvOpenAIBaseURL), nil
	case ProviderGoogle:
		return "", nil
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = DefaultOllamaHost
		}
		return host, nil
	case ProviderAzure:
		endpoint := os.Getenv(EnvAzureEndpoint)
		if endpoint == "" {
			return "", fmt.Errorf("%s not set: azure provider requires an explicit endpoint", EnvAzureEndpoint)
		}
		return endpoint, nil
	case ProviderMistral:
		return DefaultMistralBaseURL, nil
	case ProviderGroq:
		return DefaultGroqBaseURL, nil
	case ProviderXAI:
		return DefaultXAIBaseURL, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}

// GenerateRunID generates a new UUID run ID for the current conductor run.
// Used for database isolation (filtering all reads/writes by run).
// Must be called after LoadConfig and before any database operations.
func GenerateRunID() error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.RunID = uuid.NewString()
	getLogger().Info("Generated run ID: %s", config.RunID)
	return nil
}

// SetRunID sets a specific run ID (used for resume mode).
func SetRunID(runID string) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.RunID = runID
	getLogger().Info("Restored run ID: %s", runID)
	return nil
}

// GetRunID returns the current run ID, or empty if not generated yet.
func GetRunID() string {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return ""
	}
	return config.RunID
}

// GetSpecModel returns the model for spec-phase sessions.
func GetSpecModel() string {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil || config.Agents == nil || config.Agents.SpecModel == "" {
		return DefaultSpecModel
	}
	return config.Agents.SpecModel
}

// GetPlanModel returns the model for planning sessions.
func GetPlanModel() string {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil || config.Agents == nil || config.Agents.PlanModel == "" {
		return DefaultPlanModel
	}
	return config.Agents.PlanModel
}

// GetCodeModel returns the model for coding sessions.
func GetCodeModel() string {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil || config.Agents == nil || config.Agents.CodeModel == "" {
		return DefaultCodeModel
	}
	return config.Agents.CodeModel
}

// GetReviewModel returns the model for QA and PR review sessions.
func GetReviewModel() string {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil || config.Agents == nil || config.Agents.ReviewModel == "" {
		return DefaultReviewModel
	}
	return config.Agents.ReviewModel
}

// GetMaxParallel returns the fan-out concurrency ceiling for batch flows.
func GetMaxParallel() int {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil || config.Agents == nil || config.Agents.MaxParallel <= 0 {
		return DefaultMaxParallel
	}
	return config.Agents.MaxParallel
}

// GetTargetBranch returns the merge target branch.
// Precedence: config, $DEFAULT_BRANCH, then "main".
func GetTargetBranch() string {
	mu.RLock()
	defer mu.RUnlock()
	if config != nil && config.Git != nil && config.Git.TargetBranch != "" {
		return config.Git.TargetBranch
	}
	if branch := os.Getenv(EnvDefaultBranch); branch != "" {
		return branch
	}
	return DefaultTargetBranch
}

// RateLimitBufferFactor is the safety margin applied to rate limit buckets.
// The effective bucket capacity is TokensPerMinute * RateLimitBufferFactor.
// This accounts for token estimation inaccuracies (tiktoken vs actual).
const RateLimitBufferFactor = 0.9

// validateRateLimitCapacity checks that rate limits are sufficient for model
// context sizes. If a model's MaxContextTokens exceeds the effective bucket
// capacity, requests could starve forever; warn about such configurations.
func validateRateLimitCapacity(cfg *Config) {
	if cfg == nil || cfg.Agents == nil {
		return
	}

	providerTPM := map[string]int{
		ProviderAnthropic: cfg.Agents.Resilience.RateLimit.Anthropic.TokensPerMinute,
		ProviderOpenAI:    cfg.Agents.Resilience.RateLimit.OpenAI.TokensPerMinute,
		ProviderGoogle:    cfg.Agents.Resilience.RateLimit.Google.TokensPerMinute,
		ProviderOllama:    cfg.Agents.Resilience.RateLimit.Ollama.TokensPerMinute,
	}

	for modelName := range KnownModels {
		modelInfo := KnownModels[modelName]
		tpm := providerTPM[RateLimitBucket(modelInfo.Provider)]
		if tpm == 0 {
			continue
		}

		effectiveCapacity := int(float64(tpm) * RateLimitBufferFactor)
		if modelInfo.MaxContextTokens > effectiveCapacity {
			logx.Warnf("CONFIG: Model %s has MaxContextTokens (%d) > effective rate limit capacity (%d = %d * %.1f). "+
				"Large contexts may starve. Consider increasing %s tokens_per_minute to at least %d.",
				modelName,
				modelInfo.MaxContextTokens,
				effectiveCapacity,
				tpm,
				RateLimitBufferFactor,
				modelInfo.Provider,
				int(float64(modelInfo.MaxContextTokens)/RateLimitBufferFactor)+1,
			)
		}
	}
}
