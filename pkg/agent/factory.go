package agent

import (
	"fmt"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/limiter"
	"conductor/pkg/llm"
	"conductor/pkg/llm/anthropic"
	"conductor/pkg/llm/google"
	"conductor/pkg/llm/middleware/metrics"
	"conductor/pkg/llm/middleware/resilience/circuit"
	"conductor/pkg/llm/middleware/resilience/ratelimit"
	"conductor/pkg/llm/middleware/resilience/retry"
	"conductor/pkg/llm/middleware/resilience/timeout"
	"conductor/pkg/llm/ollama"
	"conductor/pkg/llm/openai"
	"conductor/pkg/logx"
)

const defaultRequestTimeout = 3 * time.Minute

// ClientFactory creates LLM clients with properly configured middleware
// chains. One factory per process: the circuit breakers and the rate limiter
// are shared by every client it builds, so provider health and capacity are
// judged across all concurrent sessions.
type ClientFactory struct {
	recorder       metrics.Recorder
	breakers       map[string]circuit.Breaker // per-provider circuit breakers
	limiter        *limiter.Limiter
	requestTimeout time.Duration
	retryBounds    config.RetryConfig
}

// NewClientFactory creates a client factory from the loaded configuration.
func NewClientFactory(cfg *config.Config) *ClientFactory {
	circuitCfg := circuit.DefaultConfig
	requestTimeout := defaultRequestTimeout
	var retryBounds config.RetryConfig
	var metricsCfg config.MetricsConfig

	if cfg != nil && cfg.Agents != nil {
		if cb := cfg.Agents.Resilience.CircuitBreaker; cb.FailureThreshold > 0 {
			circuitCfg = circuit.Config{
				FailureThreshold: cb.FailureThreshold,
				SuccessThreshold: cb.SuccessThreshold,
				Timeout:          cb.Timeout,
			}
		}
		if cfg.Agents.Resilience.Timeout > 0 {
			requestTimeout = cfg.Agents.Resilience.Timeout
		}
		retryBounds = cfg.Agents.Resilience.Retry
		metricsCfg = cfg.Agents.Metrics
	}

	breakers := make(map[string]circuit.Breaker)
	for _, provider := range []string{
		config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle,
		config.ProviderOllama, config.ProviderAzure, config.ProviderMistral,
		config.ProviderGroq, config.ProviderXAI,
	} {
		breakers[provider] = circuit.New(circuitCfg)
	}

	return &ClientFactory{
		recorder:       recorderFor(metricsCfg.Exporter),
		breakers:       breakers,
		limiter:        limiter.NewLimiter(cfg),
		requestTimeout: requestTimeout,
		retryBounds:    retryBounds,
	}
}

// recorderFor maps the configured exporter to a recorder implementation.
func recorderFor(exporter string) metrics.Recorder {
	switch exporter {
	case "prometheus":
		return metrics.NewPrometheusRecorder()
	case "internal":
		return metrics.NewInternalRecorder()
	default:
		return metrics.Nop()
	}
}

// ModelForPhase returns the configured model for a lifecycle phase.
func ModelForPhase(phase Phase) string {
	switch phase {
	case PhaseSpec:
		return config.GetSpecModel()
	case PhasePlanning:
		return config.GetPlanModel()
	case PhaseQA:
		return config.GetReviewModel()
	default:
		return config.GetCodeModel()
	}
}

// ClientForSession builds the full-chain client for a session. The session ID
// should already be assigned so metrics are labeled; coding-phase sessions get
// the deterministic temperature.
func (f *ClientFactory) ClientForSession(sc *SessionConfig, logger *logx.Logger) (llm.Client, error) {
	temperature := float32(llm.TemperatureDefault)
	if sc.Phase == PhaseCoding {
		temperature = llm.TemperatureDeterministic
	}
	info := metrics.StaticSessionInfo{
		ID:        sc.SessionID,
		RoleName:  sc.Role.String(),
		PhaseName: sc.Phase.String(),
	}
	return f.buildClient(config.ResolveModel(sc.ModelID), temperature, info, logger)
}

// ClientForModel builds a full-chain client outside any session, for one-shot
// queries.
func (f *ClientFactory) ClientForModel(modelID string, info metrics.SessionInfo, logger *logx.Logger) (llm.Client, error) {
	if info == nil {
		info = metrics.StaticSessionInfo{}
	}
	return f.buildClient(config.ResolveModel(modelID), llm.TemperatureDefault, info, logger)
}

// buildClient constructs the raw provider client and wraps it in the
// middleware chain: Metrics -> CircuitBreaker -> Retry -> RateLimit ->
// Timeout -> RawClient.
func (f *ClientFactory) buildClient(modelID string, temperature float32, info metrics.SessionInfo, logger *logx.Logger) (llm.Client, error) {
	provider, err := config.GetModelProvider(modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelID, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	baseURL, err := config.GetBaseURL(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint for provider %s: %w", provider, err)
	}

	modelInfo, _ := config.GetModelInfo(modelID)
	clientCfg := llm.Config{
		APIKey:           apiKey,
		BaseURL:          baseURL,
		ModelName:        config.BareModelName(modelID),
		MaxTokens:        modelInfo.MaxOutputTokens,
		Temperature:      temperature,
		MaxContextTokens: modelInfo.MaxContextTokens,
		MaxOutputTokens:  modelInfo.MaxOutputTokens,
	}

	var rawClient llm.Client
	switch provider {
	case config.ProviderAnthropic:
		rawClient, err = anthropic.New(clientCfg)
	case config.ProviderGoogle:
		rawClient, err = google.New(clientCfg)
	case config.ProviderOllama:
		rawClient, err = ollama.New(clientCfg)
	default:
		// openai and the openai-compatible clouds (azure, mistral, groq, xai)
		rawClient, err = openai.New(clientCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s client: %w", provider, err)
	}

	breaker, exists := f.breakers[provider]
	if !exists {
		return nil, fmt.Errorf("no circuit breaker found for provider %s", provider)
	}

	policy := retry.NewPolicy(nil)
	if f.retryBounds.MaxAttempts > 0 {
		policy.MaxRetriesCap = f.retryBounds.MaxAttempts - 1
	}
	policy.MaxDelayCap = f.retryBounds.MaxDelay

	client := llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, info, logger),
		circuit.Middleware(breaker),
		retry.Middleware(policy),
		ratelimit.Middleware(f.limiter, nil, f.recorder),
		timeout.Middleware(f.requestTimeout),
	)

	return client, nil
}

// Recorder exposes the factory's metrics recorder for the status surface.
func (f *ClientFactory) Recorder() metrics.Recorder {
	return f.recorder
}

// Limiter exposes the shared rate limiter for status snapshots.
func (f *ClientFactory) Limiter() *limiter.Limiter {
	return f.limiter
}

// Close releases the factory's shared resources.
func (f *ClientFactory) Close() {
	f.limiter.Close()
}
