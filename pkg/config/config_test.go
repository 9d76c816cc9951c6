package config

import (
	"testing"
)

func TestGetModelProvider_KnownModels(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{ModelClaudeSonnet, ProviderAnthropic},
		{ModelClaudeOpus, ProviderAnthropic},
		{ModelGPT5, ProviderOpenAI},
		{ModelO4Mini, ProviderOpenAI},
		{ModelGemini25Flash, ProviderGoogle},
		{ModelGemini3Pro, ProviderGoogle},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider, err := GetModelProvider(tt.model)
			if err != nil {
				t.Fatalf("GetModelProvider(%q) failed: %v", tt.model, err)
			}
			if provider != tt.provider {
				t.Errorf("GetModelProvider(%q) = %q, want %q", tt.model, provider, tt.provider)
			}
		})
	}
}

func TestGetModelProvider_PatternInference(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-next-9", ProviderAnthropic},
		{"gpt-6-turbo", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"gemini-4.0-ultra", ProviderGoogle},
		{"grok-3", ProviderXAI},
		{"mistral-large-latest", ProviderMistral},
		{"llama3.3:70b", ProviderOllama},
		{"qwen2.5-coder:32b", ProviderOllama},
		{"deepseek-r1:14b", ProviderOllama},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider, err := GetModelProvider(tt.model)
			if err != nil {
				t.Fatalf("GetModelProvider(%q) failed: %v", tt.model, err)
			}
			if provider != tt.provider {
				t.Errorf("GetModelProvider(%q) = %q, want %q", tt.model, provider, tt.provider)
			}
		})
	}
}

func TestGetModelProvider_ExplicitPrefix(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"ollama:phi4", ProviderOllama},
		{"groq:llama-3.3-70b-versatile", ProviderGroq},
		{"azure:gpt-4o", ProviderAzure},
		{"xai:some-future-model", ProviderXAI},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			provider, err := GetModelProvider(tt.model)
			if err != nil {
				t.Fatalf("GetModelProvider(%q) failed: %v", tt.model, err)
			}
			if provider != tt.provider {
				t.Errorf("GetModelProvider(%q) = %q, want %q", tt.model, provider, tt.provider)
			}
		})
	}
}

func TestGetModelProvider_Unknown(t *testing.T) {
	if _, err := GetModelProvider("completely-unknown-model"); err == nil {
		t.Error("expected error for unmappable model, got nil")
	}
}

func TestBareModelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ollama:phi4", "phi4"},
		{"groq:llama-3.3-70b", "llama-3.3-70b"},
		{ModelClaudeSonnet, ModelClaudeSonnet},
		{"llama3.3:70b", "llama3.3:70b"}, // tag, not a provider prefix
	}

	for _, tt := range tests {
		if got := BareModelName(tt.in); got != tt.want {
			t.Errorf("BareModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveModel_Shorthands(t *testing.T) {
	SetConfigForTesting(nil)

	tests := []struct {
		alias string
		want  string
	}{
		{"sonnet", ModelClaudeSonnet},
		{"opus", ModelClaudeOpus},
		{"gpt", ModelGPT5},
		{"flash", ModelGemini25Flash},
		{ModelClaudeSonnet, ModelClaudeSonnet}, // full name passes through
		{"something-new", "something-new"},     // unknown passes through
	}

	for _, tt := range tests {
		if got := ResolveModel(tt.alias); got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.alias, got, tt.want)
		}
	}
}

func TestResolveModel_OverrideWins(t *testing.T) {
	SetConfigForTesting(&Config{
		Overrides: &Overrides{
			Models: &ModelOverrides{
				Shorthands: map[string]string{"sonnet": "claude-sonnet-9"},
			},
		},
	})
	defer SetConfigForTesting(nil)

	if got := ResolveModel("sonnet"); got != "claude-sonnet-9" {
		t.Errorf("ResolveModel(sonnet) = %q, want override claude-sonnet-9", got)
	}
}

func TestGetModelInfo_UnknownDefaults(t *testing.T) {
	info, known := GetModelInfo("claude-next-9")
	if known {
		t.Error("expected known=false for unregistered model")
	}
	if info.Provider != ProviderAnthropic {
		t.Errorf("inferred provider = %q, want %q", info.Provider, ProviderAnthropic)
	}
	if info.MaxContextTokens != 32000 {
		t.Errorf("default MaxContextTokens = %d, want 32000", info.MaxContextTokens)
	}
	if info.InputCPM != 0 || info.OutputCPM != 0 {
		t.Error("unknown models must not carry pricing")
	}
}

func TestCalculateCost(t *testing.T) {
	// claude-sonnet-4-5: $3/M input, $15/M output
	cost, err := CalculateCost(ModelClaudeSonnet, 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("CalculateCost failed: %v", err)
	}
	if cost != 18.0 {
		t.Errorf("cost = %v, want 18.0", cost)
	}

	// Unknown models cost nothing
	cost, err = CalculateCost("totally-unknown", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("CalculateCost failed: %v", err)
	}
	if cost != 0 {
		t.Errorf("unknown model cost = %v, want 0", cost)
	}
}

func TestRateLimitBucket(t *testing.T) {
	tests := []struct {
		provider string
		bucket   string
	}{
		{ProviderAnthropic, ProviderAnthropic},
		{ProviderGoogle, ProviderGoogle},
		{ProviderOllama, ProviderOllama},
		{ProviderOpenAI, ProviderOpenAI},
		{ProviderAzure, ProviderOpenAI},
		{ProviderMistral, ProviderOpenAI},
		{ProviderGroq, ProviderOpenAI},
		{ProviderXAI, ProviderOpenAI},
	}

	for _, tt := range tests {
		if got := RateLimitBucket(tt.provider); got != tt.bucket {
			t.Errorf("RateLimitBucket(%q) = %q, want %q", tt.provider, got, tt.bucket)
		}
	}
}

func TestLimitsFor(t *testing.T) {
	rl := RateLimitConfig{
		Anthropic: ProviderLimits{TokensPerMinute: 100},
		OpenAI:    ProviderLimits{TokensPerMinute: 200},
		Google:    ProviderLimits{TokensPerMinute: 300},
		Ollama:    ProviderLimits{TokensPerMinute: 400},
	}

	if got := rl.LimitsFor(ProviderAnthropic).TokensPerMinute; got != 100 {
		t.Errorf("anthropic limits = %d, want 100", got)
	}
	if got := rl.LimitsFor(ProviderGroq).TokensPerMinute; got != 200 {
		t.Errorf("groq shares openai bucket, got %d, want 200", got)
	}
	if got := rl.LimitsFor(ProviderOllama).TokensPerMinute; got != 400 {
		t.Errorf("ollama limits = %d, want 400", got)
	}
}

func TestGetConfigRequiresLoad(t *testing.T) {
	SetConfigForTesting(nil)

	if _, err := GetConfig(); err == nil {
		t.Error("expected error before LoadConfig, got nil")
	}
}

func TestPhaseModelGetters(t *testing.T) {
	SetConfigForTesting(&Config{
		Agents: &AgentConfig{
			SpecModel: "claude-opus-4-5",
			CodeModel: "gpt-5",
		},
	})
	defer SetConfigForTesting(nil)

	if got := GetSpecModel(); got != "claude-opus-4-5" {
		t.Errorf("GetSpecModel() = %q", got)
	}
	if got := GetCodeModel(); got != "gpt-5" {
		t.Errorf("GetCodeModel() = %q", got)
	}
	// Unset fields fall back to defaults
	if got := GetPlanModel(); got != DefaultPlanModel {
		t.Errorf("GetPlanModel() = %q, want default %q", got, DefaultPlanModel)
	}
	if got := GetReviewModel(); got != DefaultReviewModel {
		t.Errorf("GetReviewModel() = %q, want default %q", got, DefaultReviewModel)
	}
}

func TestGetMaxParallelDefault(t *testing.T) {
	SetConfigForTesting(&Config{Agents: &AgentConfig{}})
	defer SetConfigForTesting(nil)

	if got := GetMaxParallel(); got != DefaultMaxParallel {
		t.Errorf("GetMaxParallel() = %d, want %d", got, DefaultMaxParallel)
	}
}
