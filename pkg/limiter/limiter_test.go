package limiter

import (
	"errors"
	"testing"

	"conductor/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Agents: &config.AgentConfig{
			Resilience: config.ResilienceConfig{
				RateLimit: config.RateLimitConfig{
					Anthropic: config.ProviderLimits{TokensPerMinute: 1000, MaxConcurrency: 2, DailyBudgetUSD: 10.0},
					OpenAI:    config.ProviderLimits{TokensPerMinute: 2000, MaxConcurrency: 3, DailyBudgetUSD: 5.0},
					Google:    config.ProviderLimits{TokensPerMinute: 3000, MaxConcurrency: 2, DailyBudgetUSD: 5.0},
					Ollama:    config.ProviderLimits{TokensPerMinute: 100000, MaxConcurrency: 1, DailyBudgetUSD: 0},
				},
			},
		},
	}
}

func TestReserveTokens(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	// Capacity is TPM * 0.9 = 900 for anthropic
	if err := l.Reserve(config.ModelClaudeSonnet, 900); err != nil {
		t.Fatalf("Reserve within capacity failed: %v", err)
	}

	err := l.Reserve(config.ModelClaudeSonnet, 500)
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("Reserve over capacity = %v, want ErrRateLimit", err)
	}

	// Other providers are unaffected
	if err := l.Reserve(config.ModelGPT5, 100); err != nil {
		t.Errorf("openai bucket should be untouched: %v", err)
	}
}

func TestReserveUnknownModel(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	if err := l.Reserve("completely-unknown-model", 10); err == nil {
		t.Error("expected error for unmappable model, got nil")
	}
}

func TestOpenAICompatibleShareBucket(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	// groq routes through the openai bucket (capacity 1800)
	if err := l.Reserve("groq:llama-3.3-70b-versatile", 1800); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	err := l.Reserve(config.ModelGPT5, 100)
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("openai bucket should be drained by groq reservation, got %v", err)
	}
}

func TestReserveBudget(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	if err := l.ReserveBudget(config.ModelClaudeSonnet, 6.0); err != nil {
		t.Fatalf("ReserveBudget failed: %v", err)
	}
	if err := l.ReserveBudget(config.ModelClaudeSonnet, 3.0); err != nil {
		t.Fatalf("ReserveBudget failed: %v", err)
	}

	err := l.ReserveBudget(config.ModelClaudeSonnet, 2.0)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("ReserveBudget over limit = %v, want ErrBudgetExceeded", err)
	}
}

func TestLocalProviderHasNoBudget(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	// Ollama's budget is 0, meaning unlimited
	if err := l.ReserveBudget("ollama:phi4", 1000000.0); err != nil {
		t.Errorf("local provider should have no budget cap: %v", err)
	}
}

func TestSlots(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	// Anthropic allows 2 concurrent requests
	if err := l.ReserveSlot(config.ModelClaudeSonnet); err != nil {
		t.Fatalf("first ReserveSlot failed: %v", err)
	}
	if err := l.ReserveSlot(config.ModelClaudeOpus); err != nil {
		t.Fatalf("second ReserveSlot failed: %v", err)
	}

	err := l.ReserveSlot(config.ModelClaudeSonnet)
	if !errors.Is(err, ErrSlotLimit) {
		t.Errorf("third ReserveSlot = %v, want ErrSlotLimit", err)
	}

	if err := l.ReleaseSlot(config.ModelClaudeSonnet); err != nil {
		t.Fatalf("ReleaseSlot failed: %v", err)
	}
	if err := l.ReserveSlot(config.ModelClaudeSonnet); err != nil {
		t.Errorf("ReserveSlot after release failed: %v", err)
	}
}

func TestReleaseSlotWithoutReserve(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	if err := l.ReleaseSlot(config.ModelClaudeSonnet); err == nil {
		t.Error("expected error releasing an unreserved slot, got nil")
	}
}

func TestResetDaily(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	if err := l.Reserve(config.ModelClaudeSonnet, 900); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := l.ReserveBudget(config.ModelClaudeSonnet, 10.0); err != nil {
		t.Fatalf("ReserveBudget failed: %v", err)
	}

	l.ResetDaily()

	if err := l.Reserve(config.ModelClaudeSonnet, 900); err != nil {
		t.Errorf("Reserve after reset failed: %v", err)
	}
	if err := l.ReserveBudget(config.ModelClaudeSonnet, 10.0); err != nil {
		t.Errorf("ReserveBudget after reset failed: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	if err := l.ReserveSlot(config.ModelClaudeSonnet); err != nil {
		t.Fatal(err)
	}
	if err := l.ReserveBudget(config.ModelClaudeSonnet, 2.5); err != nil {
		t.Fatal(err)
	}

	st, err := l.StatusFor(config.ModelClaudeSonnet)
	if err != nil {
		t.Fatalf("StatusFor failed: %v", err)
	}
	if st.Provider != config.ProviderAnthropic {
		t.Errorf("Provider = %q, want anthropic", st.Provider)
	}
	if st.Capacity != 900 {
		t.Errorf("Capacity = %d, want 900", st.Capacity)
	}
	if st.SlotsInUse != 1 {
		t.Errorf("SlotsInUse = %d, want 1", st.SlotsInUse)
	}
	if st.BudgetUsedUSD != 2.5 {
		t.Errorf("BudgetUsedUSD = %v, want 2.5", st.BudgetUsedUSD)
	}
}

func TestStatusAll(t *testing.T) {
	l := NewLimiter(testConfig())
	defer l.Close()

	statuses := l.StatusAll()
	if len(statuses) != 4 {
		t.Fatalf("StatusAll returned %d buckets, want 4", len(statuses))
	}
	seen := make(map[string]bool)
	for _, st := range statuses {
		seen[st.Provider] = true
	}
	for _, p := range []string{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle, config.ProviderOllama} {
		if !seen[p] {
			t.Errorf("StatusAll missing provider %s", p)
		}
	}
}

func TestDefaultsWhenUnconfigured(t *testing.T) {
	l := NewLimiter(&config.Config{})
	defer l.Close()

	st, err := l.StatusFor(config.ModelClaudeSonnet)
	if err != nil {
		t.Fatalf("StatusFor failed: %v", err)
	}
	want := int(float64(config.ProviderDefaults[config.ProviderAnthropic].TokensPerMinute) * config.RateLimitBufferFactor)
	if st.Capacity != want {
		t.Errorf("Capacity = %d, want default-derived %d", st.Capacity, want)
	}
}
