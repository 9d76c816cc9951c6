// Package limiter provides rate limiting and budget enforcement for LLM API
// calls with token bucket algorithms.
//
// Buckets are per provider, not per model: every model routed to the same API
// shares that provider's tokens-per-minute bucket, concurrency slots, and
// daily budget. Reservations fail fast with sentinel errors; the retry
// middleware owns backoff, so nothing here blocks.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"conductor/pkg/config"
)

var (
	// ErrRateLimit is returned when token rate limits are exceeded.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when daily budget limits are exceeded.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
	// ErrSlotLimit is returned when provider concurrency limits are exceeded.
	ErrSlotLimit = fmt.Errorf("concurrency limit exceeded")
)

// Limiter manages rate limiting and budget enforcement across providers.
// Models are mapped to provider buckets via the config package, so
// OpenAI-compatible endpoints share the openai bucket.
type Limiter struct {
	providers  map[string]*providerLimiter
	resetTimer *time.Timer
	closed     bool
	mu         sync.Mutex
}

// providerLimiter enforces token, budget, and concurrency limits for one
// provider bucket.
type providerLimiter struct {
	name               string
	maxTokensPerMinute int
	capacity           int // maxTokensPerMinute * RateLimitBufferFactor
	currentTokens      int
	maxBudgetPerDayUSD float64 // <= 0 means unlimited
	currentBudgetUSD   float64
	maxSlots           int
	currentSlots       int
	lastRefill         time.Time
	mu                 sync.Mutex
}

// Status is a point-in-time snapshot of one provider bucket.
type Status struct {
	Provider        string  `json:"provider"`
	AvailableTokens int     `json:"available_tokens"`
	Capacity        int     `json:"capacity"`
	BudgetUsedUSD   float64 `json:"budget_used_usd"`
	BudgetLimitUSD  float64 `json:"budget_limit_usd"`
	SlotsInUse      int     `json:"slots_in_use"`
	SlotLimit       int     `json:"slot_limit"`
}

// NewLimiter creates a rate limiter with one bucket per provider, sized from
// the resilience section of cfg. Missing limits fall back to the provider
// defaults.
func NewLimiter(cfg *config.Config) *Limiter {
	var rl config.RateLimitConfig
	if cfg != nil && cfg.Agents != nil {
		rl = cfg.Agents.Resilience.RateLimit
	}

	l := &Limiter{
		providers: make(map[string]*providerLimiter),
	}

	for _, provider := range []string{
		config.ProviderAnthropic,
		config.ProviderOpenAI,
		config.ProviderGoogle,
		config.ProviderOllama,
	} {
		limits := rl.LimitsFor(provider)
		if limits.TokensPerMinute == 0 {
			limits = config.ProviderDefaults[provider]
		}
		l.providers[provider] = newProviderLimiter(provider, limits)
	}

	l.scheduleDailyReset()

	return l
}

func newProviderLimiter(name string, limits config.ProviderLimits) *providerLimiter {
	capacity := int(float64(limits.TokensPerMinute) * config.RateLimitBufferFactor)
	return &providerLimiter{
		name:               name,
		maxTokensPerMinute: limits.TokensPerMinute,
		capacity:           capacity,
		currentTokens:      capacity, // start with a full bucket
		maxBudgetPerDayUSD: limits.DailyBudgetUSD,
		maxSlots:           limits.MaxConcurrency,
		lastRefill:         time.Now(),
	}
}

// forModel resolves a model name to its provider bucket.
func (l *Limiter) forModel(model string) (*providerLimiter, error) {
	provider, err := config.GetModelProvider(model)
	if err != nil {
		return nil, err
	}
	bucket := config.RateLimitBucket(provider)

	l.mu.Lock()
	pl, exists := l.providers[bucket]
	l.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("provider %s not configured", bucket)
	}
	return pl, nil
}

// Reserve attempts to reserve the estimated number of tokens for a request to
// the given model. Returns ErrRateLimit when the bucket cannot cover it.
func (l *Limiter) Reserve(model string, tokens int) error {
	pl, err := l.forModel(model)
	if err != nil {
		return err
	}
	return pl.reserve(tokens)
}

// ReserveBudget reserves estimated spend against the provider's daily budget.
// Returns ErrBudgetExceeded once the day's budget is spent.
func (l *Limiter) ReserveBudget(model string, costUSD float64) error {
	pl, err := l.forModel(model)
	if err != nil {
		return err
	}
	return pl.reserveBudget(costUSD)
}

// ReserveSlot claims an in-flight request slot for the model's provider.
// Callers must pair it with ReleaseSlot.
func (l *Limiter) ReserveSlot(model string) error {
	pl, err := l.forModel(model)
	if err != nil {
		return err
	}
	return pl.reserveSlot()
}

// ReleaseSlot releases an in-flight request slot.
func (l *Limiter) ReleaseSlot(model string) error {
	pl, err := l.forModel(model)
	if err != nil {
		return err
	}
	return pl.releaseSlot()
}

// StatusFor returns the current status of the model's provider bucket.
func (l *Limiter) StatusFor(model string) (Status, error) {
	pl, err := l.forModel(model)
	if err != nil {
		return Status{}, err
	}
	return pl.status(), nil
}

// StatusAll returns snapshots for every provider bucket, for the /status
// endpoint.
func (l *Limiter) StatusAll() []Status {
	l.mu.Lock()
	providers := make([]*providerLimiter, 0, len(l.providers))
	for _, pl := range l.providers {
		providers = append(providers, pl)
	}
	l.mu.Unlock()

	statuses := make([]Status, 0, len(providers))
	for _, pl := range providers {
		statuses = append(statuses, pl.status())
	}
	return statuses
}

// ResetDaily resets daily budgets and refills every bucket.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pl := range l.providers {
		pl.resetDaily()
	}
}

// Close stops the limiter's daily reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()
		l.scheduleDailyReset()
	})
}

func (pl *providerLimiter) reserve(tokens int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxTokensPerMinute <= 0 {
		return nil
	}

	pl.refillTokens()

	if pl.currentTokens < tokens {
		return ErrRateLimit
	}

	pl.currentTokens -= tokens
	return nil
}

func (pl *providerLimiter) reserveBudget(costUSD float64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	// Local providers carry no budget
	if pl.maxBudgetPerDayUSD <= 0 {
		return nil
	}

	if pl.currentBudgetUSD+costUSD > pl.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}

	pl.currentBudgetUSD += costUSD
	return nil
}

func (pl *providerLimiter) reserveSlot() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxSlots <= 0 {
		return nil
	}

	if pl.currentSlots >= pl.maxSlots {
		return ErrSlotLimit
	}

	pl.currentSlots++
	return nil
}

func (pl *providerLimiter) releaseSlot() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentSlots <= 0 {
		return fmt.Errorf("no slots to release for provider %s", pl.name)
	}

	pl.currentSlots--
	return nil
}

func (pl *providerLimiter) status() Status {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.refillTokens()
	return Status{
		Provider:        pl.name,
		AvailableTokens: pl.currentTokens,
		Capacity:        pl.capacity,
		BudgetUsedUSD:   pl.currentBudgetUSD,
		BudgetLimitUSD:  pl.maxBudgetPerDayUSD,
		SlotsInUse:      pl.currentSlots,
		SlotLimit:       pl.maxSlots,
	}
}

func (pl *providerLimiter) resetDaily() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.currentBudgetUSD = 0
	pl.currentTokens = pl.capacity
	pl.lastRefill = time.Now()
}

// refillTokens adds the tokens accrued since the last refill, proportional to
// elapsed time, capped at bucket capacity. Called with pl.mu held.
func (pl *providerLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(pl.lastRefill)
	if elapsed <= 0 {
		return
	}

	refill := int(elapsed.Seconds() * float64(pl.maxTokensPerMinute) / 60.0)
	if refill <= 0 {
		return
	}

	pl.currentTokens += refill
	if pl.currentTokens > pl.capacity {
		pl.currentTokens = pl.capacity
	}
	pl.lastRefill = now
}
