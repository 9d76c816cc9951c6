// Package retry provides retry middleware with per-error-type exponential
// backoff. Backoff schedules come from the error classification: rate limits
// wait longer than transient network blips, and terminal errors (auth, bad
// prompt, budget) never retry.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/llm/middleware/resilience/circuit"
)

// Classifier decides whether an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Context cancellation and circuit
// breaker denials never retry; everything else follows its classified type.
// DeadlineExceeded DOES retry: the per-request timeout middleware sits below
// this one, so a deadline means one attempt timed out, not that the caller
// gave up.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// The breaker owns its own recovery schedule
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	return llmerrors.Classify(err).IsRetryable()
}

// Policy computes retry decisions and backoff delays from classified errors.
// The caps, when positive, bound every error class's schedule; they come from
// the resilience config.
type Policy struct {
	Classifier Classifier

	MaxRetriesCap int
	MaxDelayCap   time.Duration
}

// NewPolicy creates a retry policy. A nil classifier uses ShouldRetry.
func NewPolicy(classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{Classifier: classifier}
}

// ConfigFor returns the backoff schedule for err's classification, bounded by
// the policy caps.
func (p *Policy) ConfigFor(err error) llmerrors.RetryConfig {
	cfg := llmerrors.Classify(err).GetRetryConfig()
	if p.MaxRetriesCap > 0 && cfg.MaxRetries > p.MaxRetriesCap {
		cfg.MaxRetries = p.MaxRetriesCap
	}
	if p.MaxDelayCap > 0 {
		if cfg.MaxDelay > p.MaxDelayCap {
			cfg.MaxDelay = p.MaxDelayCap
		}
		if cfg.InitialDelay > p.MaxDelayCap {
			cfg.InitialDelay = p.MaxDelayCap
		}
	}
	return cfg
}

// CalculateDelay computes the delay before the given attempt. Attempt 1 is
// the initial request; attempt 2 is the first retry.
func (p *Policy) CalculateDelay(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return 0
	}

	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-2)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter && delay > 0 {
		// ±10% to spread concurrent sessions apart
		jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1)) //nolint:gosec // jitter needs no crypto rand
		delay = delay - delay/10 + jitter
	}

	return delay
}

// ShouldRetry applies the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
