package ratelimit

import (
	"context"
	"errors"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/limiter"
	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
	"conductor/pkg/llm/middleware/metrics"
	"conductor/pkg/logx"
)

// Throttler is the reservation surface the middleware needs. Satisfied by
// *limiter.Limiter.
type Throttler interface {
	Reserve(model string, tokens int) error
	ReserveBudget(model string, costUSD float64) error
	ReserveSlot(model string) error
	ReleaseSlot(model string) error
}

// Middleware wraps a client with capacity reservations: estimated tokens
// against the provider's per-minute bucket, worst-case cost against the daily
// budget, and one concurrency slot for the duration of the call.
//
// Token and budget reservations are not refunded when a later reservation in
// the sequence is denied; the bucket refills within the minute and the cost
// estimate errs high, so the slack washes out.
func Middleware(throttler Throttler, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.Client) llm.Client {
		reserve := func(req llm.Request) (model string, err error) {
			model = next.ModelName()
			start := time.Now()

			promptTokens := estimator.EstimatePrompt(req)
			total := promptTokens + req.MaxTokens

			if err := throttler.Reserve(model, total); err != nil {
				if !errors.Is(err, limiter.ErrRateLimit) {
					recorder.IncThrottle(model, "no_limiter")
					return model, err
				}
				recorder.IncThrottle(model, "rate_limit")
				logx.Infof("RATELIMIT: %s denied %d tokens, deferring to retry backoff", model, total)
				return model, llmerrors.NewWithCause(llmerrors.ErrorTypeRateLimit, err, "token rate limit reached")
			}

			// Worst case spend: the full MaxTokens completion at this model's rates.
			cost, _ := config.CalculateCost(model, promptTokens, req.MaxTokens)
			if err := throttler.ReserveBudget(model, cost); err != nil {
				recorder.IncThrottle(model, "budget")
				logx.Warnf("RATELIMIT: %s daily budget exhausted (request estimate $%.4f)", model, cost)
				return model, llmerrors.NewWithCause(llmerrors.ErrorTypeBudget, err, "daily budget exhausted")
			}

			if err := throttler.ReserveSlot(model); err != nil {
				recorder.IncThrottle(model, "concurrency")
				logx.Infof("RATELIMIT: %s all slots busy, deferring to retry backoff", model)
				return model, llmerrors.NewWithCause(llmerrors.ErrorTypeRateLimit, err, "concurrency limit reached")
			}

			recorder.ObserveQueueWait(model, time.Since(start))
			return model, nil
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				model, err := reserve(req)
				if err != nil {
					return llm.Response{}, err //nolint:wrapcheck // middleware passes errors through unchanged
				}
				defer func() { _ = throttler.ReleaseSlot(model) }()

				return next.Complete(ctx, req) //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				model, err := reserve(req)
				if err != nil {
					return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
				}

				src, err := next.Stream(ctx, req)
				if err != nil {
					_ = throttler.ReleaseSlot(model)
					return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
				}

				// The slot stays claimed until the stream drains.
				out := make(chan llm.Chunk)
				go func() {
					defer close(out)
					defer func() { _ = throttler.ReleaseSlot(model) }()
					for chunk := range src {
						out <- chunk
					}
				}()
				return out, nil
			},
			next.ModelName,
		)
	}
}
