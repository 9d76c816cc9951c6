package retry

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/llm"
	"conductor/pkg/llm/llmerrors"
)

// Middleware wraps a model client with retry logic. Failed requests retry
// with the backoff schedule of their classified error type; a retryable error
// that exhausts its budget surfaces as service_unavailable so the session
// can end with a terminal result instead of looping.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				var lastErr error

				for attempt := 1; ; attempt++ {
					if attempt > 1 {
						cfg := policy.ConfigFor(lastErr)
						if attempt > cfg.MaxRetries+1 {
							break
						}
						if delay := policy.CalculateDelay(cfg, attempt); delay > 0 {
							select {
							case <-ctx.Done():
								return llm.Response{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if !policy.ShouldRetry(err) {
						return llm.Response{}, err //nolint:wrapcheck // middleware passes errors through unchanged
					}
				}

				return llm.Response{}, llmerrors.NewServiceUnavailable(lastErr, policy.ConfigFor(lastErr).MaxRetries)
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				var lastErr error

				// Only stream establishment retries. Once chunks are flowing,
				// mid-stream failures belong to the session runner.
				for attempt := 1; ; attempt++ {
					if attempt > 1 {
						cfg := policy.ConfigFor(lastErr)
						if attempt > cfg.MaxRetries+1 {
							break
						}
						if delay := policy.CalculateDelay(cfg, attempt); delay > 0 {
							select {
							case <-ctx.Done():
								return nil, fmt.Errorf("stream retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
							}
						}
					}

					ch, err := next.Stream(ctx, req)
					if err == nil {
						return ch, nil
					}
					lastErr = err

					if !policy.ShouldRetry(err) {
						return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
					}
				}

				return nil, llmerrors.NewServiceUnavailable(lastErr, policy.ConfigFor(lastErr).MaxRetries)
			},
			next.ModelName,
		)
	}
}
