// Package timeout provides per-request timeout middleware for model clients.
package timeout

import (
	"context"
	"time"

	"conductor/pkg/llm"
)

// Middleware wraps a model client with a per-request timeout. Reasoning
// models can legitimately take minutes, so the duration comes from the
// resilience config rather than a hard-coded constant.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				return next.Complete(timeoutCtx, req)
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				// The deadline must survive until the stream drains, so
				// cancel fires when the source channel closes, not on return.
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)

				src, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err
				}

				out := make(chan llm.Chunk)
				go func() {
					defer cancel()
					defer close(out)
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
