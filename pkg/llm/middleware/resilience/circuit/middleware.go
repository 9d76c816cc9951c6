package circuit

import (
	"context"

	"conductor/pkg/llm"
)

// Middleware wraps a model client with circuit breaker protection. When the
// circuit is open, requests are rejected immediately without calling the
// underlying client, giving the provider time to recover.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				if !breaker.Allow() {
					return llm.Response{}, &Error{State: breaker.GetState()}
				}

				resp, err := next.Complete(ctx, req)
				breaker.Record(err == nil)

				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				if !breaker.Allow() {
					return nil, &Error{State: breaker.GetState()}
				}

				// Stream establishment is the tracked outcome; chunk-level
				// failures are the session runner's concern.
				ch, err := next.Stream(ctx, req)
				breaker.Record(err == nil)

				return ch, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.ModelName,
		)
	}
}
