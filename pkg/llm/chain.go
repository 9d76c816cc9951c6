package llm

import (
	"context"
)

// Middleware wraps a Client with additional behavior. Middlewares compose
// via Chain into a processing pipeline.
type Middleware func(next Client) Client

type clientFunc struct {
	complete  func(context.Context, Request) (Response, error)
	stream    func(context.Context, Request) (<-chan Chunk, error)
	modelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return f.stream(ctx, req)
}

func (f clientFunc) ModelName() string {
	return f.modelName()
}

// WrapClient builds a Client from function implementations; middleware
// implementations use it to wrap behavior around the next client.
func WrapClient(
	complete func(context.Context, Request) (Response, error),
	stream func(context.Context, Request) (<-chan Chunk, error),
	modelName func() string,
) Client {
	return clientFunc{complete: complete, stream: stream, modelName: modelName}
}

// Chain composes middlewares around a base client, first middleware
// outermost:
//
//	Chain(client, mw1, mw2, mw3)  =>  mw1 -> mw2 -> mw3 -> client
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
