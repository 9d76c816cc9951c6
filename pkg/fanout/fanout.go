// Package fanout runs independent jobs with bounded parallelism and
// all-settled semantics: every job runs to its own conclusion and one
// failure never aborts its peers. Callers that combine results decide what
// to do with the failures.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit bounds in-flight jobs when the caller does not.
const DefaultLimit = 3

// Result pairs one job's value with its error.
type Result[T any] struct {
	Value T
	Err   error
}

// Map runs fn over every item with at most limit jobs in flight and returns
// one result per item, in input order. Context cancellation settles jobs
// that have not started with the context's error; started jobs observe it
// through their own ctx. Map returns only after every job has settled.
func Map[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) []Result[R] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]Result[R], len(items))

	// A plain group, not WithContext: a failed job must not cancel peers.
	var g errgroup.Group
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result[R]{Err: err}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			v, err := fn(ctx, item)
			results[i] = Result[R]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Succeeded filters settled results to the successful values, preserving
// input order.
func Succeeded[R any](results []Result[R]) []R {
	var out []R
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// FirstErr returns the first error among the results, or nil when every job
// succeeded.
func FirstErr[R any](results []Result[R]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
