// Package pool runs independent units of work on a bounded set of goroutines.
package pool

import (
	"context"
	"sync"
)

// Result pairs a value with the index of the item that produced it
type Result[T any] struct {
	Index int
	Value T
}

// Map applies fn to every element of items using at most limit worker
// goroutines (at least one, at most len(items)). Workers pull indexes from
// a shared queue, so a slow item only holds up its own worker.
//
// The returned channel yields one Result per item in completion order and
// is closed after the last fn call has returned. The caller must drain it.
func Map[In, Out any](ctx context.Context, limit int, items []In, fn func(context.Context, In) Out) <-chan Result[Out] {
	if limit < 1 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}

	results := make(chan Result[Out], limit)

	queue := make(chan int)
	go func() {
		defer close(queue)
		for i := range items {
			queue <- i
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < limit; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results <- Result[Out]{Index: i, Value: fn(ctx, items[i])}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// Collect drains results into a slice ordered by input index
func Collect[T any](n int, results <-chan Result[T]) []T {
	ordered := make([]T, n)
	for r := range results {
		ordered[r.Index] = r.Value
	}
	return ordered
}
