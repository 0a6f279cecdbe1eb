package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Bounded runs a fixed number of independent units with a hard ceiling on
// how many are in flight. Results line up with unit indexes regardless of
// completion order, and one unit failing never stops the others.
type Bounded[T any] struct {
	Limit int
	// Pending fills a slot before its unit runs; whatever it returns is what
	// the caller sees for a unit that never reports.
	Pending func(i int) T
	// Recover converts a panic inside unit i into a result.
	Recover func(i int, v any) T
}

// Run calls fn for every i in [0, n). It returns only after every unit has
// returned. Limit < 1 is a configuration error.
func (b Bounded[T]) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) T) ([]T, error) {
	if b.Limit < 1 {
		return nil, NewConfigError("concurrency", b.Limit, "must be >= 1")
	}
	out := make([]T, n)
	if b.Pending != nil {
		for i := range out {
			out[i] = b.Pending(i)
		}
	}

	var g errgroup.Group
	g.SetLimit(b.Limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil && b.Recover != nil {
					out[i] = b.Recover(i, r)
				}
			}()
			out[i] = fn(ctx, i)
			return nil
		})
	}
	// Units never return errors; Wait is only a barrier.
	_ = g.Wait()
	return out, nil
}
