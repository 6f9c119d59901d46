package future

import (
	"context"
	"errors"
)

// Waiter is anything that settles once and reports an error.
type Waiter interface {
	Done() <-chan struct{}
	Err(ctx context.Context) error
}

// All waits for every waiter to settle, in any completion order. It never
// returns early because one member failed: the result is nil only if all
// succeeded, otherwise the joined member errors. Returns ctx.Err() if ctx ends
// first.
func All(ctx context.Context, ws ...Waiter) error {
	var errs []error
	for _, w := range ws {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := w.Err(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
