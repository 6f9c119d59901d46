// Package future provides a single-fire result slot that is settled exactly
// once and can be awaited by any number of goroutines.
package future

import (
	"context"
	"errors"
	"sync"
)

// Future holds a value or an error that becomes available once.
// The zero value is not usable; use New.
type Future[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     T
	err     error
}

// New creates an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved creates a Future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected creates a Future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. Returns false if it was already settled,
// in which case v is discarded.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. A nil err is replaced so that a
// rejected future never reports success. Returns false if already settled.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("future rejected with nil error")
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.val = v
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Peek returns the settled value and error without blocking. ok is false
// while the future is pending.
func (f *Future[T]) Peek() (v T, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.settled, f.err
}

// Await blocks until the future settles or ctx is done. Context expiry does
// not settle the future; other waiters still observe the eventual result.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Err blocks until the future settles or ctx is done and returns only the error.
func (f *Future[T]) Err(ctx context.Context) error {
	_, err := f.Await(ctx)
	return err
}

// Then registers fn to run on its own goroutine after the future settles.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.done
		f.mu.Lock()
		v, err := f.val, f.err
		f.mu.Unlock()
		fn(v, err)
	}()
}
