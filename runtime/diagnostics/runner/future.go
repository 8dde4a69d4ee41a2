package runner

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation. The first
// call to Complete wins; later calls are ignored.
type Future[T any] struct {
	ready chan struct{}

	mu        sync.Mutex
	result    T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{ready: make(chan struct{})}
}

// Complete resolves the future and runs registered callbacks on the calling
// goroutine. It returns false if the future was already complete.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.ready:
		f.mu.Unlock()
		return false
	default:
	}
	f.result, f.err = v, err
	close(f.ready)
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// OnComplete registers fn to run once the future completes. fn runs
// immediately when the future is already complete.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.ready:
		v, err := f.result, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Get blocks until the future completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.ready
}

// IsReady reports whether the future completed.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}
