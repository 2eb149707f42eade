package pairing

import (
	"context"
	"sync"
)

// Deferred is a single-settlement result holder. The first Resolve or
// Reject wins; every later settlement attempt is a no-op. This is what makes
// duplicate or late relay messages for an already-settled request harmless.
type Deferred[T any] struct {
	mu      sync.Mutex
	settled bool
	value   T
	err     error
	done    chan struct{}
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles the deferred with a value. Returns false if it was
// already settled.
func (d *Deferred[T]) Resolve(value T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	d.value = value
	close(d.done)
	return true
}

// Reject settles the deferred with an error. Returns false if it was
// already settled.
func (d *Deferred[T]) Reject(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	d.err = err
	close(d.done)
	return true
}

// Settled reports whether a settlement already happened.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Await blocks until the deferred settles or ctx is done.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
