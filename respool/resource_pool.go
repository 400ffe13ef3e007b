// Package respool provides a bounded pool of reusable resources, generic over
// the resource type. The pool is the backpressure mechanism for the backing
// store: callers acquire one resource per operation and queue on Acquire when
// the store is slow, rather than opening new handles unboundedly.
package respool

import (
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned by Acquire when no resource becomes available
// within the caller's timeout.
var ErrExhausted = errors.New("respool: pool exhausted")

// ErrClosed is returned by Acquire after Close has been called.
var ErrClosed = errors.New("respool: pool closed")

// Factory creates one resource for the pool. It is called size times at
// construction; the pool never creates resources afterwards.
type Factory[T any] func() (T, error)

// Pool is a fixed-size pool of resources of type T. A resource is in exactly
// one of two states at all times: idle in the pool, or loaned to one caller.
// The total resource count is constant for the pool's lifetime; resources are
// never destroyed except at Close.
type Pool[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	idle   []T
	size   int
	closed bool
}

// New eagerly creates size resources via factory and stores them idle in the
// pool. If any factory call fails, the error is returned and previously
// created resources are discarded via cleanup (which may be nil).
//
// Parameters:
//   - factory: Function producing one resource; called size times
//   - size: Total resource count; values below 1 are treated as 1
//   - cleanup: Optional destructor for resources created before a factory failure
//
// Returns:
//   - A filled *Pool, or an error if any factory call failed
func New[T any](factory Factory[T], size int, cleanup func(T)) (*Pool[T], error) {
	if size < 1 {
		size = 1
	}

	p := &Pool[T]{
		idle: make([]T, 0, size),
		size: size,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		res, err := factory()
		if err != nil {
			if cleanup != nil {
				for _, r := range p.idle {
					cleanup(r)
				}
			}

			return nil, err
		}

		p.idle = append(p.idle, res)
	}

	return p, nil
}

// Acquire removes and returns an idle resource, blocking the calling goroutine
// until one is available or the timeout expires. FIFO fairness among waiters
// is not guaranteed; any idle resource may be returned. A timeout of zero or
// less means wait indefinitely.
//
// Every caller must pair Acquire with Release on all exit paths, success and
// error alike, or the pool will eventually starve all callers.
//
// Parameters:
//   - timeout: Maximum wait; <= 0 waits forever
//
// Returns:
//   - A loaned resource, or ErrExhausted on timeout, or ErrClosed
func (p *Pool[T]) Acquire(timeout time.Duration) (T, error) {
	var zero T

	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// The condition variable has no timed wait; a timer broadcast bounds it.
		// The lock round-trip orders the broadcast after the waiter suspends,
		// so the wakeup cannot be lost between the deadline check and Wait.
		timer = time.AfterFunc(timeout, func() {
			p.mu.Lock()
			p.mu.Unlock() //nolint:staticcheck // empty critical section is the ordering point
			p.cond.Broadcast()
		})
		defer timer.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return zero, ErrClosed
		}

		if len(p.idle) > 0 {
			res := p.idle[0]
			p.idle = p.idle[1:]
			return res, nil
		}

		if timeout > 0 && !time.Now().Before(deadline) {
			return zero, ErrExhausted
		}

		p.cond.Wait()
	}
}

// Release returns a loaned resource to the pool and wakes one waiter. The
// caller must not use the resource after releasing it.
//
// Parameters:
//   - res: The resource previously returned by Acquire
func (p *Pool[T]) Release(res T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, res)
	p.mu.Unlock()

	p.cond.Signal()
}

// Close marks the pool closed, wakes all waiters, and destroys the currently
// idle resources via cleanup (which may be nil). Resources loaned out at Close
// time are destroyed by their holders' Release becoming a no-op; holders
// should close such resources themselves if cleanup matters.
//
// Parameters:
//   - cleanup: Optional destructor invoked for each idle resource
func (p *Pool[T]) Close(cleanup func(T)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cond.Broadcast()

	if cleanup != nil {
		for _, res := range idle {
			cleanup(res)
		}
	}
}

// Size returns the pool's total resource count.
func (p *Pool[T]) Size() int {
	return p.size
}

// Idle returns the number of resources currently idle in the pool.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
