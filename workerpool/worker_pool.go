// Package workerpool provides a fixed-size pool of workers consuming a shared
// FIFO task queue. The pool size is an upper bound on concurrently executing
// tasks; long-running tasks (such as per-connection read loops) occupy a worker
// for their entire lifetime, so the size doubles as a hard ceiling on live
// connections served by the pool.
package workerpool

import (
	"sync"

	"github.com/cyberinferno/chat-server/logger"
)

// Task is an opaque unit of work with no return value. A submitted Task is
// owned by the queue until claimed by exactly one worker.
type Task func()

// Pool is a fixed-size worker pool with a single shared FIFO queue protected
// by one mutex and one condition variable. Workers are created at construction
// and destroyed at Shutdown; they are never individually addressable.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stop    bool
	wg      sync.WaitGroup
	size    int
	log     logger.Logger
	dropped int
}

// New creates a Pool with n workers and an empty task queue. The workers start
// immediately and block waiting for tasks.
//
// Parameters:
//   - n: Number of workers; values below 1 are treated as 1
//   - log: Logger for worker-level events (task panics, shutdown)
//
// Returns:
//   - A started *Pool ready to accept Submit calls
func New(n int, log logger.Logger) *Pool {
	if n < 1 {
		n = 1
	}

	p := &Pool{
		size: n,
		log:  log.With(logger.Field{Key: "component", Value: "workerpool"}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}

	return p
}

// Submit appends a task to the queue and wakes one waiting worker. It never
// blocks the caller. Tasks submitted after Shutdown are dropped.
//
// Parameters:
//   - task: The unit of work to run; nil tasks are ignored
//
// Returns:
//   - true if the task was queued, false if the pool is shutting down
func (p *Pool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	p.mu.Lock()
	if p.stop {
		p.mu.Unlock()
		p.log.Warn("task submitted after shutdown, dropping")
		return false
	}

	p.queue = append(p.queue, task)
	p.mu.Unlock()

	p.cond.Signal()
	return true
}

// Shutdown stops the pool: it sets the stop flag, wakes all waiters, and joins
// every worker. Tasks still queued but unclaimed at shutdown are dropped, not
// executed; callers must not rely on drain-to-completion semantics. Tasks
// already running are allowed to finish, so Shutdown blocks until they return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stop {
		p.mu.Unlock()
		return
	}

	p.stop = true
	p.dropped = len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()

	if p.dropped > 0 {
		p.log.Warn("dropped unclaimed tasks at shutdown", logger.Field{Key: "count", Value: p.dropped})
	}
	p.log.Info("worker pool stopped", logger.Field{Key: "workers", Value: p.size})
}

// Size returns the number of workers, which is also the maximum number of
// concurrently executing tasks.
func (p *Pool) Size() int {
	return p.size
}

// QueueDepth returns the number of tasks queued but not yet claimed.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// worker is the loop run by each worker goroutine. It claims one task at a
// time under the lock, runs it outside the lock, and repeats until the pool
// stops and the queue is empty.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stop {
			p.cond.Wait()
		}

		if p.stop && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}

		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

// run executes a single task, recovering any panic so a failing task never
// terminates its worker.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", logger.Field{Key: "panic", Value: r})
		}
	}()

	task()
}
