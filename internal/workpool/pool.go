// Package workpool runs blocking image work on a fixed set of goroutines so the
// broker pull loop only ever waits on results.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolClosed = errors.New("work pool closed")
	ErrPanic      = errors.New("task panicked")
)

type task struct {
	fn   func() error
	done chan error
}

// Pool is a fixed-size worker pool shared by every in-flight job.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	size   int
}

// New starts size workers. size <= 0 falls back to one worker.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		tasks: make(chan task),
		size:  size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Go queues fn and returns a channel that receives its result exactly once.
// Blocks while all workers are busy or until ctx is done.
func (p *Pool) Go(ctx context.Context, fn func() error) <-chan error {
	done := make(chan error, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		done <- ErrPoolClosed
		return done
	}

	select {
	case p.tasks <- task{fn: fn, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}

// Do runs fn on the pool and waits for it. Once fn has started it always runs to
// completion; ctx only bounds the wait for a free worker.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	return <-p.Go(ctx, fn)
}

// Close stops accepting work and waits for running tasks to finish. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.done <- run(t.fn)
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
