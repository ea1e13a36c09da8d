// Package worker provides the bounded goroutine pool used to fan out rule
// evaluation, and an async consumer that scores transactions arriving on
// the event bus.
package worker

import (
	"context"
	"sync"
)

// Task is a unit of work executed on the pool.
type Task func(ctx context.Context)

// Pool bounds concurrent task execution with a semaphore. Submission
// blocks while the pool is saturated, unless the caller's context expires
// first.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most size tasks concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit schedules a task, waiting for a free slot. It returns the
// context's error if the context expires before a slot frees up.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		task(ctx)
	}()
	return nil
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the pool's concurrency bound.
func (p *Pool) Size() int {
	return cap(p.sem)
}
