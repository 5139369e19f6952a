// Package pool bounds how many recognition runs execute at once.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerPool runs submitted jobs on their own goroutine, at most maxWorkers at a time.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	running atomic.Int32
	queued  atomic.Int32
}

// NewWorkerPool creates a pool. maxWorkers below 1 is treated as 1.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		sem: make(chan struct{}, maxWorkers),
	}
}

// Submit schedules job without blocking the caller.
// A job whose context ends while it waits for a slot still runs, with that context,
// so it can record its own failure and release its resources.
func (p *WorkerPool) Submit(ctx context.Context, job func(context.Context)) {
	p.wg.Add(1)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
		}

		p.queued.Add(-1)
		p.running.Add(1)
		defer p.running.Add(-1)
		job(ctx)
	}()
}

// Wait blocks until every submitted job has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stats reports the number of running and waiting jobs.
func (p *WorkerPool) Stats() (running, queued int) {
	return int(p.running.Load()), int(p.queued.Load())
}
