package server

import (
	"context"
	"sync"
)

// Pool is a fixed set of goroutines executing submitted jobs. Connection
// readers submit every decoded request here so no storage or peer I/O ever
// runs on a connection's own goroutines.
type Pool struct {
	jobs chan func()
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewPool starts workers goroutines sharing a queue of queue pending jobs.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		jobs: make(chan func(), queue),
		quit: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// Submit queues job, blocking while the queue is full. It fails with
// ErrServerClosed once the pool is stopped or with ctx's error if ctx ends
// first.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrServerClosed
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after their current job. Queued jobs are
// discarded.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
