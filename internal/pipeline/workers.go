package pipeline

import (
	"context"
	"sync"
)

// Pool is a bounded worker pool for CPU-bound image operations, so decode,
// enhance, encode, and hashing never block event intake or status queries.
type Pool struct {
	tasks    chan poolTask
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type poolTask struct {
	fn   func()
	done chan struct{}
}

// NewPool starts n workers; n < 1 is treated as 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{tasks: make(chan poolTask)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.fn()
		close(t.done)
	}
}

// Do dispatches fn to a worker and waits for completion. The wait aborts on
// ctx cancellation, but a dispatched fn always runs to completion to avoid
// partially written outputs.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	t := poolTask{fn: fn, done: make(chan struct{})}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		// Let the work finish in the background; the caller stops waiting.
		return ctx.Err()
	}
}

// Stop closes the pool and waits for in-flight work.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
