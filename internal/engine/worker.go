package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs instance loops and background branches with bounded
// concurrency. Submit never blocks: work waits for a slot in its own
// goroutine, so Start can return before the instance gets a slot.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	closed  bool

	// OnPanic, when set, receives the value of a recovered panic.
	OnPanic func(recovered any)
}

// NewWorkerPool creates a pool running at most size tasks at once. size <= 0
// means unbounded.
func NewWorkerPool(size int) *WorkerPool {
	p := &WorkerPool{}
	if size > 0 {
		p.sem = make(chan struct{}, size)
	}
	return p
}

// Submit schedules fn. fn runs once a slot frees up; if ctx is cancelled
// while waiting, fn is dropped and counted as failed.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	// wg.Add must happen under the lock so Shutdown's Wait never races it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		if p.sem != nil {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				atomic.AddInt64(&p.metrics.Queued, -1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				return
			}
			defer func() { <-p.sem }()
		}

		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Active, 1)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if p.OnPanic != nil {
					p.OnPanic(r)
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close stops accepting work without waiting.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Shutdown stops accepting work and waits for queued and active work, or
// until ctx is done.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
