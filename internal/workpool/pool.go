// Package workpool runs units of work on a bounded set of goroutines and
// hands results back through futures, so callers never block on the work
// itself.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("workpool: pool closed")

// Pool bounds how many submitted functions run at once.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New returns a pool running at most size functions concurrently.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Close stops accepting work and waits for queued and running functions to
// finish or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

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

// Submit schedules fn and returns immediately. fn waits for a free slot, so
// at most p.Size() functions run at a time. If ctx ends before a slot frees
// up, the future resolves with ctx's error and fn never runs. A panic in fn
// resolves the future with an error.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		var zero T
		f.resolve(zero, ErrClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		var zero T
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.resolve(zero, err)
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in pooled work", "error", r, "stack", string(debug.Stack()))
				f.resolve(zero, fmt.Errorf("workpool: panic: %v", r))
			}
		}()

		v, err := fn(ctx)
		f.resolve(v, err)
	}()
	return f
}
