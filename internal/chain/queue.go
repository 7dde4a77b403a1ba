package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errQueueClosed = errors.New("transfer queue closed")

// job is the unit of work dispatched to a worker. Whoever sets claimed first
// owns the job: the worker runs it, or the caller abandons it and the worker
// skips it.
type job[T, R any] struct {
	ctx     context.Context
	payload T
	claimed *atomic.Bool
	result  chan<- jobResult[R]
}

type jobResult[R any] struct {
	value R
	err   error
}

// workerPool is a fixed-size goroutine pool with a bounded input queue. With
// one worker it serializes every job, which is how treasury sends are kept
// in nonce order.
type workerPool[T, R any] struct {
	ctx     context.Context
	queue   chan job[T, R]
	process func(ctx context.Context, t T) (R, error)
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T, R any](ctx context.Context, n, cap int, fn func(context.Context, T) (R, error)) *workerPool[T, R] {
	p := &workerPool[T, R]{
		ctx:     ctx,
		queue:   make(chan job[T, R], cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	return p
}

func (p *workerPool[T, R]) run() {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			if !j.claimed.CompareAndSwap(false, true) {
				continue
			}
			if err := j.ctx.Err(); err != nil {
				j.result <- jobResult[R]{err: err}
				continue
			}
			// A started job runs to completion: its side effects (a broadcast
			// transaction) must reach the caller.
			v, err := p.process(context.WithoutCancel(j.ctx), j.payload)
			j.result <- jobResult[R]{value: v, err: err}
		case <-p.ctx.Done():
			return
		}
	}
}

// Do enqueues t and blocks until a worker has processed it. When ctx ends
// first, Do returns ctx.Err() only if no worker has picked the job up yet;
// otherwise it waits for the result.
func (p *workerPool[T, R]) Do(ctx context.Context, t T) (R, error) {
	var zero R
	res := make(chan jobResult[R], 1)
	claimed := new(atomic.Bool)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, errQueueClosed
	}
	select {
	case p.queue <- job[T, R]{ctx: ctx, payload: t, claimed: claimed, result: res}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return zero, ctx.Err()
	case <-p.ctx.Done():
		p.mu.RUnlock()
		return zero, errQueueClosed
	}

	var abandoned error
	select {
	case r := <-res:
		return r.value, r.err
	case <-ctx.Done():
		abandoned = ctx.Err()
	case <-p.ctx.Done():
		abandoned = errQueueClosed
	}
	if claimed.CompareAndSwap(false, true) {
		return zero, abandoned
	}
	r := <-res
	return r.value, r.err
}

// Drain closes the queue and waits for all workers to finish.
func (p *workerPool[T, R]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T, R]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T, R]) QueueCap() int {
	return cap(p.queue)
}
