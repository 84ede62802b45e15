// Package dispatch runs application callbacks off the transport read loop.
// A Pool bounds how many callbacks run at once and a Serial keeps the
// callbacks of one channel in order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("dispatch: executor closed")

const DefaultWorkers = 16

// Executor accepts work without blocking the caller.
type Executor interface {
	Go(fn func()) error
}

// Pool is a bounded Executor. Go never blocks; queued work waits for a
// worker slot in its own goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func NewPool(workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

func (p *Pool) Go(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		p.run(fn)
	}()
	return nil
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("dispatch: callback panicked")
		}
	}()
	fn()
}

// Close rejects new work and drops work still waiting for a slot. Running
// callbacks are not interrupted; use Wait to join them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// Wait blocks until every accepted callback has returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
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
