// Package executor schedules deferred work off the dispatch path.
//
// The dispatcher never waits for scheduled work. Executors make no ordering
// promise between units; they only promise that an accepted unit runs, and
// that its context is cancelled once the executor is closed.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed    = errors.New("executor: closed")
	ErrSaturated = errors.New("executor: queue full")
)

// Work is a unit of deferred computation.
type Work func(ctx context.Context)

// Executor is the capability to run deferred work somewhere else.
type Executor interface {
	Schedule(w Work) error
	// Inflight reports accepted units that have not finished.
	Inflight() int64
	Close() error
}

// Go runs every unit on its own goroutine.
type Go struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewGo() *Go {
	ctx, cancel := context.WithCancel(context.Background())
	return &Go{ctx: ctx, cancel: cancel}
}

func (g *Go) Schedule(w Work) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	g.wg.Add(1)
	g.inflight.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inflight.Add(-1)
		w(g.ctx)
	}()
	return nil
}

func (g *Go) Inflight() int64 { return g.inflight.Load() }

// Close cancels outstanding work and waits for it to return.
func (g *Go) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
	return nil
}

// Pool runs units on a fixed set of workers fed by a bounded queue.
// Schedule never blocks; a full queue yields ErrSaturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Work

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, queue: make(chan Work, queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for w := range p.queue {
		w(p.ctx)
		p.inflight.Add(-1)
	}
}

func (p *Pool) Schedule(w Work) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.inflight.Add(1)
	select {
	case p.queue <- w:
		return nil
	default:
		p.inflight.Add(-1)
		return ErrSaturated
	}
}

func (p *Pool) Inflight() int64 { return p.inflight.Load() }

// Close cancels the shared context, lets workers drain what was already
// queued, and waits for them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	return nil
}
