// Package exec provides a named, round-robin-selected group of
// goroutine slots that connections are assigned to, the Go analogue of
// cinatra's coro_io::io_context_pool: a fixed number of reactors that
// many connections share by being multiplexed onto rather than queued
// behind. Go's scheduler already multiplexes goroutines blocked on I/O
// across a handful of OS threads the way an io_context's event loop
// multiplexes suspended coroutines over one thread, so Submit starts
// each job on its own goroutine immediately instead of handing it to
// one of a small number of goroutines draining a bounded channel — the
// latter would cap live connections at the executor count and stall
// the accept loop the moment one executor's queue filled with
// long-lived connections.
package exec

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Executor is a named slot in a Pool, used to group submitted work for
// accounting. It does not itself bound how many jobs run concurrently;
// concurrency comes from goroutines, not from the executor count.
type Executor struct {
	id   int
	pool *Pool
}

// Submit starts job on its own goroutine right away, tracked by the
// pool's WaitGroup so Stop can wait for outstanding work to drain.
// Submit never blocks, regardless of how many jobs are already running
// or how long they run.
func (e *Executor) Submit(job func()) {
	e.pool.wg.Add(1)
	go func() {
		defer e.pool.wg.Done()
		job()
	}()
}

// Pool is a fixed-size, round-robin-selected group of Executors.
type Pool struct {
	executors []*Executor
	cursor    atomic.Int64
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
}

// NewPool creates n named executors. n<=0 defaults to GOMAXPROCS.
// queueDepth is accepted for call-site compatibility with this pool's
// earlier bounded-queue design; Submit no longer queues, so it has no
// effect.
func NewPool(n, queueDepth int) *Pool {
	_ = queueDepth
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{executors: make([]*Executor, n)}
	for i := range p.executors {
		p.executors[i] = &Executor{id: i, pool: p}
	}
	return p
}

// Run arms the pool to stop itself once ctx is canceled. It does not
// block.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Next returns the next executor by round-robin cursor, mirroring
// gorox's nextIndexByRoundRobin: an atomically incremented counter
// taken modulo the pool size.
func (p *Pool) Next() *Executor {
	n := int64(len(p.executors))
	idx := p.cursor.Add(1) % n
	return p.executors[idx]
}

// Stop waits for every job submitted so far to finish. Safe to call
// more than once, and safe to call concurrently with Submit.
func (p *Pool) Stop() {
	p.wg.Wait()
}

// Size returns the number of executors in the pool.
func (p *Pool) Size() int { return len(p.executors) }
