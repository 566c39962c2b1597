package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultPoolSize is the number of workers a pool creates when unspecified.
const DefaultPoolSize = 3

// PoolConfig holds the settings for the worker pool.
type PoolConfig struct {
	// Size is the number of workers to maintain. Default 3, minimum 1.
	Size int

	// Worker is the per-worker configuration.
	Worker WorkerConfig
}

// workerFactory builds one worker. Injectable for tests.
type workerFactory func(id int) (*Worker, error)

// waiter is one blocked Acquire call. The channel is buffered so a handoff
// never blocks the releaser.
type waiter struct {
	ch chan *Worker
}

// WorkerPool owns a fixed number of inference workers and hands out
// exclusive leases on them. Blocked acquirers are served strictly first
// come, first served.
//
// Invariant: Available() + outstanding leases == Capacity() from warm-up
// until teardown. Unhealthy workers returned to the pool are discarded and
// replaced lazily on a later acquire, so the slot count never changes.
type WorkerPool struct {
	config  PoolConfig
	factory workerFactory

	mu          sync.Mutex
	idle        []*Worker
	waiters     []*waiter
	outstanding int
	nextID      int
	warmed      bool
	closed      bool

	closedCh chan struct{}
	released *sync.Cond
}

// NewWorkerPool creates an empty pool. Call WarmUp before Acquire.
func NewWorkerPool(config PoolConfig) *WorkerPool {
	factory := func(id int) (*Worker, error) {
		if _, err := os.Stat(config.Worker.ExecutablePath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkerSpawn, err)
		}
		return NewWorker(id, config.Worker), nil
	}
	return newWorkerPoolWithFactory(config, factory)
}

func newWorkerPoolWithFactory(config PoolConfig, factory workerFactory) *WorkerPool {
	if config.Size < 1 {
		config.Size = DefaultPoolSize
	}
	p := &WorkerPool{
		config:   config,
		factory:  factory,
		closedCh: make(chan struct{}),
	}
	p.released = sync.NewCond(&p.mu)
	return p
}

// WarmUp creates the full complement of workers. onProgress, when non-nil,
// is called after each worker comes up with (created, total). If any worker
// fails to start, the ones already created are destroyed and ErrPoolInit is
// returned; the pool is unusable afterwards. Warming up twice is an error.
func (p *WorkerPool) WarmUp(ctx context.Context, onProgress func(created, total int)) error {
	p.mu.Lock()
	if p.warmed {
		p.mu.Unlock()
		return ErrPoolAlreadyWarm
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.warmed = true
	p.mu.Unlock()

	total := p.config.Size
	workers := make([]*Worker, total)
	var created atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < total; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w, err := p.factory(i)
			if err != nil {
				return err
			}
			workers[i] = w
			n := created.Add(1)
			if onProgress != nil {
				onProgress(int(n), total)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Dispose()
			}
		}
		p.mu.Lock()
		p.closed = true
		close(p.closedCh)
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPoolInit, err)
	}

	p.mu.Lock()
	p.idle = workers
	p.nextID = total
	p.mu.Unlock()
	log.Printf("pool: warmed up %d workers", total)
	return nil
}

// Capacity returns the configured worker count. Non-blocking.
func (p *WorkerPool) Capacity() int {
	return p.config.Size
}

// Available returns how many leases could be handed out right now without
// blocking. Non-blocking; the value may be stale by the time it is used.
func (p *WorkerPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.warmed {
		return 0
	}
	return p.config.Size - p.outstanding
}

// Acquire returns an exclusive lease on a worker, blocking until one is
// free. Blocked callers are served in arrival order. Cancelling ctx while
// queued abandons the wait without losing a worker.
func (p *WorkerPool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed || !p.warmed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Fast path: a worker is idle, or a dropped slot can be refilled.
	if w, err := p.takeSlotLocked(); w != nil || err != nil {
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &Lease{pool: p, worker: w}, nil
	}

	// Slow path: join the FIFO queue.
	wt := &waiter{ch: make(chan *Worker, 1)}
	p.waiters = append(p.waiters, wt)
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		if w == nil {
			return nil, ErrPoolClosed
		}
		return &Lease{pool: p, worker: w}, nil

	case <-ctx.Done():
		p.mu.Lock()
		for i, other := range p.waiters {
			if other == wt {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// A worker was handed to us while we were cancelling; put it back.
		if w := <-wt.ch; w != nil {
			p.releaseWorker(w, true)
		}
		return nil, ctx.Err()

	case <-p.closedCh:
		// A release may have handed us a worker in the same instant the
		// pool closed; return it so teardown can drain.
		select {
		case w := <-wt.ch:
			if w != nil {
				p.releaseWorker(w, true)
			}
		default:
		}
		return nil, ErrPoolClosed
	}
}

// takeSlotLocked claims a free slot: an idle worker if one exists, otherwise
// a lazy replacement for a previously dropped one. Returns (nil, nil) when
// the pool is fully leased out.
func (p *WorkerPool) takeSlotLocked() (*Worker, error) {
	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.outstanding++
		return w, nil
	}
	if p.outstanding+len(p.idle) < p.config.Size {
		id := p.nextID
		p.nextID++
		w, err := p.factory(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkerSpawn, err)
		}
		log.Printf("pool: replaced dropped worker with worker %d", id)
		p.outstanding++
		return w, nil
	}
	return nil, nil
}

// releaseWorker returns a worker to the pool. Unhealthy workers are dropped;
// their slot is refilled lazily by a later Acquire.
func (p *WorkerPool) releaseWorker(w *Worker, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outstanding--
	p.released.Broadcast()

	if p.closed {
		w.Dispose()
		return
	}

	if !healthy {
		w.Dispose()
		log.Printf("pool: dropped unhealthy worker %d", w.ID())
		// Wake the oldest waiter with a fresh replacement if one is queued;
		// otherwise the slot refills on the next Acquire.
		if len(p.waiters) > 0 {
			if replacement, err := p.takeSlotLocked(); replacement != nil {
				wt := p.waiters[0]
				p.waiters = p.waiters[1:]
				wt.ch <- replacement
			} else if err != nil {
				log.Printf("pool: failed to replace dropped worker: %v", err)
			}
		}
		return
	}

	if len(p.waiters) > 0 {
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.outstanding++
		wt.ch <- w
		return
	}
	p.idle = append(p.idle, w)
}

// Teardown closes the pool: waiters are woken with ErrPoolClosed, new
// acquires fail, and the call blocks until outstanding leases are returned
// or ctx expires. Idempotent.
func (p *WorkerPool) Teardown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)

	for _, wt := range p.waiters {
		wt.ch <- nil
	}
	p.waiters = nil

	for _, w := range p.idle {
		w.Dispose()
	}
	p.idle = nil
	p.mu.Unlock()

	// Bounded wait for outstanding leases to come home.
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.outstanding > 0 {
			p.released.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("pool: teardown complete")
		return nil
	case <-ctx.Done():
		// Wake the watcher goroutine so it does not leak.
		p.mu.Lock()
		p.released.Broadcast()
		p.mu.Unlock()
		return fmt.Errorf("pool: teardown abandoned %d outstanding leases: %w",
			p.outstandingCount(), ctx.Err())
	}
}

func (p *WorkerPool) outstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Lease is an exclusive claim on one worker. Release it exactly once when
// done; extra releases are ignored.
type Lease struct {
	pool     *WorkerPool
	worker   *Worker
	released atomic.Bool
}

// Worker returns the leased worker.
func (l *Lease) Worker() *Worker {
	return l.worker
}

// Query proxies to the leased worker.
func (l *Lease) Query(ctx context.Context, prompt, question string) (string, error) {
	if l.released.Load() {
		return "", ErrWorkerDisposed
	}
	return l.worker.Query(ctx, prompt, question)
}

// Release returns the worker to the pool. Idempotent; only the first call
// has any effect. The worker's health at release time decides whether it
// rejoins the pool or is dropped.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.releaseWorker(l.worker, l.worker.Healthy())
}
