package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolStopped is returned by Submit once the pool has been stopped.
	ErrPoolStopped = errors.New("workerpool: pool stopped")

	// ErrNilHandler is returned by Submit when no handler is supplied.
	ErrNilHandler = errors.New("workerpool: nil handler")
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	Capacity  int
	Processed uint64
	Panics    uint64
}

type job[T any] struct {
	item    T
	handler func(T)
}

type worker struct {
	id   int
	quit chan struct{}
}

// Pool executes handlers for submitted items on a resizable set of workers.
type Pool[T any] struct {
	jobs     chan job[T]
	stopCh   chan struct{}
	stopOnce sync.Once

	// submitMu is held shared by senders and exclusively while the queue is closed.
	submitMu sync.RWMutex

	mu      sync.Mutex
	workers []*worker
	nextID  int
	stopped bool
	wg      sync.WaitGroup

	processed atomic.Uint64
	panics    atomic.Uint64

	onPanic func(item T, recovered any)
	logger  *slog.Logger
}

// New creates a stopped pool with a queue holding up to queueSize pending items.
// A nil logger uses slog.Default().
func New[T any](queueSize int, logger *slog.Logger) *Pool[T] {
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[T]{
		jobs:   make(chan job[T], queueSize),
		stopCh: make(chan struct{}),
		logger: logger.With("component", "workerpool"),
	}
}

// OnPanic registers a callback invoked after a handler panic has been recovered.
// It must be set before Start.
func (p *Pool[T]) OnPanic(fn func(item T, recovered any)) {
	p.onPanic = fn
}

// Start launches n workers. It is equivalent to SetWorkerCount(n).
func (p *Pool[T]) Start(n int) {
	p.SetWorkerCount(n)
}

// SetWorkerCount grows or shrinks the live worker set to n.
// Excess workers exit after finishing their current item. A count of zero
// or less stops the pool.
func (p *Pool[T]) SetWorkerCount(n int) {
	if n <= 0 {
		p.Stop()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	for len(p.workers) < n {
		w := &worker{id: p.nextID, quit: make(chan struct{})}
		p.nextID++
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.loop(w)
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		close(p.workers[last].quit)
		p.workers[last] = nil
		p.workers = p.workers[:last]
	}
	p.logger.Debug("worker count changed", "workers", n)
}

// WorkerCount returns the number of live workers.
func (p *Pool[T]) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Submit enqueues item for handler. It blocks while the queue is full and
// returns ctx.Err() if ctx ends first, or ErrPoolStopped after Stop.
func (p *Pool[T]) Submit(ctx context.Context, item T, handler func(T)) error {
	if handler == nil {
		return ErrNilHandler
	}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}

	select {
	case p.jobs <- job[T]{item: item, handler: handler}:
		return nil
	case <-p.stopCh:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new submissions, waits for queued and in-flight items to
// finish, and returns once every worker has exited. Stop must not be called
// from inside a handler.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.submitMu.Lock()
		p.mu.Lock()
		p.stopped = true
		live := len(p.workers)
		p.workers = nil
		p.mu.Unlock()
		close(p.jobs)
		p.submitMu.Unlock()

		// Queued items still run when the pool was shrunk to nothing.
		if live == 0 {
			p.wg.Add(1)
			go p.loop(&worker{id: -1, quit: make(chan struct{})})
		}
		p.logger.Debug("pool stopping", "queued", len(p.jobs))
	})
	p.wg.Wait()
}

// Stats reports the current pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.WorkerCount(),
		Queued:    len(p.jobs),
		Capacity:  cap(p.jobs),
		Processed: p.processed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool[T]) loop(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		default:
		}

		select {
		case <-w.quit:
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(w, j)
		}
	}
}

func (p *Pool[T]) run(w *worker, j job[T]) {
	defer func() {
		p.processed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("handler panic",
				"worker", w.id,
				"panic", r,
				"stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(j.item, r)
			}
		}
	}()
	j.handler(j.item)
}
