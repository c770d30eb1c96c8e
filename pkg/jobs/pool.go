package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrInvalidPoolConfig is returned by NewPool for inconsistent sizes.
	ErrInvalidPoolConfig = errors.New("invalid pool configuration")

	// ErrShutdownTimeout is returned when workers were still busy after the grace period.
	ErrShutdownTimeout = errors.New("pool shutdown timed out")
)

// Task is a unit of work run by the pool. The context is cancelled when a
// shutdown runs out of grace.
type Task func(ctx context.Context)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	CoreSize    int
	MaxSize     int
	QueueLength int
	KeepAlive   time.Duration
}

// Pool runs tasks on up to MaxSize goroutines. Submissions start a core worker
// while fewer than CoreSize run, are queued next, and start an extra worker
// when the queue is full. Extra workers exit after KeepAlive without work.
type Pool struct {
	logger    *slog.Logger
	core      int
	keepAlive time.Duration

	slots   *semaphore.Weighted
	workers atomic.Int64
	queue   chan Task

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool. No worker is started before the first submission.
func NewPool(logger *slog.Logger, config PoolConfig) (*Pool, error) {
	if config.CoreSize < 1 || config.MaxSize < config.CoreSize || config.QueueLength < 0 || config.KeepAlive < 0 {
		return nil, fmt.Errorf("%w: core %d, max %d, queue %d, keep alive %s", ErrInvalidPoolConfig,
			config.CoreSize, config.MaxSize, config.QueueLength, config.KeepAlive)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger.With("module", "job_pool"),
		core:      config.CoreSize,
		keepAlive: config.KeepAlive,
		slots:     semaphore.NewWeighted(int64(config.MaxSize)),
		queue:     make(chan Task, config.QueueLength),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// TrySubmit hands the task to the pool without blocking. It reports false when
// the pool is saturated or shut down.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	if p.workers.Load() < int64(p.core) && p.startWorker(task) {
		return true
	}

	select {
	case p.queue <- task:
		return true
	default:
	}

	return p.startWorker(task)
}

// Workers returns the number of running workers.
func (p *Pool) Workers() int {
	return int(p.workers.Load())
}

// Shutdown stops accepting tasks, lets the workers drain the queue and waits
// for them for at most grace. Running tasks are then cancelled and left behind.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()

		return nil
	case <-timer.C:
		p.cancel()
		p.logger.Warn("Pool shutdown grace period expired", "busy_workers", p.workers.Load())

		return fmt.Errorf("%w after %s", ErrShutdownTimeout, grace)
	}
}

func (p *Pool) startWorker(first Task) bool {
	if !p.slots.TryAcquire(1) {
		return false
	}

	p.workers.Add(1)
	p.wg.Add(1)

	go p.work(first)

	return true
}

func (p *Pool) work(task Task) {
	retired := false

	defer func() {
		if !retired {
			p.workers.Add(-1)
		}

		p.slots.Release(1)
		p.wg.Done()
	}()

	for task != nil {
		p.run(task)
		task, retired = p.await()
	}
}

// await blocks for the next task. It returns nil once the queue is closed, or
// with retired set when the worker gave up its slot after KeepAlive idle.
func (p *Pool) await() (Task, bool) {
	timer := time.NewTimer(p.keepAlive)
	defer timer.Stop()

	select {
	case task, ok := <-p.queue:
		if !ok {
			return nil, false
		}

		return task, false
	case <-timer.C:
	}

	if p.retire() {
		return nil, true
	}

	task, ok := <-p.queue
	if !ok {
		return nil, false
	}

	return task, false
}

// retire lets an idle worker exit while more than the core size are running.
func (p *Pool) retire() bool {
	for {
		current := p.workers.Load()
		if current <= int64(p.core) {
			return false
		}

		if p.workers.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", r)
		}
	}()

	task(p.ctx)
}
