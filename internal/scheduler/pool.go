package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"homectl/internal/observability/metrics"
)

// Pool is a fixed-size set of workers draining a bounded queue of callbacks.
type Pool struct {
	workers   int
	queueSize int
	logger    *log.Logger

	work chan func()
	wg   sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	submitted int64
	processed int64
	dropped   int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers   int
	Queued    int
	Submitted int64
	Processed int64
	Dropped   int64
}

// NewPool constructs a pool. Non-positive sizes fall back to defaults.
func NewPool(workers, queueSize int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		workers:   workers,
		queueSize: queueSize,
		logger:    logger,
		work:      make(chan func(), queueSize),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started || p.stopped {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop drains queued work and waits for workers up to timeout.
func (p *Pool) Stop(timeout time.Duration) {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.lifecycleMu.Unlock()
		return
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Printf("scheduler pool: stop timeout after %s", timeout)
	}
	p.cancel()
}

// Submit queues fn. It never blocks; a full queue drops the callback.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.work <- fn:
		atomic.AddInt64(&p.submitted, 1)
		metrics.ObserveSchedulerQueueDepth(len(p.work))
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		metrics.IncSchedulerDropped()
		return ErrQueueFull
	}
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    len(p.work),
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case fn, ok := <-p.work:
			if !ok {
				return
			}
			p.run(fn)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(fn func()) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&p.processed, 1)
		if r := recover(); r != nil {
			p.logger.Printf("scheduler pool: callback panic: %v", r)
			metrics.ObserveSchedulerCallback(metrics.ResultError, time.Since(start))
			return
		}
		metrics.ObserveSchedulerCallback(metrics.ResultSuccess, time.Since(start))
	}()
	fn()
}
