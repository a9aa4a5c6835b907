// Package worker provides a generic bounded worker pool. The TCP listener
// uses it to run per-connection readers; the pool caps both the number of
// concurrent workers and the queue of pending work.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dusen0528/Node-Blue/metric"
)

// Pool processes work items of type T on a fixed set of workers.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// Optional metrics
	registry  *metric.Registry
	prefix    string
	mSubmit   prometheus.Counter
	mFailed   prometheus.Counter
	mDropped  prometheus.Counter
	mInFlight prometheus.Gauge
}

// Option configures a pool
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics under the given prefix. A nil registry
// disables metrics.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool creates a pool of the given size. The processor runs once per
// submitted item; long-lived items (such as open connections) occupy a
// worker until the processor returns.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.registry != nil && pool.prefix != "" {
		pool.initMetrics()
	}

	return pool
}

func (p *Pool[T]) initMetrics() {
	p.mSubmit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	p.mFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	p.mDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.prefix + "_dropped_total",
		Help: "Total work items dropped due to full queue",
	})
	p.mInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: p.prefix + "_in_flight",
		Help: "Work items currently being processed",
	})

	_ = p.registry.RegisterCounter(p.prefix, "submitted_total", p.mSubmit)
	_ = p.registry.RegisterCounter(p.prefix, "failed_total", p.mFailed)
	_ = p.registry.RegisterCounter(p.prefix, "dropped_total", p.mDropped)
	_ = p.registry.RegisterGauge(p.prefix, "in_flight", p.mInFlight)
}

// Submit queues work for processing. Returns ErrQueueFull instead of
// blocking when the queue is saturated.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.mSubmit != nil {
			p.mSubmit.Inc()
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.mDropped != nil {
			p.mDropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. Work submitted before Start is rejected.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits for in-flight work to finish, bounded by
// the timeout. Idempotent.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)

	done := make(chan struct{})
	go func() {
		if p.wg != nil {
			p.wg.Wait()
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		p.stopped = true
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			if p.mInFlight != nil {
				p.mInFlight.Inc()
			}
			err := p.processor(ctx, work)
			if p.mInFlight != nil {
				p.mInFlight.Dec()
			}

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
				if p.mFailed != nil {
					p.mFailed.Inc()
				}
			}
		}
	}
}
