// Package worker provides a bounded worker pool used to keep slow sinks off
// the transport receive loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrNotStarted     = errors.New("worker pool not started")
	ErrStopped        = errors.New("worker pool stopped")
	ErrAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull is returned by Submit instead of blocking the caller.
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrNilHandler  = errors.New("worker pool handler cannot be nil")
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

// Pool runs handler on up to workers goroutines fed by a queue of queueSize.
type Pool[T any] struct {
	workers   int
	queueSize int
	handler   func(context.Context, T) error

	queue chan T
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	depth    prometheus.Gauge
	duration *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers queue depth and processing time collectors
// named <prefix>_queue_depth and <prefix>_processing_seconds.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.depth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the worker pool queue.",
		})
		p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_seconds",
			Help:    "Time spent handling one queued item.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"status"})
		if reg != nil {
			reg.MustRegister(p.depth, p.duration)
		}
	}
}

// NewPool builds a pool. Non-positive sizes fall back to 4 workers and a
// queue of 1000.
func NewPool[T any](workers, queueSize int, handler func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if handler == nil {
		panic(ErrNilHandler)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		handler:   handler,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains
// the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		if p.depth != nil {
			p.depth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.handler(ctx, item)

			p.processed.Add(1)
			status := "ok"
			if err != nil {
				p.failed.Add(1)
				status = "error"
			}
			if p.duration != nil {
				p.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
				p.depth.Set(float64(len(p.queue)))
			}
		}
	}
}
