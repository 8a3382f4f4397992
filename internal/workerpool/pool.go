// Package workerpool provides a bounded goroutine pool whose saturation policy
// is to run the task on the submitting goroutine instead of dropping it.
package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"content_recommend/internal/logger"
)

// Config sizes the pool.
type Config struct {
	// MaxWorkers is the number of tasks allowed to run concurrently.
	MaxWorkers int `yaml:"max_workers"`
	// QueueSize is the number of tasks allowed to wait for a worker.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns a small pool suitable for recall fan-out.
func DefaultConfig() Config {
	return Config{MaxWorkers: 16, QueueSize: 64}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Running    int64 `json:"running"`
	Queued     int64 `json:"queued"`
	CallerRuns int64 `json:"caller_runs"`
	Panics     int64 `json:"panics"`
}

// Pool runs tasks with bounded concurrency.
type Pool struct {
	name    string
	workers *semaphore.Weighted
	queue   *semaphore.Weighted
	log     logger.Logger

	submitted  atomic.Int64
	running    atomic.Int64
	queued     atomic.Int64
	callerRuns atomic.Int64
	panics     atomic.Int64
}

// New creates a pool. Non-positive sizes fall back to defaults.
func New(name string, cfg Config, log logger.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Pool{
		name:    name,
		workers: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		queue:   semaphore.NewWeighted(int64(cfg.QueueSize)),
		log:     log,
	}
}

// Submit schedules fn. When every worker is busy and the queue is full the
// task runs synchronously on the caller's goroutine.
func (p *Pool) Submit(fn func()) {
	p.submitted.Add(1)

	if p.workers.TryAcquire(1) {
		go p.run(fn)
		return
	}

	if p.queue.TryAcquire(1) {
		p.queued.Add(1)
		go func() {
			// Acquire with a background context never fails.
			_ = p.workers.Acquire(context.Background(), 1)
			p.queue.Release(1)
			p.queued.Add(-1)
			p.run(fn)
		}()
		return
	}

	p.callerRuns.Add(1)
	p.safeCall(fn)
}

func (p *Pool) run(fn func()) {
	defer p.workers.Release(1)
	p.running.Add(1)
	defer p.running.Add(-1)
	p.safeCall(fn)
}

func (p *Pool) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("worker task panicked",
				logger.String("pool", p.name),
				logger.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Running:    p.running.Load(),
		Queued:     p.queued.Load(),
		CallerRuns: p.callerRuns.Load(),
		Panics:     p.panics.Load(),
	}
}
