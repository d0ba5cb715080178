// Package worker runs detached background tasks on a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/splax/kubeploy/internal/metrics"
)

// ErrPoolClosed is returned by Submit and Go after Close.
var ErrPoolClosed = errors.New("worker: pool closed")

// Task is a unit of background work. ctx is cancelled when the pool closes.
type Task func(ctx context.Context)

// Pool bounds how many tasks run at once. Submit never blocks: tasks beyond
// capacity wait for a slot.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger

	running prometheus.Gauge
	queued  prometheus.Gauge
	tasks   *prometheus.CounterVec
}

// New constructs a pool running at most size tasks concurrently.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		running: metrics.NewGauge("worker", "running_tasks", "Tasks currently executing"),
		queued:  metrics.NewGauge("worker", "queued_tasks", "Tasks waiting for a slot"),
		tasks:   metrics.NewCounterVec("worker", "tasks_total", "Finished tasks by name and outcome", "task", "outcome"),
	}
}

// Submit schedules task under name and returns immediately.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.queued.Inc()
	go p.run(name, task)
	return nil
}

// Go starts a long-lived task outside the bounded slots. It is cancelled and
// awaited by Close like any other task, but never delays Submit work.
func (p *Pool) Go(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.exec(name, task)
	}()
	return nil
}

func (p *Pool) run(name string, task Task) {
	defer p.wg.Done()
	err := p.sem.Acquire(p.ctx, 1)
	p.queued.Dec()
	if err != nil {
		p.tasks.WithLabelValues(name, "dropped").Inc()
		p.logger.Warn("task dropped on shutdown", "task", name)
		return
	}
	defer p.sem.Release(1)
	p.exec(name, task)
}

func (p *Pool) exec(name string, task Task) {
	p.running.Inc()
	defer p.running.Dec()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			p.logger.Error("task panicked", "task", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.tasks.WithLabelValues(name, outcome).Inc()
	}()
	task(p.ctx)
}

// Close stops accepting tasks, cancels running ones and waits for them
// until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

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
