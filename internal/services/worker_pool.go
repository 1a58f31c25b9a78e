package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// ErrPoolStopped is returned by Submit after Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

const (
	minPoolWorkers = 2
	maxPoolWorkers = 32
)

// Task is one unit of reconciliation work.
type Task func(ctx context.Context) error

// WorkerPool runs reconciliation tasks on a bounded set of goroutines.
// Projection work is CPU-bound with a per-task memory footprint that grows
// with hierarchy size, so the pool is sized from the detected cores and
// memory headroom rather than per request.
type WorkerPool struct {
	size    int
	timeout time.Duration
	queue   chan job
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// OptimalPoolSize derives a worker count from CPU cores and available
// memory. Each worker is budgeted roughly half a GB; boxes with less memory
// get fewer workers than cores would allow.
func OptimalPoolSize() int {
	size := runtime.NumCPU()
	if memInfo, err := mem.VirtualMemory(); err == nil {
		byMemory := int(memInfo.Available / (512 * 1024 * 1024))
		if byMemory < size {
			size = byMemory
		}
	}
	if size < minPoolWorkers {
		size = minPoolWorkers
	}
	if size > maxPoolWorkers {
		size = maxPoolWorkers
	}
	return size
}

// NewWorkerPool starts a pool. size <= 0 selects OptimalPoolSize; queueSize
// <= 0 gets a small default backlog.
func NewWorkerPool(size, queueSize int, timeout time.Duration, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = OptimalPoolSize()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &WorkerPool{
		size:    size,
		timeout: timeout,
		queue:   make(chan job, queueSize),
		logger:  logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("worker pool started", "workers", size, "queue_size", queueSize)
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

// Submit enqueues a task and waits for its completion. The task context is
// bounded by the pool timeout when one is configured. Submitting to a stopped
// pool returns ErrPoolStopped.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	done := make(chan error, 1)
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.queue <- job{ctx: ctx, task: task, done: done}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitAll runs a batch of tasks and returns the first error, after every
// task has finished.
func (p *WorkerPool) SubmitAll(ctx context.Context, tasks []Task) error {
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			errs[i] = p.Submit(ctx, task)
		}(i, task)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop drains the queue and waits for in-flight tasks. The write lock waits
// out any Submit holding the read side, so the close cannot race a send.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		ctx := j.ctx
		cancel := func() {}
		if p.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		j.done <- p.run(ctx, j.task, id)
		cancel()
	}
}

func (p *WorkerPool) run(ctx context.Context, task Task, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", "worker", id, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return task(ctx)
}
