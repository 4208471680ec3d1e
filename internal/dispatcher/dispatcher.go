// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/queue"
	"github.com/JakeFAU/article-enhancer/internal/worker"
)

// Dispatcher runs a fixed pool of workers over one queue.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	logger  *zap.Logger

	mu       sync.Mutex
	running  bool
	shutdown bool
	stop     context.CancelFunc
	abort    context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Dispatcher. The pool size is len(workers).
func New(q queue.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   q,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until they exit. Cancelling ctx stops new
// dequeues; in-flight jobs keep running until they finish or Shutdown's
// deadline passes.
func (d *Dispatcher) Run(ctx context.Context) {
	dequeueCtx, stop := context.WithCancel(ctx)
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	defer abort()

	d.mu.Lock()
	if d.shutdown || d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop, d.abort = stop, abort
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(wk *worker.Worker) {
			defer d.wg.Done()
			wk.Run(dequeueCtx, jobCtx)
		}(w)
	}
	d.mu.Unlock()

	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))
	d.wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Shutdown stops dequeuing, waits for in-flight jobs until ctx is done, then
// closes the queue. Jobs still running at the deadline are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	stop, abort := d.stop, d.abort
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()

	var waitErr error
	select {
	case <-idle:
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		waitErr = fmt.Errorf("wait for in-flight jobs: %w", ctx.Err())
		d.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
	}

	var closeErr error
	if err := d.queue.Close(); err != nil {
		closeErr = fmt.Errorf("close queue: %w", err)
	}
	return errors.Join(waitErr, closeErr)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, articleID string) (queue.Job, error) {
	job, err := d.queue.Enqueue(ctx, articleID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return job, nil
}

// Stats proxies to the underlying queue.
func (d *Dispatcher) Stats(ctx context.Context) (queue.Stats, error) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Failed proxies to the underlying queue.
func (d *Dispatcher) Failed(ctx context.Context, limit int) ([]queue.Job, error) {
	jobs, err := d.queue.Failed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("queue failed jobs: %w", err)
	}
	return jobs, nil
}
