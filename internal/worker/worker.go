// Package worker implements the job execution loop over the queue.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/events"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
	"github.com/JakeFAU/article-enhancer/internal/queue"
)

// Handler processes one job. Errors marked with queue.Permanent are not retried.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job queue.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job queue.Job) error {
	return f(ctx, job)
}

// Backoff yields the delay before the attempt following attempt.
type Backoff interface {
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single attempt. Zero means no limit.
	JobTimeout time.Duration
	// OutcomeTimeout bounds the queue write that records an attempt's result.
	OutcomeTimeout time.Duration
	// ErrorPause is the wait after an unexpected dequeue error.
	ErrorPause time.Duration
}

// Worker consumes jobs and applies the queue's retry policy to their outcome.
type Worker struct {
	queue   queue.Queue
	handler Handler
	backoff Backoff
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs a Worker.
func New(
	q queue.Queue,
	handler Handler,
	backoff Backoff,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = 5 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	return &Worker{
		queue:   q,
		handler: handler,
		backoff: backoff,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes jobs until ctx finishes or the queue closes. Jobs run under
// jobCtx, so cancelling ctx stops new dequeues without aborting in-flight work.
func (w *Worker) Run(ctx, jobCtx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorPause):
			}
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", job.ID),
			zap.String("article_id", job.ArticleID),
			zap.Int("attempt", job.Attempt),
		)
		w.processJob(jobCtx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.now()
	attemptCtx := ctx
	cancel := func() {}
	if w.cfg.JobTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	err := w.handler.Handle(attemptCtx, job)
	cancel()
	elapsed := w.now().Sub(start)

	outcomeCtx, cancelOutcome := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OutcomeTimeout)
	defer cancelOutcome()

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("article_id", job.ArticleID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("duration", elapsed),
	)

	switch {
	case err == nil:
		if qErr := w.queue.Complete(outcomeCtx, job); qErr != nil {
			logger.Error("mark job completed failed", zap.Error(qErr))
		}
		metrics.ObserveJob("completed", elapsed)
		w.emit(events.TypeJobCompleted, job, nil)
		logger.Info("job completed")
	case queue.IsPermanent(err) || job.Attempt >= job.MaxAttempts:
		if qErr := w.queue.Fail(outcomeCtx, job, err); qErr != nil {
			logger.Error("mark job failed failed", zap.Error(qErr))
		}
		metrics.ObserveJob("failed", elapsed)
		w.emit(events.TypeJobFailed, job, err)
		logger.Warn("job failed", zap.Bool("permanent", queue.IsPermanent(err)), zap.Error(err))
	default:
		delay := w.backoff.Backoff(job.Attempt)
		if qErr := w.queue.Retry(outcomeCtx, job, delay, err); qErr != nil {
			logger.Error("schedule job retry failed", zap.Error(qErr))
		}
		metrics.ObserveJob("retried", elapsed)
		w.emit(events.TypeJobRetrying, job, err)
		logger.Warn("job attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
	}
}

func (w *Worker) emit(typ events.Type, job queue.Job, err error) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(events.Event{
		Type:      typ,
		JobID:     job.ID,
		ArticleID: job.ArticleID,
		Attempt:   job.Attempt,
		Error:     queue.ErrorText(err),
		At:        w.now(),
	})
}
