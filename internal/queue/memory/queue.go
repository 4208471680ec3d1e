// Package memory provides an in-process job queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/article-enhancer/internal/queue"
)

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	Retention   queue.Retention
	IDs         queue.IDGenerator
	Clock       queue.Clock
}

// Queue keeps jobs in memory. Waiting jobs are served FIFO; delayed jobs are
// promoted once their AvailableAt passes.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*queue.Job
	ready     []string
	delayed   []string
	active    map[string]struct{}
	completed []string
	failed    []string
	wake      chan struct{}
	closed    bool
	done      chan struct{}
	seq       int

	maxAttempts int
	retention   queue.Retention
	ids         queue.IDGenerator
	now         func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Retention == (queue.Retention{}) {
		opts.Retention = queue.DefaultRetention()
	}
	now := func() time.Time { return time.Now().UTC() }
	if opts.Clock != nil {
		now = opts.Clock.Now
	}
	return &Queue{
		jobs:        make(map[string]*queue.Job),
		active:      make(map[string]struct{}),
		wake:        make(chan struct{}),
		done:        make(chan struct{}),
		maxAttempts: opts.MaxAttempts,
		retention:   opts.Retention,
		ids:         opts.IDs,
		now:         now,
	}
}

// Enqueue adds a waiting job for articleID.
func (q *Queue) Enqueue(ctx context.Context, articleID string) (queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	id, err := q.newID()
	if err != nil {
		return queue.Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, queue.ErrClosed
	}
	now := q.now()
	job := &queue.Job{
		ID:          id,
		ArticleID:   articleID,
		State:       queue.StateWaiting,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	q.jobs[id] = job
	q.ready = append(q.ready, id)
	q.broadcastLocked()
	return *job, nil
}

// Dequeue claims the next ready job and increments its attempt count.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queue.Job{}, queue.ErrClosed
		}
		now := q.now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			job := q.jobs[id]
			job.State = queue.StateActive
			job.Attempt++
			q.active[id] = struct{}{}
			q.mu.Unlock()
			return *job, nil
		}
		wake := q.wake
		wait := q.nextDelayLocked(now)
		q.mu.Unlock()

		if err := q.wait(ctx, wake, wait); err != nil {
			return queue.Job{}, err
		}
	}
}

// Complete records success and applies completed-job retention.
func (q *Queue) Complete(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.activeJobLocked(job.ID)
	if err != nil {
		return err
	}
	now := q.now()
	stored.State = queue.StateCompleted
	stored.FinishedAt = &now
	stored.LastError = ""
	q.completed = append(q.completed, job.ID)
	q.trimCompletedLocked(now)
	return nil
}

// Retry parks the job as delayed until delay has passed.
func (q *Queue) Retry(_ context.Context, job queue.Job, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.activeJobLocked(job.ID)
	if err != nil {
		return err
	}
	stored.State = queue.StateDelayed
	stored.AvailableAt = q.now().Add(delay)
	stored.LastError = queue.ErrorText(cause)
	q.delayed = append(q.delayed, job.ID)
	q.broadcastLocked()
	return nil
}

// Fail records a terminal failure and applies failed-job retention.
func (q *Queue) Fail(_ context.Context, job queue.Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, err := q.activeJobLocked(job.ID)
	if err != nil {
		return err
	}
	now := q.now()
	stored.State = queue.StateFailed
	stored.FinishedAt = &now
	stored.LastError = queue.ErrorText(cause)
	q.failed = append(q.failed, job.ID)
	if keep := q.retention.KeepFailed; keep > 0 && len(q.failed) > keep {
		for _, id := range q.failed[:len(q.failed)-keep] {
			delete(q.jobs, id)
		}
		q.failed = append([]string(nil), q.failed[len(q.failed)-keep:]...)
	}
	return nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.promoteLocked(now)
	q.trimCompletedLocked(now)
	return queue.Stats{
		Waiting:   int64(len(q.ready)),
		Active:    int64(len(q.active)),
		Delayed:   int64(len(q.delayed)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}, nil
}

// Failed returns up to limit terminal failures, newest first.
func (q *Queue) Failed(_ context.Context, limit int) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, 0, len(q.failed))
	for i := len(q.failed) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *q.jobs[q.failed[i]])
	}
	return out, nil
}

// Close wakes blocked consumers with ErrClosed. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// wait blocks until woken, the next delayed job is due, or the queue stops.
func (q *Queue) wait(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.ErrClosed
	case <-wake:
	case <-timer:
	}
	return nil
}

func (q *Queue) newID() (string, error) {
	if q.ids == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.seq++
		return fmt.Sprintf("job-%d", q.seq), nil
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new job id: %w", err)
	}
	return id, nil
}

func (q *Queue) activeJobLocked(id string) (*queue.Job, error) {
	if _, ok := q.active[id]; !ok {
		return nil, fmt.Errorf("job %s is not active", id)
	}
	delete(q.active, id)
	return q.jobs[id], nil
}

// broadcastLocked wakes every blocked Dequeue so each re-checks the queue.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) promoteLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	var due []*queue.Job
	remaining := q.delayed[:0]
	for _, id := range q.delayed {
		job := q.jobs[id]
		if job.AvailableAt.After(now) {
			remaining = append(remaining, id)
			continue
		}
		due = append(due, job)
	}
	q.delayed = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].AvailableAt.Before(due[j].AvailableAt) })
	for _, job := range due {
		job.State = queue.StateWaiting
		q.ready = append(q.ready, job.ID)
	}
}

func (q *Queue) nextDelayLocked(now time.Time) time.Duration {
	var next time.Duration
	for _, id := range q.delayed {
		wait := q.jobs[id].AvailableAt.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		if next == 0 || wait < next {
			next = wait
		}
	}
	return next
}

func (q *Queue) trimCompletedLocked(now time.Time) {
	drop := 0
	if ttl := q.retention.CompletedTTL; ttl > 0 {
		for drop < len(q.completed) {
			finished := q.jobs[q.completed[drop]].FinishedAt
			if finished == nil || now.Sub(*finished) < ttl {
				break
			}
			drop++
		}
	}
	if keep := q.retention.KeepCompleted; keep > 0 && len(q.completed)-drop > keep {
		drop = len(q.completed) - keep
	}
	if drop == 0 {
		return
	}
	for _, id := range q.completed[:drop] {
		delete(q.jobs, id)
	}
	q.completed = append([]string(nil), q.completed[drop:]...)
}
