// Package queue defines the durable job queue that feeds the worker pool.
// Implementations live in the memory and redis subpackages.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue and Enqueue once the queue is closed.
var ErrClosed = errors.New("queue closed")

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one enhancement request for an article.
type Job struct {
	ID          string     `json:"id"`
	ArticleID   string     `json:"articleId"`
	State       State      `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	AvailableAt time.Time  `json:"availableAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Stats are aggregate job counts.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total counts jobs that are queued or running.
func (s Stats) Total() int64 {
	return s.Waiting + s.Active
}

// Queue is a durable job store. Dequeue hands a job to exactly one caller; the
// caller must report the outcome through Complete, Retry or Fail.
type Queue interface {
	Enqueue(ctx context.Context, articleID string) (Job, error)
	// Dequeue blocks until a job is ready, ctx is done, or the queue is closed.
	Dequeue(ctx context.Context) (Job, error)
	Complete(ctx context.Context, job Job) error
	// Retry re-offers the job after delay.
	Retry(ctx context.Context, job Job, delay time.Duration, cause error) error
	// Fail marks the job terminally failed.
	Fail(ctx context.Context, job Job, cause error) error
	Stats(ctx context.Context) (Stats, error)
	// Failed lists retained terminal failures, newest first.
	Failed(ctx context.Context, limit int) ([]Job, error)
	Close() error
}

// IDGenerator produces unique job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Retention bounds how many finished jobs are kept.
type Retention struct {
	KeepCompleted int
	CompletedTTL  time.Duration
	KeepFailed    int
}

// DefaultRetention keeps 100 completed jobs for up to a day and 1000 failures.
func DefaultRetention() Retention {
	return Retention{KeepCompleted: 100, CompletedTTL: 24 * time.Hour, KeepFailed: 1000}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the worker fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrorText renders cause for storage on a job.
func ErrorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
