// Package events fans enhancement lifecycle events out to pluggable sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type names a lifecycle milestone.
type Type string

// Supported event types.
const (
	TypeJobEnqueued       Type = "job.enqueued"
	TypeJobCompleted      Type = "job.completed"
	TypeJobRetrying       Type = "job.retrying"
	TypeJobFailed         Type = "job.failed"
	TypeBreakerTransition Type = "breaker.transition"
)

// Event is one observable change in the pipeline.
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	ArticleID string    `json:"articleId,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Breaker   string    `json:"breaker,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	At        time.Time `json:"at"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeJobEnqueued, TypeJobCompleted, TypeJobRetrying, TypeJobFailed:
		if e.JobID == "" {
			return fmt.Errorf("%s requires a job id", e.Type)
		}
	case TypeBreakerTransition:
		if e.Breaker == "" || e.To == "" {
			return errors.New("breaker transition requires breaker and target state")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
