package article

import (
	"errors"
)

// Error taxonomy shared across the enhancement pipeline.
var (
	// ErrNotFound means the referenced article does not exist.
	ErrNotFound = errors.New("article not found")
	// ErrConflict means the article is already being processed.
	ErrConflict = errors.New("article is already being processed")
	// ErrInvalidTransition means the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientData means too few competitors were found or scraped.
	ErrInsufficientData = errors.New("insufficient competitor data")
	// ErrDependencyUnavailable means an external dependency is failing or its breaker is open.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrSynthesisFailure means the language model call failed or returned nothing usable.
	ErrSynthesisFailure = errors.New("synthesis failed")
	// ErrDuplicateURL is returned when creating an article whose URL already exists.
	ErrDuplicateURL = errors.New("article url already exists")
)

// Retryable reports whether a job failing with err should be attempted again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return false
	default:
		return true
	}
}

// Kind returns a short label for err, used in metrics and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrSynthesisFailure):
		return "synthesis_failure"
	default:
		return "unknown"
	}
}
