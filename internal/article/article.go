// Package article defines the article entity and its enhancement lifecycle.
package article

import (
	"time"
)

// Status represents the enhancement state of an article.
type Status string

// Enhancement status values persisted with each article.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
// failed->pending and completed->pending only happen through an explicit
// retry or revert request.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending || next == StatusProcessing
	case StatusCompleted:
		return next == StatusPending
	default:
		return false
	}
}

// Claimable reports whether a job may move an article in status s to processing.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailed
}

// Stale reports whether a is still processing but was last written before
// cutoff. A zero cutoff disables the check.
func (a Article) Stale(cutoff time.Time) bool {
	return a.Status == StatusProcessing && !cutoff.IsZero() && a.UpdatedAt.Before(cutoff)
}

// Reference is one competitor source that fed a rewrite.
type Reference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Article is the persisted blog article.
type Article struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	URL              string      `json:"url"`
	Excerpt          string      `json:"excerpt,omitempty"`
	Content          string      `json:"content"`
	OriginalContent  string      `json:"original_content,omitempty"`
	PublishedAt      *time.Time  `json:"published_at,omitempty"`
	Status           Status      `json:"enhancement_status"`
	EnhancedAt       *time.Time  `json:"enhanced_at,omitempty"`
	EnhancementError string      `json:"enhancement_error,omitempty"`
	References       []Reference `json:"references"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// EnhancementState is the externally visible view of an article's enhancement.
type EnhancementState struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Status     Status      `json:"status"`
	EnhancedAt *time.Time  `json:"enhancedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
	References []Reference `json:"references"`
}

// State projects the article onto its enhancement state.
func (a Article) State() EnhancementState {
	refs := a.References
	if refs == nil {
		refs = []Reference{}
	}
	return EnhancementState{
		ID:         a.ID,
		Title:      a.Title,
		Status:     a.Status,
		EnhancedAt: a.EnhancedAt,
		Error:      a.EnhancementError,
		References: refs,
	}
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Status           *Status
	Content          *string
	References       *[]Reference
	EnhancedAt       *time.Time
	ClearEnhancedAt  bool
	EnhancementError *string

	// SnapshotOriginal is written to original_content only when that column is empty.
	SnapshotOriginal *string

	// WhereStatus guards the update; the write is skipped with ErrConflict if
	// the current status differs.
	WhereStatus *Status
	// WhereUpdatedBefore additionally requires updated_at < the given time.
	WhereUpdatedBefore *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.Content == nil && p.References == nil && p.EnhancedAt == nil &&
		!p.ClearEnhancedAt && p.EnhancementError == nil && p.SnapshotOriginal == nil
}

// Apply mutates a in place. Stores without native partial updates use it.
func (p Patch) Apply(a *Article, now time.Time) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.References != nil {
		a.References = append([]Reference(nil), (*p.References)...)
	}
	if p.ClearEnhancedAt {
		a.EnhancedAt = nil
	}
	if p.EnhancedAt != nil {
		ts := *p.EnhancedAt
		a.EnhancedAt = &ts
	}
	if p.EnhancementError != nil {
		a.EnhancementError = *p.EnhancementError
	}
	if p.SnapshotOriginal != nil && a.OriginalContent == "" {
		a.OriginalContent = *p.SnapshotOriginal
	}
	a.UpdatedAt = now
}

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status { return &s }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
