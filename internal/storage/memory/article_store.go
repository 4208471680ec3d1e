package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/article-enhancer/internal/article"
)

// ArticleStore keeps articles in memory for development and tests. Each
// method holds the lock for its whole read-modify-write, so Claim and
// guarded Updates are atomic.
type ArticleStore struct {
	mu       sync.RWMutex
	articles map[string]article.Article
	byURL    map[string]string
	now      func() time.Time
}

var _ article.Repository = (*ArticleStore)(nil)

// NewArticleStore constructs an empty ArticleStore.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{
		articles: make(map[string]article.Article),
		byURL:    make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get fetches an article by ID.
func (s *ArticleStore) Get(_ context.Context, id string) (article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
	}
	return clone(a), nil
}

// ExistsByURL reports whether an article with url is stored.
func (s *ArticleStore) ExistsByURL(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byURL[url]
	return ok, nil
}

// Create stores a new article. Status defaults to pending.
func (s *ArticleStore) Create(_ context.Context, a article.Article) (article.Article, error) {
	if a.ID == "" {
		return article.Article{}, errors.New("article id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.articles[a.ID]; exists {
		return article.Article{}, fmt.Errorf("article %s already exists", a.ID)
	}
	if _, exists := s.byURL[a.URL]; exists && a.URL != "" {
		return article.Article{}, fmt.Errorf("create article %s: %w", a.URL, article.ErrDuplicateURL)
	}
	now := s.now()
	if a.Status == "" {
		a.Status = article.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a = clone(a)
	s.articles[a.ID] = a
	if a.URL != "" {
		s.byURL[a.URL] = a.ID
	}
	return clone(a), nil
}

// ListByStatus returns articles in status, oldest first.
func (s *ArticleStore) ListByStatus(_ context.Context, status article.Status, limit int) ([]article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]article.Article, 0)
	for _, a := range s.articles {
		if a.Status == status {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim moves a pending, failed or stale processing article to processing.
func (s *ArticleStore) Claim(_ context.Context, id string, staleBefore time.Time) (article.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return article.Article{}, fmt.Errorf("claim article %s: %w", id, article.ErrNotFound)
	}
	if !a.Status.Claimable() && !a.Stale(staleBefore) {
		return article.Article{}, fmt.Errorf("claim article %s in status %s: %w", id, a.Status, article.ErrConflict)
	}
	a.Status = article.StatusProcessing
	a.EnhancementError = ""
	a.UpdatedAt = s.now()
	s.articles[id] = a
	return clone(a), nil
}

// Update applies patch atomically.
func (s *ArticleStore) Update(_ context.Context, id string, patch article.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return fmt.Errorf("update article %s: %w", id, article.ErrNotFound)
	}
	if patch.WhereStatus != nil && a.Status != *patch.WhereStatus {
		return fmt.Errorf("update article %s: status is %s, want %s: %w",
			id, a.Status, *patch.WhereStatus, article.ErrConflict)
	}
	if patch.WhereUpdatedBefore != nil && !a.UpdatedAt.Before(*patch.WhereUpdatedBefore) {
		return fmt.Errorf("update article %s: written at %s: %w", id, a.UpdatedAt.Format(time.RFC3339), article.ErrConflict)
	}
	if patch.Status != nil && *patch.Status != a.Status && !a.Status.CanTransition(*patch.Status) {
		return fmt.Errorf("update article %s from %s to %s: %w", id, a.Status, *patch.Status, article.ErrInvalidTransition)
	}
	patch.Apply(&a, s.now())
	s.articles[id] = a
	return nil
}

func clone(a article.Article) article.Article {
	if a.References != nil {
		a.References = append([]article.Reference(nil), a.References...)
	}
	return a
}
