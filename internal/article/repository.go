package article

import (
	"context"
	"time"
)

// Repository persists articles. Every write is a single atomic statement.
type Repository interface {
	Get(ctx context.Context, id string) (Article, error)
	ExistsByURL(ctx context.Context, url string) (bool, error)
	Create(ctx context.Context, a Article) (Article, error)
	// ListByStatus returns up to limit articles in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Article, error)
	// Claim moves a pending or failed article to processing and clears its
	// error. A processing article last written before staleBefore is claimed
	// as well; a zero staleBefore disables that. It returns ErrNotFound or
	// ErrConflict without writing otherwise.
	Claim(ctx context.Context, id string, staleBefore time.Time) (Article, error)
	Update(ctx context.Context, id string, patch Patch) error
}
