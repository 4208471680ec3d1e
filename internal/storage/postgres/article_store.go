// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/article-enhancer/internal/article"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for articles.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// ArticleStore persists articles in one table. Each write is one statement,
// so Claim and guarded updates are atomic without explicit transactions.
type ArticleStore struct {
	pool  pool
	table string
	sql   sq.StatementBuilderType
	now   func() time.Time
}

var _ article.Repository = (*ArticleStore)(nil)

var columns = []string{
	"id", "title", "url", "excerpt", "content", "original_content", "published_at",
	"status", "enhanced_at", "enhancement_error", "competitor_references", "created_at", "updated_at",
}

// NewArticleStore connects to Postgres using cfg.
func NewArticleStore(ctx context.Context, cfg Config) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewArticleStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewArticleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArticleStoreWithPool(p pool, table string) (*ArticleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "articles"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArticleStore{
		pool:  p,
		table: table,
		sql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the articles table and its status index when missing.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL DEFAULT '',
	url                   TEXT NOT NULL UNIQUE,
	excerpt               TEXT NOT NULL DEFAULT '',
	content               TEXT NOT NULL DEFAULT '',
	original_content      TEXT NOT NULL DEFAULT '',
	published_at          TIMESTAMPTZ,
	status                TEXT NOT NULL DEFAULT 'pending',
	enhanced_at           TIMESTAMPTZ,
	enhancement_error     TEXT NOT NULL DEFAULT '',
	competitor_references JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_status_created_idx ON %[1]s (status, created_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get fetches an article by ID.
func (s *ArticleStore) Get(ctx context.Context, id string) (article.Article, error) {
	query, args, err := s.sql.Select(columns...).From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return article.Article{}, fmt.Errorf("build select: %w", err)
	}
	a, err := scanArticle(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
	}
	if err != nil {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, err)
	}
	return a, nil
}

// ExistsByURL reports whether an article with url is stored.
func (s *ArticleStore) ExistsByURL(ctx context.Context, url string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)", s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("check article url: %w", err)
	}
	return exists, nil
}

// Create inserts a new article. Status defaults to pending.
func (s *ArticleStore) Create(ctx context.Context, a article.Article) (article.Article, error) {
	if a.ID == "" {
		return article.Article{}, errors.New("article id is required")
	}
	now := s.now()
	if a.Status == "" {
		a.Status = article.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	refs, err := marshalRefs(a.References)
	if err != nil {
		return article.Article{}, err
	}
	query, args, err := s.sql.Insert(s.table).Columns(columns...).Values(
		a.ID, a.Title, a.URL, a.Excerpt, a.Content, a.OriginalContent, a.PublishedAt,
		string(a.Status), a.EnhancedAt, a.EnhancementError, refs, a.CreatedAt, a.UpdatedAt,
	).ToSql()
	if err != nil {
		return article.Article{}, fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return article.Article{}, fmt.Errorf("create article %s: %w", a.URL, article.ErrDuplicateURL)
		}
		return article.Article{}, fmt.Errorf("insert article: %w", err)
	}
	return a, nil
}

// ListByStatus returns up to limit articles in status, oldest first.
// A non-positive limit returns every match.
func (s *ArticleStore) ListByStatus(ctx context.Context, status article.Status, limit int) ([]article.Article, error) {
	builder := s.sql.Select(columns...).From(s.table).
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()
	out := make([]article.Article, 0)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return out, nil
}

// Claim moves a pending, failed or stale processing article to processing
// in one conditional UPDATE.
func (s *ArticleStore) Claim(ctx context.Context, id string, staleBefore time.Time) (article.Article, error) {
	var claimable sq.Sqlizer = sq.Eq{"status": []string{string(article.StatusPending), string(article.StatusFailed)}}
	if !staleBefore.IsZero() {
		claimable = sq.Or{claimable, sq.And{
			sq.Eq{"status": string(article.StatusProcessing)},
			sq.Lt{"updated_at": staleBefore},
		}}
	}
	query, args, err := s.sql.Update(s.table).
		Set("status", string(article.StatusProcessing)).
		Set("enhancement_error", "").
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id}).
		Where(claimable).
		Suffix("RETURNING " + strings.Join(columns, ", ")).
		ToSql()
	if err != nil {
		return article.Article{}, fmt.Errorf("build claim: %w", err)
	}
	a, err := scanArticle(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return article.Article{}, fmt.Errorf("claim article %s: %w", id, err)
	}
	current, err := s.status(ctx, id)
	if err != nil {
		return article.Article{}, fmt.Errorf("claim article %s: %w", id, err)
	}
	return article.Article{}, fmt.Errorf("claim article %s in status %s: %w", id, current, article.ErrConflict)
}

// Update applies patch as a single UPDATE. The WHERE clause carries both the
// optional status guard and the set of statuses allowed to reach patch.Status.
func (s *ArticleStore) Update(ctx context.Context, id string, patch article.Patch) error {
	builder := s.sql.Update(s.table)
	if patch.Status != nil {
		builder = builder.Set("status", string(*patch.Status))
	}
	if patch.Content != nil {
		builder = builder.Set("content", *patch.Content)
	}
	if patch.References != nil {
		refs, err := marshalRefs(*patch.References)
		if err != nil {
			return err
		}
		builder = builder.Set("competitor_references", refs)
	}
	switch {
	case patch.EnhancedAt != nil:
		builder = builder.Set("enhanced_at", *patch.EnhancedAt)
	case patch.ClearEnhancedAt:
		builder = builder.Set("enhanced_at", nil)
	}
	if patch.EnhancementError != nil {
		builder = builder.Set("enhancement_error", *patch.EnhancementError)
	}
	if patch.SnapshotOriginal != nil {
		builder = builder.Set("original_content", sq.Expr("COALESCE(NULLIF(original_content, ''), ?)", *patch.SnapshotOriginal))
	}
	builder = builder.Set("updated_at", s.now()).Where(sq.Eq{"id": id})
	if patch.WhereStatus != nil {
		builder = builder.Where(sq.Eq{"status": string(*patch.WhereStatus)})
	}
	if patch.WhereUpdatedBefore != nil {
		builder = builder.Where(sq.Lt{"updated_at": *patch.WhereUpdatedBefore})
	}
	if patch.Status != nil {
		builder = builder.Where(sq.Eq{"status": sources(*patch.Status)})
	}
	query, args, err := builder.Suffix("RETURNING id").ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	var updated string
	err = s.pool.QueryRow(ctx, query, args...).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update article %s: %w", id, err)
	}
	return s.explainMiss(ctx, id, patch)
}

// explainMiss classifies an UPDATE that matched no rows.
func (s *ArticleStore) explainMiss(ctx context.Context, id string, patch article.Patch) error {
	current, err := s.status(ctx, id)
	if err != nil {
		return fmt.Errorf("update article %s: %w", id, err)
	}
	if patch.WhereStatus != nil && current != *patch.WhereStatus {
		return fmt.Errorf("update article %s: status is %s, want %s: %w",
			id, current, *patch.WhereStatus, article.ErrConflict)
	}
	if patch.Status != nil && current != *patch.Status && !current.CanTransition(*patch.Status) {
		return fmt.Errorf("update article %s from %s to %s: %w", id, current, *patch.Status, article.ErrInvalidTransition)
	}
	return fmt.Errorf("update article %s: concurrent status change: %w", id, article.ErrConflict)
}

func (s *ArticleStore) status(ctx context.Context, id string) (article.Status, error) {
	query := fmt.Sprintf("SELECT status FROM %s WHERE id = $1", s.table)
	var raw string
	err := s.pool.QueryRow(ctx, query, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", article.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return article.Status(raw), nil
}

// sources lists the statuses from which next may be written, including next itself.
func sources(next article.Status) []string {
	out := []string{string(next)}
	for _, s := range []article.Status{
		article.StatusPending, article.StatusProcessing, article.StatusCompleted, article.StatusFailed,
	} {
		if s != next && s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func marshalRefs(refs []article.Reference) ([]byte, error) {
	if refs == nil {
		refs = []article.Reference{}
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("marshal references: %w", err)
	}
	return raw, nil
}

func scanArticle(row pgx.Row) (article.Article, error) {
	var (
		a      article.Article
		status string
		refs   []byte
	)
	if err := row.Scan(
		&a.ID, &a.Title, &a.URL, &a.Excerpt, &a.Content, &a.OriginalContent, &a.PublishedAt,
		&status, &a.EnhancedAt, &a.EnhancementError, &refs, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return article.Article{}, err
	}
	a.Status = article.Status(status)
	a.References = []article.Reference{}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &a.References); err != nil {
			return article.Article{}, fmt.Errorf("decode references: %w", err)
		}
	}
	return a, nil
}
