package enhancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/events"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
	"github.com/JakeFAU/article-enhancer/internal/queue"
)

// Jobs is the queue surface the Service needs.
type Jobs interface {
	Enqueue(ctx context.Context, articleID string) (queue.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Failed(ctx context.Context, limit int) ([]queue.Job, error)
}

// JobStats is the aggregate queue view returned to callers.
type JobStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Skipped explains why a batch entry was not enqueued.
type Skipped struct {
	ArticleID string `json:"articleId"`
	Reason    string `json:"reason"`
}

// BatchResult is the outcome of EnqueueBatch.
type BatchResult struct {
	JobIDs  []string  `json:"jobIds"`
	Skipped []Skipped `json:"skipped"`
}

// Service is the entry point used by the API and CLI.
type Service struct {
	repo         article.Repository
	jobs         Jobs
	emitter      events.Emitter
	batchDefault int
	staleAfter   time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithStaleAfter treats articles left in processing for longer than d as
// abandoned: RecoverStale fails them, and Retry, Revert and
// EnqueueEnhancement reset them instead of reporting a conflict.
func WithStaleAfter(d time.Duration) ServiceOption {
	return func(s *Service) { s.staleAfter = d }
}

const abandonedError = "abandoned while processing"

// NewService builds a Service. emitter may be nil.
func NewService(repo article.Repository, jobs Jobs, emitter events.Emitter, batchDefault int, logger *zap.Logger, opts ...ServiceOption) *Service {
	if batchDefault <= 0 {
		batchDefault = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:         repo,
		jobs:         jobs,
		emitter:      emitter,
		batchDefault: batchDefault,
		logger:       logger.Named("service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueEnhancement schedules one article. It fails with ErrNotFound for an
// unknown id, ErrConflict while the article is processing, and
// ErrInvalidTransition for a completed article that has not been reverted.
// A stale processing article is failed first and then scheduled.
func (s *Service) EnqueueEnhancement(ctx context.Context, articleID string) (string, error) {
	a, err := s.getReleasingStale(ctx, articleID)
	if err != nil {
		return "", err
	}
	switch a.Status {
	case article.StatusProcessing:
		return "", fmt.Errorf("enqueue article %s: %w", articleID, article.ErrConflict)
	case article.StatusCompleted:
		return "", fmt.Errorf("enqueue article %s: already enhanced, revert first: %w", articleID, article.ErrInvalidTransition)
	}
	job, err := s.jobs.Enqueue(ctx, articleID)
	if err != nil {
		return "", fmt.Errorf("enqueue article %s: %w", articleID, err)
	}
	s.emit(events.Event{Type: events.TypeJobEnqueued, JobID: job.ID, ArticleID: articleID})
	s.logger.Info("enhancement queued", zap.String("article_id", articleID), zap.String("job_id", job.ID))
	return job.ID, nil
}

// EnqueueBatch schedules every id it can. Ids rejected by the domain rules
// are reported in Skipped; any other failure aborts the batch.
func (s *Service) EnqueueBatch(ctx context.Context, articleIDs []string) (BatchResult, error) {
	res := BatchResult{JobIDs: []string{}, Skipped: []Skipped{}}
	for _, id := range articleIDs {
		jobID, err := s.EnqueueEnhancement(ctx, id)
		switch {
		case err == nil:
			res.JobIDs = append(res.JobIDs, jobID)
		case errors.Is(err, article.ErrNotFound), errors.Is(err, article.ErrConflict),
			errors.Is(err, article.ErrInvalidTransition):
			res.Skipped = append(res.Skipped, Skipped{ArticleID: id, Reason: article.Kind(err)})
		default:
			return res, err
		}
	}
	return res, nil
}

// EnqueuePending schedules up to limit pending articles, oldest first.
// A non-positive limit uses the configured default.
func (s *Service) EnqueuePending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = s.batchDefault
	}
	pending, err := s.repo.ListByStatus(ctx, article.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending articles: %w", err)
	}
	ids := make([]string, 0, len(pending))
	for _, a := range pending {
		ids = append(ids, a.ID)
	}
	res, err := s.EnqueueBatch(ctx, ids)
	if err != nil {
		return res.JobIDs, err
	}
	return res.JobIDs, nil
}

// GetJobStats returns queue counts. Total counts waiting and active jobs.
func (s *Service) GetJobStats(ctx context.Context) (JobStats, error) {
	st, err := s.jobs.Stats(ctx)
	if err != nil {
		return JobStats{}, err
	}
	metrics.SetQueueDepth(st.Waiting, st.Active, st.Delayed, st.Completed, st.Failed)
	return JobStats{
		Waiting:   st.Waiting,
		Active:    st.Active,
		Delayed:   st.Delayed,
		Completed: st.Completed,
		Failed:    st.Failed,
		Total:     st.Total(),
	}, nil
}

// GetArticleEnhancementState returns the status view of one article.
func (s *Service) GetArticleEnhancementState(ctx context.Context, articleID string) (article.EnhancementState, error) {
	a, err := s.repo.Get(ctx, articleID)
	if err != nil {
		return article.EnhancementState{}, err
	}
	return a.State(), nil
}

// Retry resets a failed or stale processing article to pending and schedules it.
func (s *Service) Retry(ctx context.Context, articleID string) (string, error) {
	if _, err := s.getReleasingStale(ctx, articleID); err != nil {
		return "", err
	}
	if err := s.repo.Update(ctx, articleID, article.Patch{
		Status:           article.StatusPtr(article.StatusPending),
		EnhancementError: article.StringPtr(""),
		WhereStatus:      article.StatusPtr(article.StatusFailed),
	}); err != nil {
		return "", fmt.Errorf("reset article %s: %w", articleID, err)
	}
	return s.EnqueueEnhancement(ctx, articleID)
}

// Revert restores the pre-enhancement content of a completed, failed or
// stale processing article and returns it to pending.
func (s *Service) Revert(ctx context.Context, articleID string) error {
	a, err := s.getReleasingStale(ctx, articleID)
	if err != nil {
		return err
	}
	if a.Status == article.StatusProcessing {
		return fmt.Errorf("revert article %s: %w", articleID, article.ErrConflict)
	}
	if a.Status == article.StatusPending {
		return nil
	}
	patch := article.Patch{
		Status:           article.StatusPtr(article.StatusPending),
		References:       &[]article.Reference{},
		ClearEnhancedAt:  true,
		EnhancementError: article.StringPtr(""),
		WhereStatus:      article.StatusPtr(a.Status),
	}
	if a.OriginalContent != "" {
		patch.Content = article.StringPtr(a.OriginalContent)
	}
	if err := s.repo.Update(ctx, articleID, patch); err != nil {
		return fmt.Errorf("revert article %s: %w", articleID, err)
	}
	s.logger.Info("article reverted", zap.String("article_id", articleID))
	return nil
}

// RevertAll reverts every completed article and returns how many changed.
func (s *Service) RevertAll(ctx context.Context) (int, error) {
	completed, err := s.repo.ListByStatus(ctx, article.StatusCompleted, 0)
	if err != nil {
		return 0, fmt.Errorf("list completed articles: %w", err)
	}
	reverted := 0
	for _, a := range completed {
		err := s.Revert(ctx, a.ID)
		switch {
		case err == nil:
			reverted++
		case errors.Is(err, article.ErrConflict), errors.Is(err, article.ErrNotFound):
			s.logger.Warn("skip revert", zap.String("article_id", a.ID), zap.Error(err))
		default:
			return reverted, err
		}
	}
	return reverted, nil
}

// RecoverStale marks every stale processing article as failed so it can be
// retried. It returns how many articles were released.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	processing, err := s.repo.ListByStatus(ctx, article.StatusProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing articles: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	released := 0
	for _, a := range processing {
		if !a.Stale(cutoff) {
			continue
		}
		err := s.release(ctx, a.ID, cutoff)
		switch {
		case err == nil:
			released++
		case errors.Is(err, article.ErrConflict), errors.Is(err, article.ErrNotFound):
			s.logger.Debug("stale article moved on", zap.String("article_id", a.ID), zap.Error(err))
		default:
			return released, err
		}
	}
	if released > 0 {
		s.logger.Warn("released stale articles", zap.Int("count", released))
	}
	return released, nil
}

// getReleasingStale loads an article and, when it is stale, fails it first
// and returns the updated copy.
func (s *Service) getReleasingStale(ctx context.Context, articleID string) (article.Article, error) {
	a, err := s.repo.Get(ctx, articleID)
	if err != nil || s.staleAfter <= 0 {
		return a, err
	}
	cutoff := s.now().Add(-s.staleAfter)
	if !a.Stale(cutoff) {
		return a, nil
	}
	if err := s.release(ctx, articleID, cutoff); err != nil && !errors.Is(err, article.ErrConflict) {
		return article.Article{}, err
	}
	return s.repo.Get(ctx, articleID)
}

// release fails a processing article last written before cutoff. A job that
// claimed it in the meantime wins with ErrConflict.
func (s *Service) release(ctx context.Context, articleID string, cutoff time.Time) error {
	if err := s.repo.Update(ctx, articleID, article.Patch{
		Status:             article.StatusPtr(article.StatusFailed),
		EnhancementError:   article.StringPtr(abandonedError),
		WhereStatus:        article.StatusPtr(article.StatusProcessing),
		WhereUpdatedBefore: &cutoff,
	}); err != nil {
		return fmt.Errorf("release stale article %s: %w", articleID, err)
	}
	s.logger.Warn("released stale article", zap.String("article_id", articleID))
	return nil
}

// FailedJobs lists retained terminal job failures, newest first.
func (s *Service) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	jobs, err := s.jobs.Failed(ctx, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	return jobs, nil
}

func (s *Service) emit(evt events.Event) {
	if s.emitter == nil {
		return
	}
	evt.At = s.now()
	s.emitter.Emit(evt)
}
