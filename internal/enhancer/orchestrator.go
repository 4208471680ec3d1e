// Package enhancer runs the per-article enhancement state machine and exposes
// the operations the API and CLI use to schedule and inspect it.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/discovery"
	"github.com/JakeFAU/article-enhancer/internal/extract"
	"github.com/JakeFAU/article-enhancer/internal/fetcher"
	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/queue"
	"github.com/JakeFAU/article-enhancer/internal/synth"
)

// Searcher finds competing articles for a title.
type Searcher interface {
	SearchExcluding(ctx context.Context, query, sourceURL string) ([]discovery.Result, error)
}

// PageFetcher downloads a competitor page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetcher.Page, error)
}

// Extractor pulls readable text out of HTML.
type Extractor interface {
	Extract(rawHTML, sourceURL string, opts extract.Options) (*extract.Document, bool)
}

// Synthesizer rewrites an article from competitor documents.
type Synthesizer interface {
	Synthesize(ctx context.Context, original synth.Original, competitors []synth.Competitor) (synth.Result, error)
}

// Archiver stores raw competitor HTML. A nil *storage.Archive is a valid no-op.
type Archiver interface {
	Store(ctx context.Context, articleID, pageURL string, body []byte) (string, error)
}

// Config tunes one enhancement attempt.
type Config struct {
	MinCompetitors   int
	FetchConcurrency int
	Extract          extract.Options
	// FailureWriteTimeout bounds the write that records a failed attempt,
	// which runs even after the job context is cancelled.
	FailureWriteTimeout time.Duration
	// StaleAfter lets a job take over an article left in processing for
	// longer than this, as after a crash. Zero disables takeover.
	StaleAfter time.Duration
}

// Orchestrator composes discovery, fetching, extraction and synthesis for one article.
type Orchestrator struct {
	repo      article.Repository
	search    Searcher
	fetch     PageFetcher
	extractor Extractor
	synth     Synthesizer
	archive   Archiver
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Deps groups the Orchestrator collaborators.
type Deps struct {
	Repo        article.Repository
	Searcher    Searcher
	Fetcher     PageFetcher
	Extractor   Extractor
	Synthesizer Synthesizer
	Archive     Archiver
}

// NewOrchestrator validates deps and applies config defaults.
func NewOrchestrator(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("article repository is required")
	case deps.Searcher == nil:
		return nil, errors.New("searcher is required")
	case deps.Fetcher == nil:
		return nil, errors.New("page fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("synthesizer is required")
	}
	if cfg.MinCompetitors <= 0 {
		cfg.MinCompetitors = 2
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 3
	}
	if cfg.Extract.MinLength <= 0 {
		cfg.Extract.MinLength = 500
	}
	if cfg.Extract.MaxLength <= 0 {
		cfg.Extract.MaxLength = 6000
	}
	if cfg.FailureWriteTimeout <= 0 {
		cfg.FailureWriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:      deps.Repo,
		search:    deps.Searcher,
		fetch:     deps.Fetcher,
		extractor: deps.Extractor,
		synth:     deps.Synthesizer,
		archive:   deps.Archive,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle adapts Process to the worker pool. Errors that can never succeed on
// a later attempt are marked permanent.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job) error {
	err := o.Process(ctx, job.ArticleID)
	if err != nil && !article.Retryable(err) {
		return queue.Permanent(err)
	}
	return err
}

// Process enhances one article. NotFound and Conflict are returned before
// any write. Every later failure is recorded on the article and returned.
func (o *Orchestrator) Process(ctx context.Context, articleID string) error {
	logger := o.logger.With(zap.String("article_id", articleID))

	a, err := o.repo.Claim(ctx, articleID, staleCutoff(o.now(), o.cfg.StaleAfter))
	if err != nil {
		logger.Warn("article not claimable", zap.Error(err))
		return err
	}
	logger = logger.With(zap.String("title", a.Title))
	logger.Info("starting enhancement")

	result, err := o.enhance(ctx, a, logger)
	if err != nil {
		err = classify(err)
		o.recordFailure(ctx, articleID, err, logger)
		return err
	}

	enhancedAt := o.now()
	refs := result.References
	if err := o.repo.Update(ctx, articleID, article.Patch{
		Status:           article.StatusPtr(article.StatusCompleted),
		Content:          article.StringPtr(result.Content),
		References:       &refs,
		EnhancedAt:       &enhancedAt,
		EnhancementError: article.StringPtr(""),
		WhereStatus:      article.StatusPtr(article.StatusProcessing),
	}); err != nil {
		err = fmt.Errorf("persist enhancement: %w", err)
		o.recordFailure(ctx, articleID, err, logger)
		return err
	}
	logger.Info("article enhanced", zap.Int("references", len(refs)))
	return nil
}

func (o *Orchestrator) enhance(ctx context.Context, a article.Article, logger *zap.Logger) (synth.Result, error) {
	results, err := o.search.SearchExcluding(ctx, a.Title, a.URL)
	if err != nil {
		return synth.Result{}, err
	}
	if len(results) < o.cfg.MinCompetitors {
		return synth.Result{}, fmt.Errorf("insufficient search results: %d found, minimum %d required: %w",
			len(results), o.cfg.MinCompetitors, article.ErrInsufficientData)
	}

	competitors := o.scrape(ctx, a.ID, results, logger)
	if len(competitors) == 0 {
		if ctx.Err() != nil {
			return synth.Result{}, fmt.Errorf("scrape competing articles: %w", ctx.Err())
		}
		return synth.Result{}, fmt.Errorf("failed to scrape any competing articles: %w", article.ErrInsufficientData)
	}
	sources := make([]string, 0, len(competitors))
	for _, c := range competitors {
		sources = append(sources, c.URL)
	}
	logger.Info("scraped competing articles", zap.Int("count", len(competitors)), zap.Strings("sources", sources))

	if err := o.repo.Update(ctx, a.ID, article.Patch{
		SnapshotOriginal: article.StringPtr(a.Content),
		WhereStatus:      article.StatusPtr(article.StatusProcessing),
	}); err != nil {
		return synth.Result{}, fmt.Errorf("snapshot original content: %w", err)
	}

	return o.synth.Synthesize(ctx, synth.Original{Title: a.Title, Content: a.Content}, competitors)
}

// scrape fetches and extracts every result with bounded concurrency. Failures
// are logged and dropped; the returned slice keeps discovery order.
func (o *Orchestrator) scrape(ctx context.Context, articleID string, results []discovery.Result, logger *zap.Logger) []synth.Competitor {
	slots := make([]*synth.Competitor, len(results))
	var g errgroup.Group
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, r := range results {
		g.Go(func() error {
			if c, ok := o.scrapeOne(ctx, articleID, r, logger); ok {
				slots[i] = &c
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]synth.Competitor, 0, len(slots))
	for _, c := range slots {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (o *Orchestrator) scrapeOne(ctx context.Context, articleID string, r discovery.Result, logger *zap.Logger) (synth.Competitor, bool) {
	page, err := o.fetch.Fetch(ctx, r.URL)
	if err != nil {
		logger.Warn("competitor fetch failed", zap.String("url", r.URL), zap.Error(err))
		return synth.Competitor{}, false
	}
	if o.archive != nil {
		if uri, err := o.archive.Store(ctx, articleID, r.URL, page.Body); err != nil {
			logger.Warn("archive competitor page failed", zap.String("url", r.URL), zap.Error(err))
		} else if uri != "" {
			logger.Debug("archived competitor page", zap.String("url", r.URL), zap.String("uri", uri))
		}
	}
	doc, ok := o.extractor.Extract(string(page.Body), r.URL, o.cfg.Extract)
	if !ok {
		return synth.Competitor{}, false
	}
	title := doc.Title
	if title == "" || title == extract.UnknownTitle {
		title = r.Title
	}
	return synth.Competitor{Title: title, URL: r.URL, Text: doc.Text}, true
}

// recordFailure writes the failed status with a fresh context so a cancelled
// job still leaves its error on the article.
func (o *Orchestrator) recordFailure(ctx context.Context, articleID string, cause error, logger *zap.Logger) {
	logger.Error("enhancement failed", zap.String("kind", article.Kind(cause)), zap.Error(cause))
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FailureWriteTimeout)
	defer cancel()
	if err := o.repo.Update(writeCtx, articleID, article.Patch{
		Status:           article.StatusPtr(article.StatusFailed),
		EnhancementError: article.StringPtr(cause.Error()),
		WhereStatus:      article.StatusPtr(article.StatusProcessing),
	}); err != nil {
		logger.Error("record enhancement failure", zap.Error(err))
	}
}

// staleCutoff returns the updated_at before which a processing article is
// considered abandoned, or the zero time when staleAfter is not positive.
func staleCutoff(now time.Time, staleAfter time.Duration) time.Time {
	if staleAfter <= 0 {
		return time.Time{}
	}
	return now.Add(-staleAfter)
}

// classify maps open breakers and exhausted network retries onto the
// dependency taxonomy.
func classify(err error) error {
	if errors.Is(err, article.ErrDependencyUnavailable) {
		return err
	}
	var (
		statusErr *httpclient.StatusError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, breaker.ErrOpen),
		errors.As(err, &netErr),
		errors.As(err, &statusErr) && httpclient.Unavailable(statusErr):
		return fmt.Errorf("%w: %w", article.ErrDependencyUnavailable, err)
	default:
		return err
	}
}
