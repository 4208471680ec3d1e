package enhancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/discovery"
	"github.com/JakeFAU/article-enhancer/internal/extract"
	"github.com/JakeFAU/article-enhancer/internal/fetcher"
	"github.com/JakeFAU/article-enhancer/internal/hash/sha256"
	"github.com/JakeFAU/article-enhancer/internal/llm"
	"github.com/JakeFAU/article-enhancer/internal/queue"
	"github.com/JakeFAU/article-enhancer/internal/storage"
	"github.com/JakeFAU/article-enhancer/internal/storage/memory"
	"github.com/JakeFAU/article-enhancer/internal/synth"
)

const originalBody = "Chatbots answer customer questions around the clock."

type fakeSearch struct {
	results []discovery.Result
	err     error
	queries atomic.Int32
}

func (s *fakeSearch) SearchExcluding(_ context.Context, _, _ string) ([]discovery.Result, error) {
	s.queries.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]discovery.Result(nil), s.results...), nil
}

type fakeFetcher struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	delay       time.Duration
	fail        map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (fetcher.Page, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fetcher.Page{}, ctx.Err()
		}
	}
	if f.fail[rawURL] {
		return fetcher.Page{}, fmt.Errorf("fetch %s: connection reset", rawURL)
	}
	return fetcher.Page{URL: rawURL, StatusCode: 200, Body: []byte("<html>" + rawURL + "</html>")}, nil
}

func (f *fakeFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type fakeExtractor struct {
	reject bool
}

func (e fakeExtractor) Extract(_ string, sourceURL string, _ extract.Options) (*extract.Document, bool) {
	if e.reject {
		return nil, false
	}
	return &extract.Document{Title: "Scraped " + sourceURL, Text: "competitor text from " + sourceURL}, true
}

type stubProvider struct {
	content string
	err     error
	block   chan struct{}
	calls   atomic.Int32
}

func (p *stubProvider) Complete(ctx context.Context, _ llm.Request) (string, error) {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.content, p.err
}

func threeResults() []discovery.Result {
	return []discovery.Result{
		{Title: "One", URL: "https://a.example.com/one", Snippet: "s"},
		{Title: "Two", URL: "https://b.example.com/two", Snippet: "s"},
		{Title: "Three", URL: "https://c.example.com/three", Snippet: "s"},
	}
}

type harness struct {
	orch     *Orchestrator
	store    *memory.ArticleStore
	search   *fakeSearch
	fetch    *fakeFetcher
	provider *stubProvider
	blobs    *memory.BlobStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewArticleStore(),
		search:   &fakeSearch{results: threeResults()},
		fetch:    &fakeFetcher{},
		provider: &stubProvider{content: "Rewritten article.\n\nReferences\n[1] One\n[2] Two"},
		blobs:    memory.NewBlobStore(),
	}
	synthesizer, err := synth.New(h.provider, synth.Config{}, nil)
	require.NoError(t, err)
	archive, err := storage.NewArchive(h.blobs, sha256.New(), "competitors")
	require.NoError(t, err)
	h.orch, err = NewOrchestrator(Deps{
		Repo:        h.store,
		Searcher:    h.search,
		Fetcher:     h.fetch,
		Extractor:   fakeExtractor{},
		Synthesizer: synthesizer,
		Archive:     archive,
	}, Config{MinCompetitors: 2, FetchConcurrency: 3}, nil)
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, id string, status article.Status) article.Article {
	t.Helper()
	a, err := h.store.Create(context.Background(), article.Article{
		ID:      id,
		Title:   "Why chatbots matter " + id,
		URL:     "https://blog.example.com/" + id,
		Content: originalBody,
		Status:  status,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) get(t *testing.T, id string) article.Article {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestNewOrchestratorRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewOrchestrator(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestProcessCompletesArticle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "a1", article.StatusPending)
	ctx := context.Background()

	require.NoError(t, h.orch.Process(ctx, "a1"))

	got := h.get(t, "a1")
	require.Equal(t, article.StatusCompleted, got.Status)
	require.NotNil(t, got.EnhancedAt)
	require.Empty(t, got.EnhancementError)
	require.Equal(t, h.provider.content, got.Content)
	require.Len(t, got.References, 2)
	require.Equal(t, "https://a.example.com/one", got.References[0].URL)
	require.Equal(t, "Scraped https://a.example.com/one", got.References[0].Title)
	require.Equal(t, originalBody, got.OriginalContent)
	require.Equal(t, 3, h.blobs.Len(), "every fetched competitor page is archived")

	// A second run after a revert keeps the first snapshot.
	svc := NewService(h.store, nil, nil, 0, nil)
	require.NoError(t, svc.Revert(ctx, "a1"))
	require.NoError(t, h.store.Update(ctx, "a1", article.Patch{Content: article.StringPtr("edited by hand")}))
	require.NoError(t, h.orch.Process(ctx, "a1"))

	got = h.get(t, "a1")
	require.Equal(t, article.StatusCompleted, got.Status)
	require.Equal(t, originalBody, got.OriginalContent)
}

func TestProcessInsufficientCompetitors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.search.results = threeResults()[:1]
	h.seed(t, "a1", article.StatusPending)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrInsufficientData)
	require.True(t, article.Retryable(err))

	got := h.get(t, "a1")
	require.Equal(t, article.StatusFailed, got.Status)
	require.Contains(t, got.EnhancementError, "insufficient search results: 1 found, minimum 2 required")
	require.Equal(t, originalBody, got.Content)
	require.Empty(t, got.OriginalContent)
	require.Zero(t, h.provider.calls.Load())
}

func TestProcessAllScrapesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.extractor = fakeExtractor{reject: true}
	h.seed(t, "a1", article.StatusPending)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrInsufficientData)

	got := h.get(t, "a1")
	require.Equal(t, article.StatusFailed, got.Status)
	require.Contains(t, got.EnhancementError, "failed to scrape any competing articles")
	require.Empty(t, got.OriginalContent)
}

func TestProcessToleratesPartialScrapeFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetch.fail = map[string]bool{"https://a.example.com/one": true}
	h.seed(t, "a1", article.StatusPending)

	require.NoError(t, h.orch.Process(context.Background(), "a1"))
	got := h.get(t, "a1")
	require.Len(t, got.References, 2)
	require.Equal(t, "https://b.example.com/two", got.References[0].URL)
	require.Equal(t, "https://c.example.com/three", got.References[1].URL)
}

func TestProcessRejectsProcessingWithoutWrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	before := h.seed(t, "a1", article.StatusProcessing)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrConflict)
	require.Equal(t, before, h.get(t, "a1"))
	require.Zero(t, h.search.queries.Load())
}

func TestHandleMarksNonRetryableErrorsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.orch.Handle(context.Background(), queue.Job{ID: "j1", ArticleID: "missing"})
	require.ErrorIs(t, err, article.ErrNotFound)
	require.True(t, queue.IsPermanent(err))

	h.search.results = nil
	h.seed(t, "a1", article.StatusPending)
	err = h.orch.Handle(context.Background(), queue.Job{ID: "j2", ArticleID: "a1"})
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
}

// lostFailureWrites drops the write that marks an attempt failed.
type lostFailureWrites struct {
	article.Repository
}

func (r lostFailureWrites) Update(ctx context.Context, id string, patch article.Patch) error {
	if patch.Status != nil && *patch.Status == article.StatusFailed {
		return errors.New("connection reset by peer")
	}
	return r.Repository.Update(ctx, id, patch)
}

func TestHandleTakesOverAbandonedArticle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.cfg.StaleAfter = 10 * time.Minute
	h.seed(t, "a1", article.StatusProcessing)
	job := queue.Job{ID: "j1", ArticleID: "a1", Attempt: 1}

	err := h.orch.Handle(context.Background(), job)
	require.ErrorIs(t, err, article.ErrConflict)
	require.True(t, queue.IsPermanent(err))

	h.orch.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, h.orch.Handle(context.Background(), job))
	got := h.get(t, "a1")
	require.Equal(t, article.StatusCompleted, got.Status)
	require.Equal(t, originalBody, got.OriginalContent)
}

func TestLostFailureWriteIsReclaimedOnceStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.cfg.StaleAfter = 10 * time.Minute
	h.orch.repo = lostFailureWrites{Repository: h.store}
	h.search.results = threeResults()[:1]
	h.seed(t, "a1", article.StatusPending)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrInsufficientData)
	require.Equal(t, article.StatusProcessing, h.get(t, "a1").Status)

	h.orch.repo = h.store
	h.search.results = threeResults()
	h.orch.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, h.orch.Handle(context.Background(), queue.Job{ID: "j2", ArticleID: "a1", Attempt: 2}))
	require.Equal(t, article.StatusCompleted, h.get(t, "a1").Status)
}

func TestProcessIsSingleFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.block = make(chan struct{})
	h.seed(t, "a1", article.StatusPending)

	const callers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.orch.Process(context.Background(), "a1")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, article.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return h.provider.calls.Load() == 1 && conflicts.Load() == callers-1 },
		2*time.Second, 5*time.Millisecond)
	close(h.provider.block)
	wg.Wait()

	require.Equal(t, int32(1), successes.Load())
	require.Equal(t, int32(1), h.provider.calls.Load())
}

func TestProcessRecordsFailureWhenCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.block = make(chan struct{})
	h.seed(t, "a1", article.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.orch.Process(ctx, "a1") }()
	require.Eventually(t, func() bool { return h.provider.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, article.ErrSynthesisFailure)
	got := h.get(t, "a1")
	require.Equal(t, article.StatusFailed, got.Status)
	require.NotEmpty(t, got.EnhancementError)
	require.Equal(t, originalBody, got.Content)
}

func TestProcessClassifiesOpenBreaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.search.err = fmt.Errorf("search failed: %w", fmt.Errorf("serpapi: %w", breaker.ErrOpen))
	h.seed(t, "a1", article.StatusPending)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrDependencyUnavailable)
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.Equal(t, "dependency_unavailable", article.Kind(err))
	require.Equal(t, article.StatusFailed, h.get(t, "a1").Status)
}

func TestProcessSynthesisFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.content = "   "
	h.seed(t, "a1", article.StatusPending)

	err := h.orch.Process(context.Background(), "a1")
	require.ErrorIs(t, err, article.ErrSynthesisFailure)
	got := h.get(t, "a1")
	require.Equal(t, article.StatusFailed, got.Status)
	require.True(t, strings.HasPrefix(got.EnhancementError, "enhancement failed"))
	// The snapshot happens before synthesis and survives the failure.
	require.Equal(t, originalBody, got.OriginalContent)
}

func TestScrapeBoundsConcurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.orch.cfg.FetchConcurrency = 2
	h.fetch.delay = 20 * time.Millisecond
	results := make([]discovery.Result, 0, 6)
	for i := 0; i < 6; i++ {
		results = append(results, discovery.Result{Title: "T", URL: fmt.Sprintf("https://site%d.example.com/a", i)})
	}
	h.search.results = results
	h.seed(t, "a1", article.StatusPending)

	require.NoError(t, h.orch.Process(context.Background(), "a1"))
	require.LessOrEqual(t, h.fetch.peak(), 2)
	require.Equal(t, 6, h.blobs.Len())
}
