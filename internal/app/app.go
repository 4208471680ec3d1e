// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/api"
	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/bootstrap"
	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/clock/system"
	"github.com/JakeFAU/article-enhancer/internal/config"
	"github.com/JakeFAU/article-enhancer/internal/discovery"
	"github.com/JakeFAU/article-enhancer/internal/dispatcher"
	"github.com/JakeFAU/article-enhancer/internal/enhancer"
	"github.com/JakeFAU/article-enhancer/internal/events"
	"github.com/JakeFAU/article-enhancer/internal/extract"
	"github.com/JakeFAU/article-enhancer/internal/fetcher"
	"github.com/JakeFAU/article-enhancer/internal/fetcher/headless"
	"github.com/JakeFAU/article-enhancer/internal/hash/sha256"
	"github.com/JakeFAU/article-enhancer/internal/headless/detector"
	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/id/uuid"
	"github.com/JakeFAU/article-enhancer/internal/llm"
	"github.com/JakeFAU/article-enhancer/internal/llm/anthropic"
	"github.com/JakeFAU/article-enhancer/internal/llm/openai"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
	"github.com/JakeFAU/article-enhancer/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/article-enhancer/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/article-enhancer/internal/publisher/pubsub"
	"github.com/JakeFAU/article-enhancer/internal/queue"
	queuememory "github.com/JakeFAU/article-enhancer/internal/queue/memory"
	queueredis "github.com/JakeFAU/article-enhancer/internal/queue/redis"
	"github.com/JakeFAU/article-enhancer/internal/retry"
	"github.com/JakeFAU/article-enhancer/internal/storage"
	"github.com/JakeFAU/article-enhancer/internal/storage/gcs"
	"github.com/JakeFAU/article-enhancer/internal/storage/local"
	"github.com/JakeFAU/article-enhancer/internal/storage/memory"
	"github.com/JakeFAU/article-enhancer/internal/storage/postgres"
	"github.com/JakeFAU/article-enhancer/internal/storage/s3"
	"github.com/JakeFAU/article-enhancer/internal/synth"
	"github.com/JakeFAU/article-enhancer/internal/worker"
)

// Breaker names, one per external dependency.
const (
	BreakerSearch   = "search-api"
	BreakerScraping = "scraping-http"
	BreakerLLM      = "llm-api"
)

// App holds the shared, long-lived services for one process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Breakers     *breaker.Registry
	Articles     article.Repository
	Queue        queue.Queue
	Events       *events.Hub
	Orchestrator *enhancer.Orchestrator
	Dispatcher   *dispatcher.Dispatcher
	Service      *enhancer.Service
	Seeder       *bootstrap.Seeder
	Ready        map[string]api.ReadyFunc

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Build wires every backend selected by cfg. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Breakers: breaker.NewRegistry(),
		Ready:    map[string]api.ReadyFunc{},
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err = a.buildEvents(ctx); err != nil {
		return nil, err
	}
	if err = a.buildArticles(ctx); err != nil {
		return nil, err
	}
	if err = a.buildQueue(ctx); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: cfg.HTTP.PerHostRPS, PerHostBurst: cfg.HTTP.PerHostBurst})
	clientCfg := func(timeout time.Duration) httpclient.Config {
		return httpclient.Config{
			UserAgent:    cfg.HTTP.UserAgent,
			Timeout:      timeout,
			MaxRetries:   cfg.HTTP.MaxRetries,
			BackoffBase:  cfg.HTTP.BackoffBase,
			MaxRedirects: cfg.HTTP.MaxRedirects,
		}
	}

	searchClient := httpclient.New(clientCfg(cfg.Search.Timeout), a.breaker(BreakerSearch), nil, logger)
	searcher, err := discovery.New(searchClient, discovery.Config{
		Endpoint:         cfg.Search.Endpoint,
		APIKey:           cfg.Search.APIKey,
		QueryMaxLength:   cfg.Search.QueryMaxLength,
		Num:              cfg.Search.Num,
		Country:          cfg.Search.GL,
		Language:         cfg.Search.HL,
		Safe:             cfg.Search.Safe,
		MinSnippetLength: cfg.Search.MinSnippetLength,
		MaxResults:       cfg.Search.MaxResults,
		ExcludedDomains:  nilIfEmpty(cfg.Search.ExcludedDomains),
		ExcludedPatterns: nilIfEmpty(cfg.Search.ExcludedPatterns),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init search: %w", err)
	}

	scrapeClient := httpclient.New(clientCfg(cfg.HTTP.Timeout), a.breaker(BreakerScraping), limiter, logger)
	pageFetcher, err := a.buildFetcher(scrapeClient)
	if err != nil {
		return nil, err
	}

	provider, err := a.buildProvider(clientCfg(cfg.LLM.Timeout))
	if err != nil {
		return nil, err
	}
	synthesizer, err := synth.New(provider, synth.Config{
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Timeout:      cfg.LLM.Timeout,
		PreviewChars: cfg.LLM.PreviewChars,
		TopN:         cfg.LLM.TopN,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init synthesizer: %w", err)
	}

	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}

	deps := enhancer.Deps{
		Repo:        a.Articles,
		Searcher:    searcher,
		Fetcher:     pageFetcher,
		Extractor:   extract.New(logger),
		Synthesizer: synthesizer,
	}
	if archive != nil {
		deps.Archive = archive
	}
	a.Orchestrator, err = enhancer.NewOrchestrator(deps, enhancer.Config{
		MinCompetitors:   cfg.Enhancement.MinCompetitors,
		FetchConcurrency: cfg.Enhancement.FetchConcurrency,
		Extract:          extract.Options{MinLength: cfg.Extract.MinLength, MaxLength: cfg.Extract.MaxLength},
		StaleAfter:       cfg.StaleProcessingAfter(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	policy := retry.NewExponentialPolicy(cfg.Queue.Attempts, cfg.Queue.BackoffBase, cfg.QueueBackoffMax())
	workers := make([]*worker.Worker, 0, cfg.Queue.Concurrency)
	for i := 0; i < cfg.Queue.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.Queue,
			a.Orchestrator,
			policy,
			a.Events,
			worker.Config{JobTimeout: cfg.Enhancement.JobTimeout},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.Dispatcher = dispatcher.New(a.Queue, workers, logger)
	a.Service = enhancer.NewService(a.Articles, a.Dispatcher, a.Events, cfg.Enhancement.BatchDefaultLimit, logger,
		enhancer.WithStaleAfter(cfg.StaleProcessingAfter()))
	if _, err = a.Service.RecoverStale(ctx); err != nil {
		return nil, fmt.Errorf("recover stale articles: %w", err)
	}

	a.Seeder, err = bootstrap.New(bootstrap.Config{
		StartURL:  cfg.Seed.StartURL,
		Count:     cfg.Seed.Count,
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	}, a.Articles, uuid.NewUUIDGenerator(), logger)
	if err != nil {
		return nil, fmt.Errorf("init seeder: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("events", cfg.Events.Driver),
		zap.Int("workers", cfg.Queue.Concurrency),
	)
	return a, nil
}

// SweepStale releases abandoned processing articles every interval until ctx
// is done. Articles whose failure write was lost end up failed and retryable.
func (a *App) SweepStale(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Service.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Warn("stale article sweep failed", zap.Error(err))
			}
		}
	}
}

// Server builds the HTTP API over the app's service.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Service:  a.Service,
		Breakers: a.Breakers,
		Ready:    a.Ready,
	}, a.Config, a.Logger)
}

// Close releases clients and pools in reverse construction order. The
// dispatcher is not stopped here; callers shut it down first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) breaker(name string) *breaker.Breaker {
	return a.Breakers.Add(breaker.New(name, breaker.Options{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		OpenDuration:     a.Config.Breaker.OpenDuration,
		OnTransition:     a.observeTransition,
	}))
}

func (a *App) observeTransition(name string, from, to breaker.State) {
	metrics.ObserveBreakerTransition(name, int(to), to.String())
	a.Logger.Warn("circuit breaker transition",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	a.Events.Emit(events.Event{
		Type:    events.TypeBreakerTransition,
		Breaker: name,
		From:    from.String(),
		To:      to.String(),
		At:      time.Now().UTC(),
	})
}

func (a *App) buildEvents(ctx context.Context) error {
	cfg := a.Config.Events
	var sink events.Sink
	switch cfg.Driver {
	case "log", "":
		sink = events.NewLogSink(a.Logger)
	case "memory":
		sink = events.NewPublisherSink(memorypublisher.New(), cfg.Topic, nil)
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		sink = events.NewPublisherSink(pub, cfg.Topic, pub.Close)
	default:
		return fmt.Errorf("unknown events driver: %s", cfg.Driver)
	}
	a.Events = events.NewHub(events.Config{Logger: a.Logger}, sink)
	a.onClose("events", a.Events.Close)
	return nil
}

func (a *App) buildArticles(ctx context.Context) error {
	cfg := a.Config.Database
	switch cfg.Driver {
	case "memory", "":
		a.Logger.Info("using in-memory article store; data is lost on exit")
		a.Articles = memory.NewArticleStore()
	case "postgres":
		store, err := postgres.NewArticleStore(ctx, postgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("init article store: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure article schema: %w", err)
		}
		a.Articles = store
		a.Ready["database"] = store.Ping
	default:
		return fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
	return nil
}

func (a *App) buildQueue(ctx context.Context) error {
	cfg := a.Config.Queue
	retention := queue.Retention{
		KeepCompleted: cfg.KeepCompleted,
		CompletedTTL:  cfg.CompletedTTL,
		KeepFailed:    cfg.KeepFailed,
	}
	ids := uuid.NewUUIDGenerator()
	clock := system.New()
	switch cfg.Driver {
	case "memory", "":
		a.Queue = queuememory.NewQueue(queuememory.Options{
			MaxAttempts: cfg.Attempts,
			Retention:   retention,
			IDs:         ids,
			Clock:       clock,
		})
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		q, err := queueredis.New(client, queueredis.Options{
			Name:         cfg.Name,
			MaxAttempts:  cfg.Attempts,
			Retention:    retention,
			PollInterval: cfg.PollInterval,
			IDs:          ids,
			Clock:        clock,
		}, a.Logger)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("init redis queue: %w", err)
		}
		a.Queue = q
		if err := q.Ping(ctx); err != nil {
			_ = q.Close()
			return err
		}
		// Jobs claimed long enough ago that their attempt must have timed out
		// belong to a process that died mid-job.
		cutoff := clock.Now().Add(-a.Config.StaleProcessingAfter())
		if _, err := q.RequeueActive(ctx, cutoff); err != nil {
			_ = q.Close()
			return err
		}
		a.Ready["queue"] = q.Ping
	default:
		return fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}
	q := a.Queue
	a.onClose("queue", func(context.Context) error { return q.Close() })
	return nil
}

func (a *App) buildFetcher(client *httpclient.Client) (*fetcher.Fetcher, error) {
	cfg := a.Config.Headless
	if !cfg.Enabled {
		return fetcher.New(client, nil, nil, a.Logger), nil
	}
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         a.Config.HTTP.UserAgent,
		NavigationTimeout: cfg.NavTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless renderer: %w", err)
	}
	a.onClose("headless", func(context.Context) error {
		renderer.Close()
		return nil
	})
	return fetcher.New(client, renderer, detector.NewHeuristic(cfg.PromotionThreshold), a.Logger), nil
}

func (a *App) buildProvider(clientCfg httpclient.Config) (llm.Provider, error) {
	cfg := a.Config.LLM
	brk := a.breaker(BreakerLLM)
	switch cfg.Provider {
	case "groq", "openai":
		p, err := openai.New(httpclient.New(clientCfg, brk, nil, a.Logger), openai.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init %s provider: %w", cfg.Provider, err)
		}
		return p, nil
	case "anthropic":
		p, err := anthropic.New(cfg.APIKey, brk)
		if err != nil {
			return nil, fmt.Errorf("init anthropic provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (*storage.Archive, error) {
	cfg := a.Config.Archive
	var blobs storage.BlobStore
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "memory":
		blobs = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		blobs = store
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		blobs = store
	case "s3":
		store, err := s3.Dial(ctx, s3.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archive: %w", err)
		}
		blobs = store
	default:
		return nil, fmt.Errorf("unknown archive driver: %s", cfg.Driver)
	}
	archive, err := storage.NewArchive(blobs, sha256.New(), cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return archive, nil
}

// nilIfEmpty lets discovery fall back to its built-in exclusion lists.
func nilIfEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return values
}
