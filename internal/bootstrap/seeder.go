// Package bootstrap seeds the article store with the oldest posts of a blog.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/extract"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
)

const (
	contentSelectors = ".entry-content, .post-content, .article, .content, .article-content"
	removeSelectors  = "script, style, nav, aside, .sidebar, .related-posts, .comments, .sharedaddy, .jp-relatedposts"
)

// Config controls the seeder.
type Config struct {
	StartURL  string
	Count     int
	UserAgent string
	Timeout   time.Duration
}

// Store is the subset of article.Repository the seeder writes through.
type Store interface {
	ExistsByURL(ctx context.Context, url string) (bool, error)
	Create(ctx context.Context, a article.Article) (article.Article, error)
}

// IDGenerator names new articles.
type IDGenerator interface {
	NewArticleID() (string, error)
}

// Seeder scrapes listing pages with colly and stores new articles as pending.
type Seeder struct {
	cfg    Config
	store  Store
	ids    IDGenerator
	base   *colly.Collector
	logger *zap.Logger
}

type entry struct {
	Title   string
	URL     string
	Excerpt string
}

// New builds a Seeder.
func New(cfg Config, store Store, ids IDGenerator, logger *zap.Logger) (*Seeder, error) {
	if cfg.StartURL == "" {
		return nil, errors.New("seed start url is required")
	}
	if store == nil || ids == nil {
		return nil, errors.New("store and id generator are required")
	}
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(colly.Async(false))
	// Clones share the visited set; the start page is read twice.
	base.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.SetRequestTimeout(cfg.Timeout)
	return &Seeder{cfg: cfg, store: store, ids: ids, base: base, logger: logger.Named("seeder")}, nil
}

// Run stores up to Count of the oldest posts and returns how many were created.
func (s *Seeder) Run(ctx context.Context) (int, error) {
	s.logger.Info("starting article scraping", zap.String("start_url", s.cfg.StartURL))
	pages, err := s.listingPages(ctx)
	if err != nil {
		return 0, err
	}

	var entries []entry
	for i := len(pages) - 1; i >= 0 && len(entries) < s.cfg.Count; i-- {
		found, err := s.listEntries(ctx, pages[i])
		if err != nil {
			return 0, err
		}
		entries = append(found, entries...)
	}
	if len(entries) > s.cfg.Count {
		entries = entries[len(entries)-s.cfg.Count:]
	}

	created, skipped := 0, 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return created, fmt.Errorf("seed canceled: %w", err)
		}
		if e.Title == "" || e.URL == "" {
			s.logger.Warn("skipping article with missing title or url")
			continue
		}
		exists, err := s.store.ExistsByURL(ctx, e.URL)
		if err != nil {
			return created, fmt.Errorf("check article %s: %w", e.URL, err)
		}
		if exists {
			skipped++
			continue
		}
		content, published, err := s.scrapeArticle(ctx, e.URL)
		if err != nil {
			s.logger.Error("failed to scrape article", zap.String("url", e.URL), zap.Error(err))
			continue
		}
		if content == "" {
			s.logger.Warn("skipping article with no content", zap.String("url", e.URL))
			continue
		}
		id, err := s.ids.NewArticleID()
		if err != nil {
			return created, err
		}
		if _, err := s.store.Create(ctx, article.Article{
			ID:          id,
			Title:       e.Title,
			URL:         e.URL,
			Excerpt:     e.Excerpt,
			Content:     content,
			PublishedAt: published,
			Status:      article.StatusPending,
		}); err != nil {
			if errors.Is(err, article.ErrDuplicateURL) {
				skipped++
				continue
			}
			return created, fmt.Errorf("create article %s: %w", e.URL, err)
		}
		created++
		s.logger.Info("scraped article", zap.String("title", e.Title), zap.String("url", e.URL))
	}
	metrics.AddArticlesSeeded(created)
	s.logger.Info("scraping completed", zap.Int("created", created), zap.Int("skipped", skipped))
	return created, nil
}

// listingPages returns the start page followed by every pagination link, in
// document order and without duplicates.
func (s *Seeder) listingPages(ctx context.Context) ([]string, error) {
	pages := []string{s.cfg.StartURL}
	seen := map[string]bool{s.cfg.StartURL: true}
	c := s.collector(ctx)
	c.OnHTML("a.page-numbers[href]", func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href != "" && !seen[href] {
			seen[href] = true
			pages = append(pages, href)
		}
	})
	if err := c.Visit(s.cfg.StartURL); err != nil {
		return nil, fmt.Errorf("resolve last page: %w", err)
	}
	return pages, nil
}

func (s *Seeder) listEntries(ctx context.Context, pageURL string) ([]entry, error) {
	var out []entry
	c := s.collector(ctx)
	c.OnHTML("article", func(e *colly.HTMLElement) {
		link := e.DOM.Find("h2 a").First()
		href, _ := link.Attr("href")
		out = append(out, entry{
			Title:   strings.TrimSpace(link.Text()),
			URL:     e.Request.AbsoluteURL(href),
			Excerpt: strings.TrimSpace(e.DOM.Find("p").First().Text()),
		})
	})
	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("list articles on %s: %w", pageURL, err)
	}
	return out, nil
}

func (s *Seeder) scrapeArticle(ctx context.Context, pageURL string) (string, *time.Time, error) {
	var body []byte
	c := s.collector(ctx)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	if err := c.Visit(pageURL); err != nil {
		return "", nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("parse article: %w", err)
	}
	content := ParseContent(doc)
	return content, ParsePublished(doc), nil
}

func (s *Seeder) collector(ctx context.Context) *colly.Collector {
	c := s.base.Clone()
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	return c
}

// ParseContent returns the main text of a blog post, falling back to the
// <article> element.
func ParseContent(doc *goquery.Document) string {
	main := doc.Find(contentSelectors).First().Clone()
	main.Find(removeSelectors).Remove()
	if text := extract.CleanText(main.Text(), 0); text != "" {
		return text
	}
	return extract.CleanText(doc.Find("article").Text(), 0)
}

// ParsePublished reads the first time[datetime] or article:published_time meta.
func ParsePublished(doc *goquery.Document) *time.Time {
	candidates := []string{
		doc.Find("time[datetime]").First().AttrOr("datetime", ""),
		doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""),
	}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
