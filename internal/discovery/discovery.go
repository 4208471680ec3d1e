// Package discovery finds competing articles for a topic through a web
// search provider and filters them down to usable article URLs.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
)

// DefaultExcludedDomains lists sites that never host comparable articles.
var DefaultExcludedDomains = []string{
	"youtube.com",
	"facebook.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"linkedin.com/posts",
	"pinterest.com",
	"reddit.com/r/",
	"tiktok.com",
	"beyondchats.com",
}

// DefaultExcludedPatterns lists listing-page paths that are not articles.
var DefaultExcludedPatterns = []string{
	`/tag/`,
	`/category/`,
	`/author/`,
	`/page/\d+`,
	`/search/`,
}

// Result is one ranked search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Config controls the search request and the result filter.
type Config struct {
	Endpoint         string
	APIKey           string
	QueryMaxLength   int
	Num              int
	Country          string
	Language         string
	Safe             string
	MinSnippetLength int
	MaxResults       int
	ExcludedDomains  []string
	ExcludedPatterns []string
}

// Searcher queries the search provider through the resilient client.
type Searcher struct {
	client   *httpclient.Client
	cfg      Config
	block    *blocklist
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// New builds a Searcher. Invalid patterns are reported as errors.
func New(client *httpclient.Client, cfg Config, logger *zap.Logger) (*Searcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://serpapi.com/search"
	}
	if cfg.QueryMaxLength <= 0 {
		cfg.QueryMaxLength = 200
	}
	if cfg.Num <= 0 {
		cfg.Num = 10
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 3
	}
	if cfg.ExcludedDomains == nil {
		cfg.ExcludedDomains = DefaultExcludedDomains
	}
	if cfg.ExcludedPatterns == nil {
		cfg.ExcludedPatterns = DefaultExcludedPatterns
	}
	patterns, err := compilePatterns(cfg.ExcludedPatterns)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		client:   client,
		cfg:      cfg,
		block:    newBlocklist(cfg.ExcludedDomains),
		patterns: patterns,
		logger:   logger,
	}, nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile excluded pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Search returns at most MaxResults usable results in provider order.
func (s *Searcher) Search(ctx context.Context, query string) ([]Result, error) {
	return s.SearchExcluding(ctx, query, "")
}

// SearchExcluding is Search with the host of sourceURL added to the
// excluded domains.
func (s *Searcher) SearchExcluding(ctx context.Context, query, sourceURL string) ([]Result, error) {
	q := truncateQuery(query, s.cfg.QueryMaxLength)
	if q == "" {
		return nil, fmt.Errorf("search failed: empty query")
	}
	s.logger.Info("searching for competing articles", zap.String("query", q))

	raw, err := s.fetch(ctx, q)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", q), zap.Error(err))
		return nil, fmt.Errorf("search failed: %w", err)
	}

	block := s.block
	if sourceURL != "" {
		if u, err := url.Parse(sourceURL); err == nil && u.Hostname() != "" {
			block = s.block.clone()
			block.add(u.Hostname())
		}
	}
	kept := filterResults(raw, block, s.patterns, s.cfg.MinSnippetLength, s.cfg.MaxResults)
	metrics.ObserveSearch(len(raw), len(kept))
	s.logger.Info("found competing articles",
		zap.String("query", q),
		zap.Int("total", len(raw)),
		zap.Int("kept", len(kept)),
	)
	return kept, nil
}

type organicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	OrganicResults []organicResult `json:"organic_results"`
	Error          string          `json:"error"`
}

func (s *Searcher) fetch(ctx context.Context, q string) ([]organicResult, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("api_key", s.cfg.APIKey)
	params.Set("num", strconv.Itoa(s.cfg.Num))
	if s.cfg.Country != "" {
		params.Set("gl", s.cfg.Country)
	}
	if s.cfg.Language != "" {
		params.Set("hl", s.cfg.Language)
	}
	if s.cfg.Safe != "" {
		params.Set("safe", s.cfg.Safe)
	}
	resp, err := s.client.Get(ctx, s.cfg.Endpoint+"?"+params.Encode(), http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return nil, err
	}
	var body searchResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if body.Error != "" && len(body.OrganicResults) == 0 {
		return nil, fmt.Errorf("provider error: %s", body.Error)
	}
	return body.OrganicResults, nil
}

func filterResults(raw []organicResult, block *blocklist, patterns []*regexp.Regexp, minSnippet, limit int) []Result {
	out := make([]Result, 0, limit)
	for _, r := range raw {
		if len(out) >= limit {
			break
		}
		link := strings.TrimSpace(r.Link)
		title := strings.TrimSpace(r.Title)
		if link == "" || title == "" || utf8.RuneCountInString(r.Snippet) <= minSnippet {
			continue
		}
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			continue
		}
		if block.blocked(u) || matchesAny(patterns, link) {
			continue
		}
		out = append(out, Result{Title: title, URL: link, Snippet: r.Snippet})
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, link string) bool {
	for _, re := range patterns {
		if re.MatchString(link) {
			return true
		}
	}
	return false
}

func truncateQuery(q string, maxLength int) string {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) <= maxLength {
		return q
	}
	return strings.TrimSpace(string([]rune(q)[:maxLength]))
}
