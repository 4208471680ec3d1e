// Package fetcher retrieves competitor pages through the resilient client and
// promotes JavaScript shells to a headless renderer.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
)

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Getter is the subset of the resilient client used for plain fetches.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*httpclient.Response, error)
}

// Renderer loads a page in a browser and returns the rendered DOM. header is
// the set of request headers the plain fetch sent.
type Renderer interface {
	Render(ctx context.Context, rawURL string, header http.Header) (Page, error)
}

// Detector decides whether a plain response needs rendering.
type Detector interface {
	ShouldPromote(statusCode int, body []byte) bool
}

// Fetcher combines a plain client with an optional renderer.
type Fetcher struct {
	client   Getter
	renderer Renderer
	detector Detector
	logger   *zap.Logger
}

// New builds a Fetcher. renderer and detector may be nil, which disables promotion.
func New(client Getter, renderer Renderer, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:   client,
		renderer: renderer,
		detector: detector,
		logger:   logger.Named("fetcher"),
	}
}

// Fetch downloads rawURL. A failed render falls back to the plain response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	header := http.Header{"Accept": {"text/html,application/xhtml+xml"}}
	resp, err := f.client.Get(ctx, rawURL, header)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	page := Page{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Duration:   resp.Duration,
	}
	if f.renderer == nil || f.detector == nil || !f.detector.ShouldPromote(page.StatusCode, page.Body) {
		return page, nil
	}
	metrics.IncHeadlessPromotions()
	rendered, err := f.renderer.Render(ctx, rawURL, header)
	if err != nil {
		f.logger.Warn("headless render failed, using plain response",
			zap.String("url", rawURL), zap.Error(err))
		return page, nil
	}
	f.logger.Debug("page rendered", zap.String("url", rawURL), zap.Duration("duration", rendered.Duration))
	return rendered, nil
}
