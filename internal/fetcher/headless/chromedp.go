// Package headless renders JavaScript-heavy competitor pages with chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/article-enhancer/internal/fetcher"
	"github.com/JakeFAU/article-enhancer/internal/httpclient"
)

const (
	defaultNavTimeout  = 25 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay gives client-side scripts time to fill the body after it is ready.
	SettleDelay time.Duration
}

// Renderer implements fetcher.Renderer with one shared headless Chrome and a
// tab per page.
type Renderer struct {
	cfg     Config
	slots   chan struct{}
	browser context.Context
	stop    context.CancelFunc
}

var _ fetcher.Renderer = (*Renderer)(nil)

// NewChromedp configures the browser. Chrome starts on the first Render.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = make(chan struct{}, cfg.MaxParallel)
	}
	r.browser, r.stop = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return r, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.stop()
}

// Render loads rawURL in a fresh tab with the same request headers the plain
// fetch sent. A 4xx or 5xx document is reported as *httpclient.StatusError,
// matching the plain path.
func (r *Renderer) Render(ctx context.Context, rawURL string, header http.Header) (fetcher.Page, error) {
	if err := r.acquire(ctx); err != nil {
		return fetcher.Page{}, err
	}
	defer r.release()

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	stopWatch := context.AfterFunc(ctx, closeTab)
	defer stopWatch()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	if err := chromedp.Run(tab,
		network.Enable(),
		network.SetExtraHTTPHeaders(networkHeaders(header)),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return fetcher.Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	page := doc.page(rawURL, location)
	if page.StatusCode >= http.StatusBadRequest {
		return fetcher.Page{}, &httpclient.StatusError{StatusCode: page.StatusCode, URL: page.URL}
	}
	page.Body = []byte(html)
	page.Duration = time.Since(start)
	return page, nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.slots == nil {
		return
	}
	<-r.slots
}

// documentResponse records the first document response a tab receives.
// Redirects only surface their final hop here; later documents are iframes.
type documentResponse struct {
	mu     sync.Mutex
	seen   bool
	status int
	url    string
	header http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.header = httpHeader(resp.Response.Headers)
}

// page builds the page metadata. Without an observed response (a cached or
// about: navigation) it falls back to the tab location and 200.
func (d *documentResponse) page(requested, location string) fetcher.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := fetcher.Page{URL: d.url, StatusCode: d.status, Header: d.header, Rendered: true}
	if p.URL == "" {
		p.URL = location
	}
	if p.URL == "" {
		p.URL = requested
	}
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusOK
	}
	if p.Header == nil {
		p.Header = http.Header{}
	}
	return p
}

// httpHeader converts DevTools headers. Chrome folds repeated headers into
// one newline-separated string.
func httpHeader(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		raw, ok := value.(string)
		if !ok {
			raw = fmt.Sprint(value)
		}
		for _, v := range strings.Split(raw, "\n") {
			out.Add(key, v)
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
