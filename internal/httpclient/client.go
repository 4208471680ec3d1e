// Package httpclient wraps outbound HTTP calls with retries, a circuit
// breaker, per-host throttling and timing.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
	"github.com/JakeFAU/article-enhancer/internal/retry"
)

const defaultMaxBodyBytes = 5 << 20

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls client behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// Request is a replayable outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Client is the resilient HTTP client.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	limiter Limiter
	policy  retry.ExponentialPolicy
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Client. brk and limiter may be nil.
func New(cfg Config, brk *breaker.Breaker, limiter Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 3
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRedirects := cfg.MaxRedirects
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		breaker: brk,
		limiter: limiter,
		policy:  retry.NewExponentialPolicy(cfg.MaxRetries+1, cfg.BackoffBase, cfg.BackoffMax),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Breaker returns the breaker guarding this client, if any.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// PostJSON marshals in, POSTs it and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Do runs req with retries under the circuit breaker. Only dependency
// failures (transport errors, 5xx, 429) count against the breaker.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var (
		resp   *Response
		result error
	)
	op := func(ctx context.Context) error {
		resp, result = c.doWithRetry(ctx, req)
		if result != nil && Unavailable(result) {
			return result
		}
		return nil
	}
	if c.breaker == nil {
		_ = op(ctx)
		return resp, result
	}
	if err := c.breaker.Execute(ctx, op); err != nil && errors.Is(err, breaker.ErrOpen) {
		c.logger.Warn("request short-circuited", zap.String("url", req.URL), zap.String("breaker", c.breaker.Name()))
		return nil, err
	}
	return resp, result
}

func (c *Client) doWithRetry(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, req.URL); err != nil {
				return nil, err
			}
		}
		resp, retryAfter, err := c.attempt(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !c.retryable(req.Method, err) || !c.policy.ShouldRetry(attempt) {
			break
		}
		delay := c.policy.Backoff(attempt)
		if retryAfter > delay {
			delay = min(retryAfter, c.policy.Max)
		}
		c.logger.Info("retrying request",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry wait: %w", err)
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errBuild, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		elapsed := time.Since(start)
		metrics.ObserveClientRequest(req.URL, 0, elapsed)
		c.logger.Warn("request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBodyBytes))
	elapsed := time.Since(start)
	metrics.ObserveClientRequest(req.URL, httpResp.StatusCode, elapsed)
	if err != nil {
		return nil, 0, fmt.Errorf("read body %s: %w", req.URL, err)
	}

	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", elapsed),
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		c.logger.Warn("request returned error status", fields...)
		return nil, retryAfter(httpResp.Header), &StatusError{StatusCode: httpResp.StatusCode, URL: req.URL}
	}
	c.logger.Debug("request completed", fields...)

	return &Response{
		URL:        httpResp.Request.URL.String(),
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
		Duration:   elapsed,
	}, 0, nil
}

// retryable mirrors the usual network-or-idempotent rule plus 429/503 for
// every method.
func (c *Client) retryable(method string, err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode == http.StatusServiceUnavailable:
			return true
		case statusErr.StatusCode >= 500:
			return idempotent(method)
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errBuild) {
		return false
	}
	return true
}

// Unavailable reports whether err indicates the dependency itself is failing
// rather than a bad request.
func Unavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, errBuild)
}

var errBuild = errors.New("build request")

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
