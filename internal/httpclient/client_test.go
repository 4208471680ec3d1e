package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/breaker"
)

func newTestClient(brk *breaker.Breaker) *Client {
	c := New(Config{UserAgent: "test-agent/1.0", Timeout: time.Second, MaxRetries: 2, BackoffBase: time.Millisecond}, brk, nil, zap.NewNop())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestGetRetriesServiceUnavailable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestClient(nil).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, 3, resp.Attempts)
	require.Equal(t, "test-agent/1.0", agent.Load())
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	brk := breaker.New("http", breaker.Options{FailureThreshold: 1})
	_, err := newTestClient(brk).Get(context.Background(), srv.URL, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, breaker.Closed, brk.State())
	require.False(t, Unavailable(err))
}

func TestBreakerShortCircuitsAfterRepeatedOutage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	brk := breaker.New("http", breaker.Options{FailureThreshold: 2, OpenDuration: time.Hour})
	client := newTestClient(brk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Get(ctx, srv.URL, nil)
		require.Error(t, err)
		require.True(t, Unavailable(err))
	}
	require.Equal(t, int32(6), hits.Load())
	require.Equal(t, breaker.Open, brk.State())

	_, err := client.Get(ctx, srv.URL, nil)
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.True(t, Unavailable(err))
	require.Equal(t, int32(6), hits.Load())
}

func TestPostRetriesOnlyThrottling(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		switch r.URL.Path {
		case "/boom":
			w.WriteHeader(http.StatusBadGateway)
		case "/throttle":
			if n%2 == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"answer":42}`))
		}
	}))
	defer srv.Close()

	client := newTestClient(nil)
	err := client.PostJSON(context.Background(), srv.URL+"/boom", nil, map[string]string{"q": "x"}, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())

	hits.Store(0)
	var out struct {
		Answer int `json:"answer"`
	}
	require.NoError(t, client.PostJSON(context.Background(), srv.URL+"/throttle", nil, map[string]string{"q": "x"}, &out))
	require.Equal(t, 42, out.Answer)
	require.Equal(t, int32(2), hits.Load())
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(nil)
	client.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := client.Get(ctx, srv.URL, nil)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRetryAfterParsing(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	require.Zero(t, retryAfter(h))
	h.Set("Retry-After", "3")
	require.Equal(t, 3*time.Second, retryAfter(h))
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	require.Zero(t, retryAfter(h))
}
