package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	renderer, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(renderer.Close)
	require.Equal(t, 2, cap(renderer.slots))
	require.Equal(t, defaultNavTimeout, renderer.cfg.NavigationTimeout)
	require.Equal(t, defaultSettleDelay, renderer.cfg.SettleDelay)

	unlimited, err := NewChromedp(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(unlimited.Close)
	require.Nil(t, unlimited.slots)
	require.Equal(t, time.Second, unlimited.cfg.NavigationTimeout)
}

func TestAllocatorOptionsCarryUserAgent(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{}))
	require.Len(t, allocatorOptions(Config{UserAgent: "Mozilla/5.0 test"}), base+1)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	renderer := &Renderer{slots: make(chan struct{}, 1)}
	require.NoError(t, renderer.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, renderer.acquire(ctx), context.Canceled)

	renderer.release()
	require.NoError(t, renderer.acquire(context.Background()))
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://competitor.example.com/post",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2", "Content-Type": "text/html"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.com/frame"},
	})

	page := doc.page("https://competitor.example.com/p", "")
	require.True(t, page.Rendered)
	require.Equal(t, 203, page.StatusCode)
	require.Equal(t, "https://competitor.example.com/post", page.URL)
	require.Equal(t, []string{"a=1", "b=2"}, page.Header.Values("Set-Cookie"))
	require.Equal(t, "text/html", page.Header.Get("Content-Type"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	page := (&documentResponse{}).page("https://req.example.com", "https://final.example.com")
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "https://final.example.com", page.URL)
	require.NotNil(t, page.Header)

	page = (&documentResponse{}).page("https://req.example.com", "")
	require.Equal(t, "https://req.example.com", page.URL)
}

func TestNetworkHeadersJoinValues(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{"Accept": {"text/html", "application/xhtml+xml"}, "X-Empty": nil})
	require.Equal(t, network.Headers{"Accept": "text/html, application/xhtml+xml"}, got)
}
