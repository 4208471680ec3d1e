package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/llm"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		got  chatRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"# Rewritten"}}]}`))
	}))
	defer srv.Close()

	client, err := New(httpclient.New(httpclient.Config{Timeout: time.Second}, nil, nil, nil), Config{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), llm.Request{
		System: "sys", User: "user", Model: "llama-3.3-70b-versatile", MaxTokens: 4096, Temperature: 0.7,
	})
	require.NoError(t, err)
	require.Equal(t, "# Rewritten", text)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "llama-3.3-70b-versatile", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, 4096, got.MaxTokens)
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := New(httpclient.New(httpclient.Config{}, nil, nil, nil), Config{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Request{})
	require.ErrorIs(t, err, llm.ErrEmptyCompletion)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Endpoint: "x"})
	require.Error(t, err)
	_, err = New(httpclient.New(httpclient.Config{}, nil, nil, nil), Config{})
	require.Error(t, err)
}
