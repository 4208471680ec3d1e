// Package openai talks to OpenAI-compatible chat completion endpoints such
// as Groq.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/article-enhancer/internal/httpclient"
	"github.com/JakeFAU/article-enhancer/internal/llm"
)

// Config identifies the endpoint.
type Config struct {
	Endpoint string
	APIKey   string
}

// Client implements llm.Provider over the resilient HTTP client.
type Client struct {
	http *httpclient.Client
	cfg  Config
}

var _ llm.Provider = (*Client)(nil)

// New builds a Client.
func New(client *httpclient.Client, cfg Config) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return &Client{http: client, cfg: cfg}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Complete posts a chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	body := chatRequest{
		Model: req.Model,
		Messages: []message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	var out chatResponse
	if err := c.http.PostJSON(ctx, c.cfg.Endpoint, header, body, &out); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", llm.ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}
