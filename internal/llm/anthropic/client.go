// Package anthropic adapts llmkit's Anthropic client to llm.Provider.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	llmkit "github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"github.com/JakeFAU/article-enhancer/internal/breaker"
	"github.com/JakeFAU/article-enhancer/internal/llm"
)

type promptFunc func(system, user, apiKey string, settings types.RequestSettings) (string, error)

// Client implements llm.Provider with llmkit.
type Client struct {
	apiKey  string
	breaker *breaker.Breaker
	prompt  promptFunc
}

var _ llm.Provider = (*Client)(nil)

// New builds a Client. brk may be nil.
func New(apiKey string, brk *breaker.Breaker) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return &Client{apiKey: apiKey, breaker: brk, prompt: promptWithSettings}, nil
}

func promptWithSettings(system, user, apiKey string, settings types.RequestSettings) (string, error) {
	response, err := llmkit.PromptWithSettings(system, user, "", apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(response.Content) == 0 {
		return "", nil
	}
	return response.Content[0].Text, nil
}

// Complete runs the prompt. llmkit does not take a context, so the call is
// abandoned (not interrupted) when ctx ends.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	settings := types.RequestSettings{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	var text string
	call := func(ctx context.Context) error {
		type result struct {
			text string
			err  error
		}
		done := make(chan result, 1)
		go func() {
			t, err := c.prompt(req.System, req.User, c.apiKey, settings)
			done <- result{text: t, err: err}
		}()
		select {
		case <-ctx.Done():
			return fmt.Errorf("anthropic prompt: %w", ctx.Err())
		case r := <-done:
			if r.err != nil {
				return fmt.Errorf("anthropic prompt: %w", r.err)
			}
			text = r.text
			return nil
		}
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", llm.ErrEmptyCompletion
	}
	return text, nil
}
