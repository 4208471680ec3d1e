// Package llm defines the chat-completion boundary used by the synthesizer.
package llm

import (
	"context"
	"errors"
)

// Request is one system+user exchange.
type Request struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Provider completes a chat request and returns the generated text.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("model returned no content")
