// Package synth turns an article and its strongest competitors into a
// rewritten article through a language model.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/article"
	"github.com/JakeFAU/article-enhancer/internal/llm"
	"github.com/JakeFAU/article-enhancer/internal/metrics"
)

const systemPrompt = "You are an expert content strategist specializing in SEO-optimized article rewriting. " +
	"You analyze top-ranking articles and enhance content to match their quality and style."

// Original is the article being rewritten.
type Original struct {
	Title   string
	Content string
}

// Competitor is a scraped competing article.
type Competitor struct {
	Title string
	URL   string
	Text  string
}

// Result is the synthesized article and the sources it cites.
type Result struct {
	Content    string
	References []article.Reference
}

// Config controls prompt size and model parameters.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	PreviewChars int
	TopN         int
}

// Synthesizer builds prompts and calls the provider.
type Synthesizer struct {
	provider llm.Provider
	cfg      Config
	logger   *zap.Logger
}

// New builds a Synthesizer.
func New(provider llm.Provider, cfg Config, logger *zap.Logger) (*Synthesizer, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 2000
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{provider: provider, cfg: cfg, logger: logger}, nil
}

// Synthesize rewrites original using at most TopN competitors, in the order given.
func (s *Synthesizer) Synthesize(ctx context.Context, original Original, competitors []Competitor) (Result, error) {
	if len(competitors) > s.cfg.TopN {
		competitors = competitors[:s.cfg.TopN]
	}
	refs := make([]article.Reference, 0, len(competitors))
	for _, c := range competitors {
		refs = append(refs, article.Reference{Title: c.Title, URL: c.URL})
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	s.logger.Info("enhancing article", zap.String("title", original.Title), zap.Int("competitors", len(competitors)))
	start := time.Now()
	content, err := s.provider.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        BuildPrompt(original, competitors, s.cfg.PreviewChars),
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	metrics.ObserveSynthesis(time.Since(start))
	if err == nil && strings.TrimSpace(content) == "" {
		err = llm.ErrEmptyCompletion
	}
	if err != nil {
		s.logger.Error("enhancement failed", zap.String("title", original.Title), zap.Error(err))
		return Result{}, fmt.Errorf("enhancement failed: %w", errors.Join(article.ErrSynthesisFailure, err))
	}
	s.logger.Info("article enhanced", zap.String("title", original.Title), zap.Duration("duration", time.Since(start)))
	return Result{Content: content, References: refs}, nil
}
