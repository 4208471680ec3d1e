// Package extract pulls the readable title and body text out of arbitrary
// article HTML.
package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-enhancer/internal/metrics"
)

const (
	// UnknownTitle is used when a page carries no usable title.
	UnknownTitle   = "Unknown"
	maxTitleLength = 200
)

// Options bounds the extracted text.
type Options struct {
	MinLength int
	MaxLength int
}

// Document is a successful extraction.
type Document struct {
	Title    string
	Text     string
	Strategy string
}

// StrategyFunc extracts a document from raw HTML or reports false.
type StrategyFunc func(rawHTML, sourceURL string, opts Options) (*Document, bool)

// Strategy is a named StrategyFunc.
type Strategy struct {
	Name string
	Run  StrategyFunc
}

// Extractor tries its strategies in order and keeps the first result that
// passes the length gate.
type Extractor struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New returns an Extractor. With no strategies it uses readability followed
// by the selector fallback.
func New(logger *zap.Logger, strategies ...Strategy) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(strategies) == 0 {
		strategies = []Strategy{
			{Name: "readability", Run: Readability},
			{Name: "selectors", Run: Selectors},
		}
	}
	return &Extractor{strategies: strategies, logger: logger}
}

// Extract returns nil, false when no strategy produced at least
// opts.MinLength characters. That is an expected outcome, not an error.
func (e *Extractor) Extract(rawHTML, sourceURL string, opts Options) (*Document, bool) {
	if strings.TrimSpace(rawHTML) == "" {
		metrics.ObserveExtraction("")
		return nil, false
	}
	for _, strategy := range e.strategies {
		doc, ok := strategy.Run(rawHTML, sourceURL, opts)
		if !ok || doc == nil || runeLen(doc.Text) < opts.MinLength {
			e.logger.Debug("extraction strategy rejected", zap.String("strategy", strategy.Name), zap.String("url", sourceURL))
			continue
		}
		doc.Strategy = strategy.Name
		metrics.ObserveExtraction(strategy.Name)
		e.logger.Info("content extracted",
			zap.String("strategy", strategy.Name),
			zap.String("url", sourceURL),
			zap.Int("length", runeLen(doc.Text)),
		)
		return doc, true
	}
	metrics.ObserveExtraction("")
	e.logger.Warn("insufficient content extracted", zap.String("url", sourceURL))
	return nil, false
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	spacedNewline   = regexp.MustCompile(` ?\n ?`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalises whitespace and truncates to maxLength runes.
// A non-positive maxLength disables truncation.
func CleanText(text string, maxLength int) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spacedNewline.ReplaceAllString(text, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return truncate(strings.TrimSpace(text), maxLength)
}

// ResolveTitle walks h1, og:title, twitter:title and <title>.
func ResolveTitle(doc *goquery.Document) string {
	candidates := []string{
		doc.Find("h1").First().Text(),
		doc.Find(`meta[property="og:title"]`).AttrOr("content", ""),
		doc.Find(`meta[name="twitter:title"]`).AttrOr("content", ""),
		doc.Find("title").First().Text(),
	}
	for _, c := range candidates {
		c = strings.Join(strings.Fields(c), " ")
		if c != "" {
			return truncate(c, maxTitleLength)
		}
	}
	return UnknownTitle
}

func truncate(s string, maxLength int) string {
	if maxLength <= 0 || utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	return string([]rune(s)[:maxLength])
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
