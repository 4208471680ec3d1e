package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// removeSelectors are stripped before probing for content.
var removeSelectors = []string{
	"script", "style", "nav", "aside", "header", "footer",
	".sidebar", ".navigation", ".menu", ".related-posts",
	".comments", ".comment-section", ".social-share", ".share-buttons",
	"iframe", ".advertisement", ".ad",
	`[class*="ad-"]`, `[id*="ad-"]`, `[class*="banner"]`,
	".popup", ".modal",
}

// contentSelectors are probed in order.
var contentSelectors = []string{
	"article",
	".post-content",
	".entry-content",
	".article-content",
	".article-body",
	".post-body",
	".content",
	"main article",
	`[role="main"] article`,
	".blog-post",
}

// Selectors removes known boilerplate and takes the first content container
// with more than MinLength characters, else the whole body.
func Selectors(rawHTML, _ string, opts Options) (*Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, false
	}
	title := ResolveTitle(doc)
	doc.Find(strings.Join(removeSelectors, ", ")).Remove()

	var text string
	for _, selector := range contentSelectors {
		candidate := CleanText(doc.Find(selector).First().Text(), 0)
		if runeLen(candidate) > opts.MinLength {
			text = candidate
			break
		}
	}
	if text == "" {
		text = CleanText(doc.Find("body").Text(), 0)
	}
	if runeLen(text) < opts.MinLength {
		return nil, false
	}
	return &Document{Title: title, Text: truncate(text, opts.MaxLength)}, true
}
