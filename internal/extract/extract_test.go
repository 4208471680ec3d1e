package extract

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func paragraph(n int) string {
	return fmt.Sprintf("Paragraph %d explains how search engines rank long form articles, why structure matters, and what readers expect from a guide.", n)
}

func articlePage(paragraphs int) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Page Title</title><meta property="og:title" content="OG Title"></head><body>`)
	b.WriteString(`<nav class="menu"><a href="/">Home</a><a href="/blog">Blog</a></nav>`)
	b.WriteString(`<div class="sidebar"><p>Subscribe to our newsletter for weekly updates on everything, every day, forever.</p></div>`)
	b.WriteString(`<article class="post-content"><h1>Real Headline</h1>`)
	for i := 0; i < paragraphs; i++ {
		b.WriteString("<p>" + paragraph(i) + ` See <a href="/more">more</a>.</p>`)
	}
	b.WriteString(`</article><footer>Copyright</footer></body></html>`)
	return b.String()
}

func TestExtractPrefersReadability(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	doc, ok := e.Extract(articlePage(10), "https://example.com/post", Options{MinLength: 500, MaxLength: 6000})
	require.True(t, ok)
	require.Equal(t, "readability", doc.Strategy)
	require.Equal(t, "Real Headline", doc.Title)
	require.Contains(t, doc.Text, "Paragraph 3 explains")
	require.NotContains(t, doc.Text, "newsletter")
	require.NotContains(t, doc.Text, "](")
}

func TestExtractTruncatesToMaxLength(t *testing.T) {
	t.Parallel()

	doc, ok := New(nil).Extract(articlePage(40), "https://example.com/post", Options{MinLength: 500, MaxLength: 700})
	require.True(t, ok)
	require.Equal(t, 700, utf8.RuneCountInString(doc.Text))
}

func TestExtractReturnsFalseForThinPages(t *testing.T) {
	t.Parallel()

	page := `<html><body><article><p>Too short to matter.</p></article><div class="content">Also short.</div></body></html>`
	doc, ok := New(nil).Extract(page, "https://example.com/thin", Options{MinLength: 500, MaxLength: 6000})
	require.False(t, ok)
	require.Nil(t, doc)

	doc, ok = New(nil).Extract("   ", "https://example.com/empty", Options{MinLength: 1})
	require.False(t, ok)
	require.Nil(t, doc)
}

func TestSelectorsFallbackWhenReadabilityFindsNothing(t *testing.T) {
	t.Parallel()

	// Text in bare divs without paragraphs gives readability no candidates.
	var b strings.Builder
	b.WriteString(`<html><head><meta name="twitter:title" content="Twitter Title"></head><body><script>var x = 1;</script><div class="entry-content">`)
	for i := 0; i < 8; i++ {
		b.WriteString(paragraph(i) + "\n")
	}
	b.WriteString(`</div><div class="ad-slot">Buy now</div></body></html>`)

	e := New(nil)
	doc, ok := e.Extract(b.String(), "https://example.com/x", Options{MinLength: 500, MaxLength: 6000})
	require.True(t, ok)
	require.Equal(t, "selectors", doc.Strategy)
	require.Equal(t, "Twitter Title", doc.Title)
	require.NotContains(t, doc.Text, "Buy now")
	require.NotContains(t, doc.Text, "var x")
}

func TestSelectorsFallsBackToBody(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head><title> Body Title </title></head><body><section>`)
	for i := 0; i < 6; i++ {
		b.WriteString(paragraph(i) + " ")
	}
	b.WriteString(`</section></body></html>`)

	doc, ok := Selectors(b.String(), "", Options{MinLength: 500, MaxLength: 6000})
	require.True(t, ok)
	require.Equal(t, "Body Title", doc.Title)
	require.Contains(t, doc.Text, "Paragraph 5")
}

func TestCustomStrategyOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	first := Strategy{Name: "first", Run: func(string, string, Options) (*Document, bool) {
		calls = append(calls, "first")
		return &Document{Text: "short"}, true
	}}
	second := Strategy{Name: "second", Run: func(string, string, Options) (*Document, bool) {
		calls = append(calls, "second")
		return &Document{Title: "t", Text: strings.Repeat("x", 20)}, true
	}}
	doc, ok := New(nil, first, second).Extract("<p>x</p>", "", Options{MinLength: 10})
	require.True(t, ok)
	require.Equal(t, "second", doc.Strategy)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	in := "  Hello  world\t\tagain \n\n\n\n  next \n line  "
	require.Equal(t, "Hello world again\n\nnext\nline", CleanText(in, 0))
	require.Equal(t, "Hello", CleanText(in, 5))
	require.Equal(t, "héllo", CleanText("héllo wörld", 5))
}

func TestResolveTitleChain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		html string
		want string
	}{
		{`<h1> A  heading </h1><title>T</title>`, "A heading"},
		{`<meta property="og:title" content="OG"><title>T</title>`, "OG"},
		{`<meta name="twitter:title" content="TW"><title>T</title>`, "TW"},
		{`<title>T</title>`, "T"},
		{`<p>nothing</p>`, UnknownTitle},
		{`<h1>` + strings.Repeat("a", 300) + `</h1>`, strings.Repeat("a", 200)},
	}
	for _, tc := range cases {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(tc.html))
		require.NoError(t, err)
		require.Equal(t, tc.want, ResolveTitle(doc))
	}
}
