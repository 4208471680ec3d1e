package synth

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the rewrite instructions.
func BuildPrompt(original Original, competitors []Competitor, previewChars int) string {
	var b strings.Builder
	b.WriteString("You are rewriting an article to match the quality and style of top-ranking Google search results.\n\n")
	b.WriteString("ORIGINAL ARTICLE:\n")
	fmt.Fprintf(&b, "Title: %s\nContent: %s\n\n", original.Title, original.Content)

	b.WriteString("TOP-RANKING COMPETING ARTICLES:\n")
	for i, c := range competitors {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "\nArticle %d:\nTitle: %s\nURL: %s\nContent Preview: %s\n", i+1, c.Title, c.URL, preview(c.Text, previewChars))
	}

	b.WriteString(`
YOUR TASK:
Rewrite the original article by:
1. Matching the formatting style, tone, and structure of the competing articles
2. Improving content depth, clarity, and engagement
3. Using proper markdown formatting (# headers, **bold**, *italic*, lists)
4. Maintaining factual accuracy from the original content
5. Incorporating SEO best practices observed in competitors
6. Making it comprehensive yet easy to scan

OUTPUT REQUIREMENTS:
- Return ONLY the rewritten article (no preamble like "Here's the rewritten article...")
- Use clean markdown syntax
- End with a "## References" section containing:
`)
	for i, c := range competitors {
		fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, c.Title, c.URL)
	}
	b.WriteString(`- Target length: 800-1500 words
- Professional, natural tone (not robotic or overly formal)

Begin the rewritten article now:`)
	return b.String()
}

func preview(text string, limit int) string {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return text
	}
	return string(r[:limit])
}
