package extract

import (
	"html"
	"math"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	xhtml "golang.org/x/net/html"
)

var (
	unlikelyCandidates = regexp.MustCompile(`(?i)-ad-|ai2html|banner|breadcrumbs|combx|comment|community|cover-wrap|disqus|extra|footer|gdpr|header|legends|menu|related|remark|replies|rss|shoutbox|sidebar|skyscraper|social|sponsor|supplemental|ad-break|agegate|pagination|pager|popup|yom-remote`)
	maybeCandidate     = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)
	positiveWeight     = regexp.MustCompile(`(?i)article|body|content|entry|hentry|h-entry|main|page|pagination|post|text|blog|story`)
	negativeWeight     = regexp.MustCompile(`(?i)-ad-|hidden|^hid$| hid$| hid |^hid |banner|combx|comment|com-|contact|foot|footer|footnote|gdpr|masthead|media|meta|outbrain|promo|related|scroll|share|shoutbox|sidebar|skyscraper|sponsor|shopping|tags|tool|widget`)
)

const minParagraphLength = 25

// Readability scores block containers by paragraph text, commas and
// class/id hints, penalises link-heavy blocks, and renders the winner.
func Readability(rawHTML, _ string, opts Options) (*Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, false
	}
	title := ResolveTitle(doc)

	doc.Find("script, style, noscript, iframe, form, nav, aside, header, footer, svg, object, embed").Remove()
	removeUnlikely(doc)

	top := topCandidate(doc)
	if top == nil {
		return nil, false
	}
	text := render(top)
	if runeLen(text) < opts.MinLength {
		return nil, false
	}
	return &Document{Title: title, Text: truncate(text, opts.MaxLength)}, true
}

func removeUnlikely(doc *goquery.Document) {
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "article", "main", "a":
			return
		}
		match := s.AttrOr("class", "") + " " + s.AttrOr("id", "")
		if strings.TrimSpace(match) == "" {
			return
		}
		if unlikelyCandidates.MatchString(match) && !maybeCandidate.MatchString(match) {
			s.Remove()
		}
	})
}

type candidate struct {
	sel   *goquery.Selection
	score float64
}

func topCandidate(doc *goquery.Document) *goquery.Selection {
	scores := make(map[*xhtml.Node]*candidate)
	var order []*xhtml.Node

	score := func(s *goquery.Selection, add float64) {
		if s.Length() == 0 {
			return
		}
		node := s.Get(0)
		c, ok := scores[node]
		if !ok {
			c = &candidate{sel: s, score: initialScore(s)}
			scores[node] = c
			order = append(order, node)
		}
		c.score += add
	}

	doc.Find("p, pre, td").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		length := runeLen(text)
		if length < minParagraphLength {
			return
		}
		contentScore := 1 + float64(strings.Count(text, ",")) + math.Min(float64(length)/100, 3)
		parent := p.Parent()
		if goquery.NodeName(parent) == "body" || parent.Length() == 0 {
			return
		}
		score(parent, contentScore)
		grand := parent.Parent()
		if grand.Length() > 0 && goquery.NodeName(grand) != "html" {
			score(grand, contentScore/2)
		}
	})

	var best *candidate
	for _, node := range order {
		c := scores[node]
		c.score *= 1 - linkDensity(c.sel)
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.sel
}

func initialScore(s *goquery.Selection) float64 {
	var base float64
	switch goquery.NodeName(s) {
	case "div", "article", "main", "section":
		base = 5
	case "pre", "td", "blockquote":
		base = 3
	case "address", "ol", "ul", "dl", "dd", "dt", "li":
		base = -3
	case "h1", "h2", "h3", "h4", "h5", "h6", "th":
		base = -5
	}
	return base + classWeight(s)
}

func classWeight(s *goquery.Selection) float64 {
	var weight float64
	for _, attr := range []string{s.AttrOr("class", ""), s.AttrOr("id", "")} {
		if attr == "" {
			continue
		}
		if negativeWeight.MatchString(attr) {
			weight -= 25
		}
		if positiveWeight.MatchString(attr) {
			weight += 25
		}
	}
	return weight
}

func linkDensity(s *goquery.Selection) float64 {
	total := runeLen(strings.TrimSpace(s.Text()))
	if total == 0 {
		return 0
	}
	var linked int
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		linked += runeLen(strings.TrimSpace(a.Text()))
	})
	return float64(linked) / float64(total)
}

// render turns the winning container into plain paragraphs. Links and
// images are flattened first so only prose survives the markdown pass.
func render(s *goquery.Selection) string {
	s.Find("img, picture, figure, video, audio").Remove()
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		a.ReplaceWithHtml(html.EscapeString(a.Text()))
	})
	outer, err := goquery.OuterHtml(s)
	if err != nil {
		return CleanText(s.Text(), 0)
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(outer)
	if err != nil {
		return CleanText(s.Text(), 0)
	}
	return CleanText(markdown, 0)
}
