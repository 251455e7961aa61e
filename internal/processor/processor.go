package processor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"archivecrawler/internal/config"
)

// Content is the text recovered from one article page.
type Content struct {
	Title string
	Text  string
	// Origin names the strategy that produced Text: a content selector,
	// "readability" or "body".
	Origin string
}

// Extractor strips page chrome and locates the main article text.
type Extractor struct {
	opts config.ExtractConfig
}

// NewExtractor constructs an extractor from configuration.
func NewExtractor(cfg config.ExtractConfig) *Extractor {
	if len(cfg.DropSelectors) == 0 {
		cfg.DropSelectors = config.Default().Extract.DropSelectors
	}
	if len(cfg.ContentSelectors) == 0 {
		cfg.ContentSelectors = config.Default().Extract.ContentSelectors
	}
	return &Extractor{opts: cfg}
}

var blockLevelTags = map[string]struct{}{
	"p":          {},
	"div":        {},
	"section":    {},
	"article":    {},
	"main":       {},
	"aside":      {},
	"blockquote": {},
	"h1":         {},
	"h2":         {},
	"h3":         {},
	"h4":         {},
	"h5":         {},
	"h6":         {},
	"ul":         {},
	"ol":         {},
	"li":         {},
	"dl":         {},
	"dt":         {},
	"dd":         {},
	"table":      {},
	"tr":         {},
	"pre":        {},
	"figure":     {},
	"figcaption": {},
}

// Extract returns the page title and main text. Text is empty when nothing
// long enough could be found.
func (e *Extractor) Extract(body []byte, pageURL *url.URL) (Content, error) {
	if len(body) == 0 {
		return Content{}, fmt.Errorf("page body empty")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("parse html: %w", err)
	}

	out := Content{Title: pageTitle(doc)}

	doc.Find(strings.Join(e.opts.DropSelectors, ",")).Remove()

	for _, sel := range e.opts.ContentSelectors {
		area := doc.Find(sel).First()
		if area.Length() == 0 {
			continue
		}
		text := selectionText(area)
		if utf8.RuneCountInString(text) > e.opts.MinContainerLength {
			out.Text, out.Origin = text, sel
			return out, nil
		}
	}

	if e.opts.Readability && pageURL != nil {
		if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
			text := collapseBlankLines(strings.TrimSpace(article.TextContent))
			if utf8.RuneCountInString(text) > e.opts.MinContainerLength {
				out.Text, out.Origin = text, "readability"
				return out, nil
			}
		}
	}

	text := selectionText(doc.Find("body").First())
	if utf8.RuneCountInString(text) < e.opts.MinTextLength {
		return out, nil
	}
	out.Text, out.Origin = text, "body"
	return out, nil
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").First().Attr("content"); ok {
		if og = normalizeWhitespace(og); og != "" {
			return og
		}
	}
	if h1 := normalizeWhitespace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return normalizeWhitespace(doc.Find("title").First().Text())
}

func selectionText(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	acc := &textAccumulator{}
	for _, n := range sel.Nodes {
		accumulateText(n, acc)
	}
	return collapseBlankLines(strings.TrimSpace(acc.String()))
}

type textAccumulator struct {
	builder   strings.Builder
	lastRune  rune
	hasLast   bool
	lastWasNL bool
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
		t.lastWasNL = r == '\n'
	}
}

func (t *textAccumulator) ensureSpace() {
	if !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(" ")
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastWasNL {
		return
	}
	t.append("\n")
}

func accumulateText(node *html.Node, acc *textAccumulator) {
	switch node.Type {
	case html.TextNode:
		text := normalizeWhitespace(node.Data)
		if text == "" {
			return
		}
		acc.ensureSpace()
		acc.append(text)
	case html.ElementNode, html.DocumentNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.ensureNewline()
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
		switch {
		case tag == "td" || tag == "th":
			acc.ensureSpace()
		case block:
			acc.ensureNewline()
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, line)
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
