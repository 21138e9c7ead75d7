// Package extract turns fetched HTML into normalized page content: a title,
// a capped text body, an excerpt, an optional lead image, and a language.
package extract

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

const (
	// minReadabilityChars is the smallest readability output accepted before
	// falling back to selector or heuristic extraction.
	minReadabilityChars = 250
	// MinContentChars is the smallest normalized body that still produces a
	// record; anything shorter is a stub or an extraction failure.
	MinContentChars = 50
	// MaxContentChars caps stored content; MaxExcerptChars caps the summary
	// shown in search results.
	MaxContentChars = 3000
	MaxExcerptChars = 250
)

// Input is one page to extract.
type Input struct {
	URL  string
	HTML []byte
	// Selector overrides automatic extraction with a site-configured CSS
	// selector.
	Selector string
	// LangHint is the configured site language, used when the page declares
	// none and detection is unreliable.
	LangHint string
}

// Content is the normalized extraction result.
type Content struct {
	Title   string
	Text    string
	Excerpt string
	Image   string
	Lang    string
	// NoIndex is set when the page carries a robots noindex directive.
	NoIndex bool
}

// Extractor turns raw HTML into Content. It tries readability first, then
// the configured selector, then a rule-based fallback.
type Extractor struct {
	log *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{log: logger}
}

// Extract runs the extraction pipeline for one page. Pages whose normalized
// body stays under the minimum length fail with an ExtractionError.
func (e *Extractor) Extract(input Input) (Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(input.HTML))
	if err != nil {
		return Content{}, &crawler.ExtractionError{URL: input.URL, Reason: "unparseable html"}
	}

	out := Content{
		Title:   pageTitle(doc),
		Image:   pageImage(doc, input.URL),
		NoIndex: robotsNoIndex(doc),
	}
	declaredLang, _ := doc.Find("html").Attr("lang")

	text := e.readableText(input)
	source := "readability"
	if text == "" {
		removeBoilerplate(doc)
		if input.Selector != "" {
			text = Normalize(doc.Find(input.Selector).Text())
			source = "selector"
		}
		if text == "" {
			text = heuristicText(doc)
			source = "heuristic"
		}
	}
	if len([]rune(text)) < MinContentChars {
		return Content{}, &crawler.ExtractionError{URL: input.URL, Reason: "content below minimum length"}
	}

	out.Text = Cap(text, MaxContentChars)
	out.Excerpt = Excerpt(text, MaxExcerptChars)
	out.Lang = ResolveLang(declaredLang, input.LangHint, out.Text)
	e.log.Debug("content extracted",
		zap.String("url", input.URL),
		zap.String("source", source),
		zap.Int("chars", len(out.Text)),
		zap.String("lang", out.Lang))
	return out, nil
}

// readableText runs go-readability and accepts its output only when it is
// substantial enough to trust.
func (e *Extractor) readableText(input Input) string {
	pageURL, err := url.Parse(input.URL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(input.HTML), pageURL)
	if err != nil {
		return ""
	}
	text := Normalize(article.TextContent)
	if len([]rune(text)) < minReadabilityChars {
		return ""
	}
	return text
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if title := Normalize(og); title != "" {
			return title
		}
	}
	if title := Normalize(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return Normalize(doc.Find("h1").First().Text())
}

func robotsNoIndex(doc *goquery.Document) bool {
	noindex := false
	doc.Find(`meta[name="robots"], meta[name="googlebot"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		content, _ := sel.Attr("content")
		if strings.Contains(strings.ToLower(content), "noindex") {
			noindex = true
			return false
		}
		return true
	})
	return noindex
}

var imageAttrs = []string{"src", "data-src", "data-lazy-src"}

// pageImage picks the lead image: the og:image meta when present, otherwise
// the first usable img. Lazy-loading attributes are honored; data URIs and
// declared sub-100px images are skipped.
func pageImage(doc *goquery.Document, pageURL string) string {
	if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		if img := absoluteImage(pageURL, og); img != "" {
			return img
		}
	}
	var found string
	doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if declaredTooSmall(sel) {
			return true
		}
		for _, attr := range imageAttrs {
			raw, ok := sel.Attr(attr)
			if !ok || raw == "" {
				continue
			}
			if img := absoluteImage(pageURL, raw); img != "" {
				found = img
				return false
			}
		}
		return true
	})
	return found
}

// declaredTooSmall skips icons and tracking pixels that declare dimensions.
func declaredTooSmall(sel *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		raw, ok := sel.Attr(attr)
		if !ok {
			continue
		}
		px, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "px"))
		if err == nil && px < 100 {
			return true
		}
	}
	return false
}

func absoluteImage(pageURL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
