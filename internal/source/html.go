package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/extract"
)

// HTML crawls a site by following same-origin links from the seed page and
// running each page through the content extractor.
type HTML struct {
	site      crawler.SiteConfig
	fetcher   crawler.Fetcher
	extractor *extract.Extractor
	hasher    crawler.Hasher
	clock     crawler.Clock
	log       *zap.Logger
}

// NewHTML builds the link-following adapter for one site.
func NewHTML(site crawler.SiteConfig, deps Deps) (*HTML, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("site %s: html source needs a content extractor", site.Name)
	}
	return &HTML{
		site:      site,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		log:       deps.Logger,
	}, nil
}

// Discover seeds the frontier with the configured start page.
func (a *HTML) Discover(_ context.Context) ([]crawler.FrontierEntry, error) {
	seed, err := crawler.NormalizeURL(a.site.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("site %s: seed url: %w", a.site.Name, err)
	}
	return []crawler.FrontierEntry{{URL: seed, Site: a.site.Name}}, nil
}

// Extract fetches one page and produces its record plus outgoing links. A
// page whose prose is below the extractor's minimum still contributes its
// links, so hub pages keep the crawl moving without being indexed.
func (a *HTML) Extract(ctx context.Context, entry crawler.FrontierEntry, opts crawler.ExtractOptions) (crawler.Result, error) {
	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:          entry.URL,
		Site:         entry.Site,
		Depth:        entry.Depth,
		Etag:         opts.Etag,
		LastModified: opts.LastModified,
	})
	if err != nil {
		return crawler.Result{}, err
	}
	if resp.NotModified {
		return crawler.Result{NotModified: true}, nil
	}

	links := a.collectLinks(entry.URL, resp.Body)

	content, err := a.extractor.Extract(extract.Input{
		URL:      entry.URL,
		HTML:     resp.Body,
		Selector: a.site.Selector,
		LangHint: a.site.Lang,
	})
	if err != nil {
		if crawler.IsExtractionError(err) && len(links) > 0 {
			a.log.Debug("page has no indexable content, following links only",
				zap.String("site", a.site.Name),
				zap.String("url", entry.URL),
				zap.Int("links", len(links)))
			return crawler.Result{Links: links, Raw: resp.Body}, nil
		}
		return crawler.Result{}, err
	}
	if content.Title == "" {
		if len(links) > 0 {
			a.log.Debug("page has no title, following links only",
				zap.String("site", a.site.Name),
				zap.String("url", entry.URL))
			return crawler.Result{Links: links, Raw: resp.Body}, nil
		}
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "page has no title"}
	}

	fp, err := fingerprint(a.hasher, content.Text)
	if err != nil {
		return crawler.Result{}, err
	}

	rec := crawler.PageRecord{
		Site:         a.site.Name,
		URL:          entry.URL,
		Title:        content.Title,
		Content:      content.Text,
		Excerpt:      content.Excerpt,
		Image:        content.Image,
		Lang:         content.Lang,
		Fingerprint:  fp,
		Depth:        entry.Depth,
		FetchedAt:    a.clock.Now(),
		NoIndex:      content.NoIndex,
		Etag:         resp.Headers.Get("Etag"),
		LastModified: resp.Headers.Get("Last-Modified"),
	}
	return crawler.Result{Records: []crawler.PageRecord{rec}, Links: links, Raw: resp.Body}, nil
}

// collectLinks gathers same-host hrefs from the document, normalized and
// locally deduplicated. The scheduler applies exclude patterns and the
// visited set on top.
func (a *HTML) collectLinks(pageURL string, body []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		// ResolveLink rejects mailto:, javascript: and other non-http
		// schemes during normalization.
		resolved, err := crawler.ResolveLink(base, href)
		if err != nil {
			return
		}
		if !crawler.SameHost(pageURL, resolved) || crawler.SkippedExtension(resolved) {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}
