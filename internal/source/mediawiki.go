package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/extract"
)

// listPageDelay spaces consecutive list API calls when the site configures
// no delay of its own.
const listPageDelay = 300 * time.Millisecond

// leadChars is how much of an article always survives section stripping;
// reference sections inside the lead would leave nothing behind.
const leadChars = 500

// MediaWiki enumerates a wiki through its API instead of following links.
// Discovery pages through list=allpages; extraction reads the plain-text
// extract, the canonical URL, and the lead image for one article per call.
type MediaWiki struct {
	site     crawler.SiteConfig
	apiURL   string
	base     *url.URL
	prefix   string
	hostLang string
	fetcher  crawler.Fetcher
	hasher   crawler.Hasher
	clock    crawler.Clock
	log      *zap.Logger
}

// NewMediaWiki builds the wiki adapter for one site. The api.php endpoint is
// derived from the seed URL unless the site overrides it.
func NewMediaWiki(site crawler.SiteConfig, deps Deps) (*MediaWiki, error) {
	seed, err := url.Parse(strings.TrimSpace(site.SeedURL))
	if err != nil || seed.Host == "" {
		return nil, &crawler.ConfigError{Site: site.Name, Reason: "mediawiki source needs an absolute seed url"}
	}

	prefix := ""
	if idx := strings.Index(seed.Path, "/wiki/"); idx >= 0 {
		prefix = seed.Path[:idx]
	}
	api := strings.TrimSpace(site.APIURL)
	if api == "" {
		api = seed.Scheme + "://" + seed.Host + prefix + "/w/api.php"
	}

	return &MediaWiki{
		site:     site,
		apiURL:   api,
		base:     &url.URL{Scheme: seed.Scheme, Host: seed.Host},
		prefix:   prefix,
		hostLang: wikiLang(seed.Hostname()),
		fetcher:  deps.Fetcher,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		log:      deps.Logger,
	}, nil
}

// Discover pages through the full article list, one frontier entry per
// non-redirect article, capped at the site's page limit when one is set.
func (a *MediaWiki) Discover(ctx context.Context) ([]crawler.FrontierEntry, error) {
	var entries []crawler.FrontierEntry
	cont := ""
	for {
		resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
			URL:     a.listURL(cont),
			Site:    a.site.Name,
			Headers: a.headers(),
		})
		if err != nil {
			return nil, fmt.Errorf("site %s: list wiki pages: %w", a.site.Name, err)
		}

		var page allPagesResponse
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("site %s: decode allpages response: %w", a.site.Name, err)
		}
		for _, item := range page.Query.AllPages {
			articleURL, err := a.articleURL(item.Title)
			if err != nil {
				a.log.Warn("wiki title skipped",
					zap.String("site", a.site.Name),
					zap.String("title", item.Title),
					zap.Error(err))
				continue
			}
			entries = append(entries, crawler.FrontierEntry{URL: articleURL, Site: a.site.Name})
			if a.site.MaxPages > 0 && len(entries) >= a.site.MaxPages {
				a.log.Info("wiki enumeration capped",
					zap.String("site", a.site.Name),
					zap.Int("pages", len(entries)))
				return entries, nil
			}
		}

		if page.Continue.APContinue == "" {
			break
		}
		cont = page.Continue.APContinue
		if err := a.pause(ctx); err != nil {
			return nil, err
		}
	}
	a.log.Info("wiki enumeration complete",
		zap.String("site", a.site.Name),
		zap.Int("pages", len(entries)))
	return entries, nil
}

// Extract reads one article through the API. The record URL is the API's
// canonical fullurl, so mirror hosts collapse onto one document identity.
func (a *MediaWiki) Extract(ctx context.Context, entry crawler.FrontierEntry, _ crawler.ExtractOptions) (crawler.Result, error) {
	title, err := titleFromURL(entry.URL)
	if err != nil {
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "no article title in url"}
	}

	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     a.extractURL(title),
		Site:    entry.Site,
		Depth:   entry.Depth,
		Headers: a.headers(),
	})
	if err != nil {
		return crawler.Result{}, err
	}

	var payload pagesResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "decode article response"}
	}
	page, ok := firstPage(payload)
	if !ok || page.PageID <= 0 {
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "article not found"}
	}

	text := extract.Normalize(unmarkHeadings(stripTrailingSections(page.Extract)))
	if len([]rune(text)) < extract.MinContentChars {
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "stub article"}
	}
	text = extract.Cap(text, extract.MaxContentChars)

	recordURL := entry.URL
	if page.FullURL != "" {
		if canonical, err := crawler.NormalizeURL(page.FullURL); err == nil {
			recordURL = canonical
		}
	}
	var image string
	if page.Thumbnail != nil {
		if img, err := crawler.NormalizeURL(page.Thumbnail.Source); err == nil {
			image = img
		}
	}
	fp, err := fingerprint(a.hasher, text)
	if err != nil {
		return crawler.Result{}, err
	}

	rec := crawler.PageRecord{
		Site:        a.site.Name,
		URL:         recordURL,
		Title:       extract.Normalize(page.Title),
		Content:     text,
		Excerpt:     extract.Excerpt(text, extract.MaxExcerptChars),
		Image:       image,
		Lang:        extract.ResolveLang(a.hostLang, a.site.Lang, text),
		Fingerprint: fp,
		Depth:       entry.Depth,
		FetchedAt:   a.clock.Now(),
	}
	return crawler.Result{Records: []crawler.PageRecord{rec}, Raw: resp.Body}, nil
}

func (a *MediaWiki) listURL(cont string) string {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("list", "allpages")
	q.Set("aplimit", "max")
	q.Set("apfilterredir", "nonredirects")
	if cont != "" {
		q.Set("apcontinue", cont)
	}
	return a.apiURL + "?" + q.Encode()
}

func (a *MediaWiki) extractURL(title string) string {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("prop", "extracts|info|pageimages")
	q.Set("titles", title)
	q.Set("explaintext", "1")
	q.Set("exsectionformat", "wiki")
	q.Set("inprop", "url")
	q.Set("pithumbsize", "500")
	q.Set("redirects", "1")
	return a.apiURL + "?" + q.Encode()
}

// articleURL builds the frontier URL for a title under the wiki's own host.
func (a *MediaWiki) articleURL(title string) (string, error) {
	u := url.URL{
		Scheme: a.base.Scheme,
		Host:   a.base.Host,
		Path:   a.prefix + "/wiki/" + strings.ReplaceAll(title, " ", "_"),
	}
	return crawler.NormalizeURL(u.String())
}

// headers sets Accept-Language so multilingual wikis answer in the wiki's
// own language.
func (a *MediaWiki) headers() http.Header {
	lang := a.hostLang
	if lang == "" {
		lang = a.site.Lang
	}
	if lang == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Accept-Language", lang)
	return h
}

func (a *MediaWiki) pause(ctx context.Context) error {
	delay := a.site.Delay
	if delay <= 0 {
		delay = listPageDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type allPagesResponse struct {
	Continue struct {
		APContinue string `json:"apcontinue"`
	} `json:"continue"`
	Query struct {
		AllPages []struct {
			PageID int    `json:"pageid"`
			Title  string `json:"title"`
		} `json:"allpages"`
	} `json:"query"`
}

type pagesResponse struct {
	Query struct {
		Pages map[string]wikiPage `json:"pages"`
	} `json:"query"`
}

type wikiPage struct {
	PageID    int    `json:"pageid"`
	Title     string `json:"title"`
	Extract   string `json:"extract"`
	FullURL   string `json:"fullurl"`
	Thumbnail *struct {
		Source string `json:"source"`
	} `json:"thumbnail"`
}

// firstPage returns the single page of a titles= query. Missing articles
// come back under the synthetic "-1" key with no page id.
func firstPage(payload pagesResponse) (wikiPage, bool) {
	for _, page := range payload.Query.Pages {
		if page.PageID > 0 {
			return page, true
		}
	}
	for _, page := range payload.Query.Pages {
		return page, true
	}
	return wikiPage{}, false
}

// titleFromURL recovers the article title from a /wiki/ path.
func titleFromURL(entryURL string) (string, error) {
	u, err := url.Parse(entryURL)
	if err != nil {
		return "", err
	}
	idx := strings.Index(u.Path, "/wiki/")
	if idx < 0 {
		return "", fmt.Errorf("no /wiki/ segment in %q", entryURL)
	}
	title := strings.ReplaceAll(u.Path[idx+len("/wiki/"):], "_", " ")
	if title == "" {
		return "", fmt.Errorf("empty title in %q", entryURL)
	}
	return title, nil
}

// wikiLang reads the language from a subdomain like fr.vikidia.org.
func wikiLang(host string) string {
	label, _, ok := strings.Cut(host, ".")
	if !ok || label == "www" || len(label) < 2 || len(label) > 3 {
		return ""
	}
	for _, r := range label {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return label
}

// trailingSectionNames are the reference and appendix headings cut from the
// end of an article, in the languages the crawl targets.
var trailingSectionNames = map[string]struct{}{
	"references":          {},
	"external links":      {},
	"see also":            {},
	"notes":               {},
	"sources":             {},
	"bibliography":        {},
	"further reading":     {},
	"gallery":             {},
	"références":          {},
	"notes et références": {},
	"voir aussi":          {},
	"liens externes":      {},
	"annexes":             {},
	"galerie":             {},
	"referencias":         {},
	"enlaces externos":    {},
	"véase también":       {},
	"einzelnachweise":     {},
	"weblinks":            {},
	"siehe auch":          {},
}

var headingPattern = regexp.MustCompile(`(?m)^\s*={2,}\s*(.+?)\s*={2,}\s*$`)

// stripTrailingSections cuts reference and appendix sections off the end of
// a plain-text extract. Headings inside the lead are left alone so a short
// article is never emptied.
func stripTrailingSections(text string) string {
	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	for _, m := range matches {
		start := m[0]
		if start < leadChars {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(text[m[2]:m[3]]))
		if _, cut := trailingSectionNames[name]; cut {
			return strings.TrimSpace(text[:start])
		}
	}
	return strings.TrimSpace(text)
}

// unmarkHeadings turns surviving "== Heading ==" lines into plain text.
func unmarkHeadings(text string) string {
	return headingPattern.ReplaceAllString(text, "$1")
}
