package source

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/extract"
)

// JSON maps a list endpoint onto page records using the site's field
// mapping. The endpoint is fetched once; no links are followed.
type JSON struct {
	site    crawler.SiteConfig
	mapping crawler.JSONMapping
	fetcher crawler.Fetcher
	hasher  crawler.Hasher
	clock   crawler.Clock
	log     *zap.Logger
}

// NewJSON builds the API adapter for one site. The mapping must name at
// least the root list and the title, url, and content fields.
func NewJSON(site crawler.SiteConfig, deps Deps) (*JSON, error) {
	if site.JSON == nil {
		return nil, &crawler.ConfigError{Site: site.Name, Reason: "json source needs a json mapping"}
	}
	m := *site.JSON
	if m.Title == "" || m.URL == "" || m.Content == "" {
		return nil, &crawler.ConfigError{Site: site.Name, Reason: "json mapping needs title, url, and content keys"}
	}
	return &JSON{
		site:    site,
		mapping: m,
		fetcher: deps.Fetcher,
		hasher:  deps.Hasher,
		clock:   deps.Clock,
		log:     deps.Logger,
	}, nil
}

// Discover returns the endpoint itself; every item comes out of one fetch.
func (a *JSON) Discover(_ context.Context) ([]crawler.FrontierEntry, error) {
	seed, err := crawler.NormalizeURL(a.site.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("site %s: seed url: %w", a.site.Name, err)
	}
	return []crawler.FrontierEntry{{URL: seed, Site: a.site.Name}}, nil
}

// Extract fetches the endpoint and maps every item in the configured root
// list to a record. Items missing a required field are dropped with a logged
// reason.
func (a *JSON) Extract(ctx context.Context, entry crawler.FrontierEntry, opts crawler.ExtractOptions) (crawler.Result, error) {
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

	var payload any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return crawler.Result{}, &crawler.ExtractionError{URL: entry.URL, Reason: "response is not valid json"}
	}
	items, ok := rootList(payload, a.mapping.Root)
	if !ok {
		return crawler.Result{}, &crawler.ExtractionError{
			URL:    entry.URL,
			Reason: fmt.Sprintf("root list %q not found", a.mapping.Root),
		}
	}

	records := make([]crawler.PageRecord, 0, len(items))
	for i, item := range items {
		rec, reason := a.mapItem(entry, item)
		if reason != "" {
			a.log.Warn("api item dropped",
				zap.String("site", a.site.Name),
				zap.Int("item", i),
				zap.String("reason", reason))
			continue
		}
		records = append(records, rec)
	}
	return crawler.Result{Records: records, Raw: resp.Body}, nil
}

// mapItem applies the field mapping to one decoded item. A non-empty reason
// means the item was dropped.
func (a *JSON) mapItem(entry crawler.FrontierEntry, item any) (crawler.PageRecord, string) {
	title, ok := mappedValue(item, a.mapping.Title)
	if !ok || extract.Normalize(title) == "" {
		return crawler.PageRecord{}, "missing title"
	}
	rawURL, ok := mappedValue(item, a.mapping.URL)
	if !ok || strings.TrimSpace(rawURL) == "" {
		return crawler.PageRecord{}, "missing url"
	}
	pageURL, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.PageRecord{}, fmt.Sprintf("bad url %q", rawURL)
	}
	content, ok := mappedValue(item, a.mapping.Content)
	if !ok {
		return crawler.PageRecord{}, "missing content"
	}
	text := extract.Cap(extract.Normalize(content), extract.MaxContentChars)
	if text == "" {
		return crawler.PageRecord{}, "empty content"
	}

	var image string
	if a.mapping.Image != "" {
		if raw, ok := mappedValue(item, a.mapping.Image); ok {
			if img, err := crawler.NormalizeURL(raw); err == nil {
				image = img
			}
		}
	}

	fp, err := fingerprint(a.hasher, text)
	if err != nil {
		return crawler.PageRecord{}, err.Error()
	}
	return crawler.PageRecord{
		Site:        a.site.Name,
		URL:         pageURL,
		Title:       extract.Normalize(title),
		Content:     text,
		Excerpt:     extract.Excerpt(text, extract.MaxExcerptChars),
		Image:       image,
		Lang:        extract.ResolveLang("", a.site.Lang, text),
		Fingerprint: fp,
		Depth:       entry.Depth,
		FetchedAt:   a.clock.Now(),
	}, ""
}

// mappedValue resolves a mapping expression against one item. Plain keys and
// dotted paths read fields; the key[].sub form flattens a nested list; a
// value containing {{field}} placeholders is rendered as a template.
func mappedValue(item any, expr string) (string, bool) {
	if strings.Contains(expr, "{{") {
		return renderTemplate(item, expr)
	}
	return fieldValue(item, expr)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// renderTemplate substitutes every {{field}} placeholder with the item's
// value for that field. Rendering fails when any referenced field is absent.
func renderTemplate(item any, tpl string) (string, bool) {
	complete := true
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := fieldValue(item, key)
		if !ok {
			complete = false
			return ""
		}
		return value
	})
	if !complete {
		return "", false
	}
	return out, true
}

// fieldValue walks a dotted path through decoded JSON. A segment written as
// name[] flattens a list at that point and joins the values extracted from
// each element.
func fieldValue(item any, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	segment, rest, _ := strings.Cut(path, ".")

	if name, isList := strings.CutSuffix(segment, "[]"); isList {
		obj, ok := item.(map[string]any)
		if !ok {
			return "", false
		}
		list, ok := obj[name].([]any)
		if !ok {
			return "", false
		}
		parts := make([]string, 0, len(list))
		for _, elem := range list {
			var value string
			var found bool
			if rest == "" {
				value, found = scalarString(elem)
			} else {
				value, found = fieldValue(elem, rest)
			}
			if found && value != "" {
				parts = append(parts, value)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	}

	obj, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	child, ok := obj[segment]
	if !ok {
		return "", false
	}
	if rest == "" {
		return scalarString(child)
	}
	return fieldValue(child, rest)
}

// scalarString renders a leaf JSON value. Objects and lists have no scalar
// form and report absence.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case nil:
		return "", false
	default:
		return "", false
	}
}

// rootList locates the configured list of items. An empty root means the
// payload itself is the list.
func rootList(payload any, root string) ([]any, bool) {
	if root == "" {
		list, ok := payload.([]any)
		return list, ok
	}
	node := payload
	for _, segment := range strings.Split(root, ".") {
		if name, isList := strings.CutSuffix(segment, "[]"); isList {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			node, ok = obj[name]
			if !ok {
				return nil, false
			}
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	list, ok := node.([]any)
	return list, ok
}
