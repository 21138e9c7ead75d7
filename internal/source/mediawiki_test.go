package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/crawler"
)

func wikiSite() crawler.SiteConfig {
	return crawler.SiteConfig{
		Name:    "vikidia",
		SeedURL: "https://fr.vikidia.org/wiki/Accueil",
		Type:    crawler.SourceMediaWiki,
		Delay:   time.Millisecond,
	}
}

func newWikiAdapter(t *testing.T, site crawler.SiteConfig, fetch fetcherFunc) *MediaWiki {
	t.Helper()
	adapter, err := NewMediaWiki(site, testDeps(fetch))
	require.NoError(t, err)
	return adapter
}

func TestMediaWikiDerivesAPIEndpoint(t *testing.T) {
	t.Parallel()

	adapter := newWikiAdapter(t, wikiSite(), nil)
	require.Equal(t, "https://fr.vikidia.org/w/api.php", adapter.apiURL)
	require.Equal(t, "fr", adapter.hostLang)

	site := wikiSite()
	site.SeedURL = "https://wiki.kids.test/"
	site.APIURL = "https://wiki.kids.test/api.php"
	adapter = newWikiAdapter(t, site, nil)
	require.Equal(t, "https://wiki.kids.test/api.php", adapter.apiURL)
	require.Empty(t, adapter.hostLang, "a non-language subdomain declares nothing")

	site = wikiSite()
	site.SeedURL = "::broken::"
	_, err := NewMediaWiki(site, testDeps(nil))
	require.True(t, crawler.IsConfigError(err))
}

func TestMediaWikiDiscoverPaginates(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var langs []string
	fetch := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		u, err := url.Parse(req.URL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "allpages", q.Get("list"))
		require.Equal(t, "nonredirects", q.Get("apfilterredir"))
		require.Equal(t, "max", q.Get("aplimit"))

		mu.Lock()
		langs = append(langs, req.Headers.Get("Accept-Language"))
		mu.Unlock()

		if q.Get("apcontinue") == "" {
			return okResponse(`{
  "continue": {"apcontinue": "Soleil"},
  "query": {"allpages": [
    {"pageid": 1, "title": "Abeille"},
    {"pageid": 2, "title": "Grand requin blanc"}
  ]}
}`), nil
		}
		require.Equal(t, "Soleil", q.Get("apcontinue"))
		return okResponse(`{"query": {"allpages": [{"pageid": 3, "title": "Soleil"}]}}`), nil
	})
	adapter := newWikiAdapter(t, wikiSite(), fetch)

	entries, err := adapter.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://fr.vikidia.org/wiki/Abeille",
		"https://fr.vikidia.org/wiki/Grand_requin_blanc",
		"https://fr.vikidia.org/wiki/Soleil",
	}, entryURLs(entries))
	require.Equal(t, []string{"fr", "fr"}, langs, "every api call declares the wiki language")
}

func TestMediaWikiDiscoverHonorsPageCap(t *testing.T) {
	t.Parallel()

	var calls int
	fetch := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		calls++
		return okResponse(`{
  "continue": {"apcontinue": "More"},
  "query": {"allpages": [
    {"pageid": 1, "title": "Un"},
    {"pageid": 2, "title": "Deux"}
  ]}
}`), nil
	})
	site := wikiSite()
	site.MaxPages = 3
	adapter := newWikiAdapter(t, site, fetch)

	entries, err := adapter.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, 2, calls, "enumeration stops at the cap instead of walking the whole wiki")
}

func TestMediaWikiExtractReadsArticle(t *testing.T) {
	t.Parallel()

	lead := strings.Repeat("The Sun is the star at the center of the Solar System. ", 12)
	body := lead + "\n\n== Formation ==\nThe Sun formed about 4.6 billion years ago from a cloud of gas.\n\n== References ==\nA list of citations."
	payload := fmt.Sprintf(`{"query": {"pages": {"42": {
  "pageid": 42,
  "title": "Sun",
  "extract": %s,
  "fullurl": "https://en.vikidia.org/wiki/Sun",
  "thumbnail": {"source": "https://cdn.vikidia.org/thumb/sun-500.png"}
}}}}`, strconv.Quote(body))

	var got crawler.FetchRequest
	fetch := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		got = req
		return okResponse(payload), nil
	})
	site := wikiSite()
	site.SeedURL = "https://en.vikidia.org/wiki/Main_Page"
	adapter := newWikiAdapter(t, site, fetch)

	entry := crawler.FrontierEntry{URL: "https://mirror.vikidia.org/wiki/Sun", Site: "vikidia", Depth: 0}
	res, err := adapter.Extract(context.Background(), entry, crawler.ExtractOptions{})
	require.NoError(t, err)

	u, err := url.Parse(got.URL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "Sun", q.Get("titles"))
	require.Equal(t, "extracts|info|pageimages", q.Get("prop"))
	require.Equal(t, "500", q.Get("pithumbsize"))

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	require.Equal(t, "https://en.vikidia.org/wiki/Sun", rec.URL,
		"the canonical fullurl wins over the mirror entry url")
	require.Equal(t, "Sun", rec.Title)
	require.Contains(t, rec.Content, "center of the Solar System")
	require.Contains(t, rec.Content, "Formation")
	require.NotContains(t, rec.Content, "==", "heading markup never reaches the index")
	require.NotContains(t, rec.Content, "citations", "reference sections are stripped")
	require.Equal(t, "https://cdn.vikidia.org/thumb/sun-500.png", rec.Image)
	require.Equal(t, "en", rec.Lang)
	require.NotEmpty(t, rec.Fingerprint)
}

func TestMediaWikiExtractDropsStubsAndMissingPages(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"stub":    `{"query": {"pages": {"7": {"pageid": 7, "title": "Stub", "extract": "Too short."}}}}`,
		"missing": `{"query": {"pages": {"-1": {"title": "Nope", "missing": ""}}}}`,
		"garbage": `<html>not the api</html>`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			body := payload
			fetch := fetcherFunc(func(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
				return okResponse(body), nil
			})
			adapter := newWikiAdapter(t, wikiSite(), fetch)

			_, err := adapter.Extract(context.Background(), crawler.FrontierEntry{URL: "https://fr.vikidia.org/wiki/Stub"}, crawler.ExtractOptions{})
			require.True(t, crawler.IsExtractionError(err))
		})
	}
}

func TestStripTrailingSections(t *testing.T) {
	t.Parallel()

	early := "Intro text.\n\n== Sources ==\nEarly sources stay because the lead is short."
	require.Equal(t, early, stripTrailingSections(early),
		"sections inside the lead are never cut")

	padded := strings.Repeat("x", 600) + "\n== Voir aussi ==\nLiens divers."
	require.Equal(t, strings.Repeat("x", 600), stripTrailingSections(padded))

	keep := strings.Repeat("x", 600) + "\n== Habitat ==\nWhere the animal lives."
	require.Equal(t, keep, stripTrailingSections(keep),
		"only known reference headings trigger the cut")
}

func TestUnmarkHeadings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Habitat\nForests and rivers.", unmarkHeadings("== Habitat ==\nForests and rivers."))
	require.Equal(t, "no headings here", unmarkHeadings("no headings here"))
}

func TestTitleFromURL(t *testing.T) {
	t.Parallel()

	title, err := titleFromURL("https://fr.vikidia.org/wiki/Grand_requin_blanc")
	require.NoError(t, err)
	require.Equal(t, "Grand requin blanc", title)

	_, err = titleFromURL("https://fr.vikidia.org/article/12")
	require.Error(t, err)
}

func entryURLs(entries []crawler.FrontierEntry) []string {
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, e.URL)
	}
	return urls
}
