package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/crawler"
)

const animalsPayload = `{
  "data": {
    "animals": [
      {
        "name": "Sea Otter",
        "slug": "sea-otter",
        "photo": {"url": "https://cdn.kids.test/otter.jpg"},
        "facts": [
          {"text": "Sea otters hold hands while sleeping so they do not drift apart."},
          {"text": "They use rocks as tools to crack open shellfish."}
        ]
      },
      {
        "name": "Mystery Animal",
        "facts": [{"text": "This one has no slug, so its page url cannot be built."}]
      },
      {
        "name": "Silent Animal",
        "slug": "silent",
        "facts": []
      }
    ]
  }
}`

func jsonSite() crawler.SiteConfig {
	return crawler.SiteConfig{
		Name:    "animals",
		SeedURL: "https://api.kids.test/v1/animals",
		Type:    crawler.SourceJSON,
		Lang:    "en",
		JSON: &crawler.JSONMapping{
			Root:    "data.animals",
			Title:   "name",
			URL:     "https://kids.test/animals/{{slug}}",
			Content: "facts[].text",
			Image:   "photo.url",
		},
	}
}

func newJSONAdapter(t *testing.T, site crawler.SiteConfig, fetch fetcherFunc) *JSON {
	t.Helper()
	adapter, err := NewJSON(site, testDeps(fetch))
	require.NoError(t, err)
	return adapter
}

func TestJSONDiscoverReturnsEndpoint(t *testing.T) {
	t.Parallel()

	adapter := newJSONAdapter(t, jsonSite(), nil)
	entries, err := adapter.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "https://api.kids.test/v1/animals", entries[0].URL)
}

func TestJSONExtractMapsItems(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
		return okResponse(animalsPayload), nil
	})
	adapter := newJSONAdapter(t, jsonSite(), fetch)

	entry := crawler.FrontierEntry{URL: "https://api.kids.test/v1/animals", Site: "animals"}
	res, err := adapter.Extract(context.Background(), entry, crawler.ExtractOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Links, "api sources never follow links")

	// The item without a slug and the item without facts are both dropped.
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	require.Equal(t, "https://kids.test/animals/sea-otter", rec.URL)
	require.Equal(t, "Sea Otter", rec.Title)
	require.Equal(t,
		"Sea otters hold hands while sleeping so they do not drift apart. They use rocks as tools to crack open shellfish.",
		rec.Content)
	require.Equal(t, rec.Content, rec.Excerpt)
	require.Equal(t, "https://cdn.kids.test/otter.jpg", rec.Image)
	require.Equal(t, "en", rec.Lang)
	require.NotEmpty(t, rec.Fingerprint)
	require.Equal(t, testTime, rec.FetchedAt)
}

func TestJSONExtractPlainURLField(t *testing.T) {
	t.Parallel()

	site := jsonSite()
	site.JSON = &crawler.JSONMapping{Root: "items", Title: "title", URL: "link", Content: "summary"}
	payload := `{"items":[{"title":"Tide Pools","link":"HTTPS://Kids.test/ocean/tide-pools/","summary":"Small pools of sea water left behind when the tide goes out."}]}`
	fetch := fetcherFunc(func(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
		return okResponse(payload), nil
	})
	adapter := newJSONAdapter(t, site, fetch)

	res, err := adapter.Extract(context.Background(), crawler.FrontierEntry{URL: site.SeedURL, Site: site.Name}, crawler.ExtractOptions{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, "https://kids.test/ocean/tide-pools", res.Records[0].URL)
}

func TestJSONExtractBadPayloads(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"not json":     `<html>surprise</html>`,
		"missing root": `{"data":{"plants":[]}}`,
		"root not a list": `{"data":{"animals":{"name":"one"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fetch := fetcherFunc(func(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
				return okResponse(body), nil
			})
			adapter := newJSONAdapter(t, jsonSite(), fetch)

			_, err := adapter.Extract(context.Background(), crawler.FrontierEntry{URL: jsonSite().SeedURL}, crawler.ExtractOptions{})
			require.True(t, crawler.IsExtractionError(err))
		})
	}
}

func TestJSONExtractNotModified(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{StatusCode: 304, NotModified: true}, nil
	})
	adapter := newJSONAdapter(t, jsonSite(), fetch)

	res, err := adapter.Extract(context.Background(), crawler.FrontierEntry{URL: jsonSite().SeedURL}, crawler.ExtractOptions{})
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Empty(t, res.Records)
}

func TestFieldValueResolution(t *testing.T) {
	t.Parallel()

	item := map[string]any{
		"name":  "Sea Otter",
		"count": float64(7),
		"photo": map[string]any{"url": "https://cdn.kids.test/otter.jpg"},
		"facts": []any{
			map[string]any{"text": "first"},
			map[string]any{"text": "second"},
		},
		"tags": []any{"ocean", "mammal"},
	}

	tests := []struct {
		path  string
		want  string
		found bool
	}{
		{path: "name", want: "Sea Otter", found: true},
		{path: "count", want: "7", found: true},
		{path: "photo.url", want: "https://cdn.kids.test/otter.jpg", found: true},
		{path: "facts[].text", want: "first second", found: true},
		{path: "tags[]", want: "ocean mammal", found: true},
		{path: "missing", found: false},
		{path: "photo.width", found: false},
		{path: "facts[].missing", found: false},
		{path: "", found: false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := fieldValue(item, tc.path)
			require.Equal(t, tc.found, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	item := map[string]any{"slug": "sea-otter", "id": float64(12)}

	out, ok := renderTemplate(item, "https://kids.test/animals/{{slug}}?id={{id}}")
	require.True(t, ok)
	require.Equal(t, "https://kids.test/animals/sea-otter?id=12", out)

	_, ok = renderTemplate(item, "https://kids.test/{{missing}}")
	require.False(t, ok, "a template referencing an absent field fails the item")
}
