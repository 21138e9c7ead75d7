package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/crawler"
)

func TestChallengedRecognizesInterstitials(t *testing.T) {
	t.Parallel()

	det := NewHeuristic(0)

	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{
			name: "forbidden with cloudflare interstitial",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusForbidden,
				Body:       []byte("<html><title>Just a moment...</title></html>"),
			},
			want: true,
		},
		{
			name: "unavailable with browser check",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusServiceUnavailable,
				Body:       []byte("<p>Checking your browser before accessing the site.</p>"),
			},
			want: true,
		},
		{
			name: "forbidden with empty body",
			resp: crawler.FetchResponse{StatusCode: http.StatusForbidden},
			want: true,
		},
		{
			name: "forbidden with cloudflare server header",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusForbidden,
				Body:       []byte("<html><body>Access denied by policy.</body></html>"),
				Headers:    http.Header{"Server": []string{"cloudflare"}},
			},
			want: true,
		},
		{
			name: "plain forbidden is a real denial",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusForbidden,
				Body:       []byte("<html><body>You need an account to see this page.</body></html>"),
			},
			want: false,
		},
		{
			name: "ok response is never a challenge",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte("Just a moment... the kettle is boiling."),
			},
			want: false,
		},
		{
			name: "headless result is final",
			resp: crawler.FetchResponse{
				StatusCode:   http.StatusForbidden,
				Body:         []byte("Just a moment..."),
				UsedHeadless: true,
			},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, det.Challenged(tc.resp))
		})
	}
}

func TestNeedsRenderDetectsEmptyShells(t *testing.T) {
	t.Parallel()

	det := NewHeuristic(0)
	require.Equal(t, 2048, det.ThinBodyBytes, "zero threshold should fall back to the default")

	prose := strings.Repeat("<p>Volcanoes are openings in the crust of a planet.</p>\n", 60)

	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{
			name: "empty body",
			resp: crawler.FetchResponse{StatusCode: http.StatusOK},
			want: true,
		},
		{
			name: "react root marker",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><body><div id="root"></div></body></html>`),
			},
			want: true,
		},
		{
			name: "thin script heavy shell",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><body><script>` + strings.Repeat("window.x=1;", 30) + `</script><p>hi</p></body></html>`),
			},
			want: true,
		},
		{
			name: "ordinary article",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte("<html><body>" + prose + "</body></html>"),
			},
			want: false,
		},
		{
			name: "redirects are not shells",
			resp: crawler.FetchResponse{
				StatusCode: http.StatusNotModified,
			},
			want: false,
		},
		{
			name: "headless result is final",
			resp: crawler.FetchResponse{
				StatusCode:   http.StatusOK,
				UsedHeadless: true,
			},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, det.NeedsRender(tc.resp))
		})
	}
}

func TestScriptDensity(t *testing.T) {
	t.Parallel()

	script := `<script>` + strings.Repeat("a", 300) + `</script>`

	require.True(t, scriptDensityHigh([]byte(script+`<p>tiny</p>`)))
	require.False(t, scriptDensityHigh([]byte(script+strings.Repeat("<p>plenty of readable text</p>", 50))))
	require.False(t, scriptDensityHigh([]byte("<html><body>no scripts at all</body></html>")))
	require.True(t, scriptDensityHigh([]byte(`<script src="/app.js">`)), "unclosed script consumes the rest of the page")
	require.False(t, scriptDensityHigh(nil))
}
