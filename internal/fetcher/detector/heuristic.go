// Package detector flags responses that need the headless browser client:
// bot-mitigation interstitials and empty client-side rendered shells.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/kidsearch/crawler/internal/crawler"
)

// challengeMarkers appear in mitigation interstitials served instead of the
// page itself.
var challengeMarkers = [][]byte{
	[]byte("just a moment"),
	[]byte("checking your browser"),
	[]byte("cf-challenge"),
	[]byte("__cf_chl_"),
	[]byte("attention required"),
	[]byte("ddos-guard"),
	[]byte("_incapsula_"),
	[]byte("captcha"),
}

// spaMarkers identify client-side rendered shells whose initial HTML carries
// no content.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// Heuristic implements rule-based promotion decisions.
type Heuristic struct {
	// ThinBodyBytes is the size under which a script-heavy page counts as an
	// empty shell.
	ThinBodyBytes int
}

// NewHeuristic builds a detector.
func NewHeuristic(thinBodyBytes int) *Heuristic {
	if thinBodyBytes <= 0 {
		thinBodyBytes = 2048
	}
	return &Heuristic{ThinBodyBytes: thinBodyBytes}
}

// Challenged reports whether a blocked response looks like a bot-mitigation
// interstitial rather than a genuine denial.
func (h *Heuristic) Challenged(resp crawler.FetchResponse) bool {
	if resp.UsedHeadless {
		return false
	}
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusServiceUnavailable:
	default:
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	server := strings.ToLower(resp.Headers.Get("Server"))
	return strings.Contains(server, "cloudflare") || strings.Contains(server, "ddos-guard")
}

// NeedsRender reports whether a successful response is a client-side shell
// that only a browser can fill in.
func (h *Heuristic) NeedsRender(resp crawler.FetchResponse) bool {
	if resp.UsedHeadless || resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.ThinBodyBytes && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of
// the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed script tag; count the rest of the document.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}

	if coverage == 0 {
		return false
	}
	return coverage*100/total >= 25
}
