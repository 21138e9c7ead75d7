// Package fetcher routes page fetches between the plain HTTP client and the
// headless browser, promoting hosts that serve challenges or empty shells.
package fetcher

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Detector flags responses that only the browser client can get past.
type Detector interface {
	Challenged(resp crawler.FetchResponse) bool
	NeedsRender(resp crawler.FetchResponse) bool
}

// Router implements crawler.Fetcher. Hosts listed as challenge-protected go
// straight to the headless client. Everything else uses the standard client
// first, and a host is promoted for the rest of the process once a challenge
// interstitial or a client-side shell comes back.
type Router struct {
	log      *zap.Logger
	standard crawler.Fetcher
	headless crawler.Fetcher
	detector Detector

	mu       sync.RWMutex
	promoted map[string]bool
}

// NewRouter builds a routing fetcher. The headless client may be nil when
// browser fetching is disabled, in which case detection is skipped and plain
// results are final.
func NewRouter(standard, headless crawler.Fetcher, det Detector, challengeHosts []string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	promoted := make(map[string]bool, len(challengeHosts))
	for _, host := range challengeHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			promoted[host] = true
		}
	}
	return &Router{
		log:      logger,
		standard: standard,
		headless: headless,
		detector: det,
		promoted: promoted,
	}
}

// Fetch routes one request and applies promotion on the way back.
func (r *Router) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	host := crawler.HostOf(request.URL)
	if r.headless != nil && r.isPromoted(host) {
		return r.headless.Fetch(ctx, request)
	}

	resp, err := r.standard.Fetch(ctx, request)
	if r.headless == nil || r.detector == nil {
		return resp, err
	}
	if !r.shouldPromote(resp, err) {
		return resp, err
	}

	r.promote(host)
	r.log.Info("host promoted to headless fetching",
		zap.String("host", host),
		zap.String("url", request.URL),
		zap.Int("status", resp.StatusCode))
	return r.headless.Fetch(ctx, request)
}

// shouldPromote inspects the plain result. Failed fetches still carry the
// partial response so the detector can read interstitial bodies.
func (r *Router) shouldPromote(resp crawler.FetchResponse, err error) bool {
	if err != nil {
		return r.detector.Challenged(resp)
	}
	if resp.NotModified {
		return false
	}
	return r.detector.NeedsRender(resp)
}

func (r *Router) isPromoted(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.promoted[host]
}

func (r *Router) promote(host string) {
	if host == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoted[host] = true
}
