package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kidsearch/crawler/internal/metrics"
)

// robotsDelayCap bounds hostile Crawl-delay declarations.
const robotsDelayCap = 30 * time.Second

// RobotsGate fetches and caches robots.txt once per host per run, answers
// allow/deny queries, and serializes per-host request pacing at
// max(robots Crawl-delay, site delay, default delay).
type RobotsGate struct {
	client       *http.Client
	userAgent    string
	siteDelay    time.Duration
	defaultDelay time.Duration
	logger       *zap.Logger

	cache sync.Map // host → *robotstxt.RobotsData (nil value: unreachable, allow all)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRobotsGate builds a gate for one site run.
func NewRobotsGate(userAgent string, siteDelay, defaultDelay time.Duration, logger *zap.Logger) *RobotsGate {
	if userAgent == "" {
		userAgent = "kidsearch-crawler"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGate{
		client:       &http.Client{Timeout: 10 * time.Second},
		userAgent:    userAgent,
		siteDelay:    siteDelay,
		defaultDelay: defaultDelay,
		logger:       logger,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Allowed implements RobotsPolicy. Missing or unreachable robots.txt is
// treated as allow-all.
func (g *RobotsGate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := g.load(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	if data == nil {
		return true
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return true
	}
	target := parsed.Path
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// Delay implements RobotsPolicy: the max of the robots-declared crawl delay
// and the configured site/default delays. It never fetches; the robots cache
// is warmed by the preceding Allowed call.
func (g *RobotsGate) Delay(host string) time.Duration {
	delay := g.defaultDelay
	if g.siteDelay > delay {
		delay = g.siteDelay
	}
	cached, ok := g.cache.Load(strings.ToLower(host))
	if !ok {
		return delay
	}
	data, ok := cached.(*robotstxt.RobotsData)
	if !ok || data == nil {
		return delay
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return delay
	}
	robotsDelay := group.CrawlDelay
	if robotsDelay > robotsDelayCap {
		robotsDelay = robotsDelayCap
	}
	if robotsDelay > delay {
		delay = robotsDelay
	}
	return delay
}

// Wait blocks until the host's minimum delay permits the next request.
// Workers fetching other hosts are unaffected.
func (g *RobotsGate) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	limiter := g.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delay wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(host, waited)
	}
	return nil
}

func (g *RobotsGate) limiterFor(host string) *rate.Limiter {
	delay := g.Delay(host)
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(limit, 1)
		g.limiters[host] = limiter
		return limiter
	}
	// Robots data loaded after the limiter was created may raise the delay.
	if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	return limiter
}

func (g *RobotsGate) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	if cached, ok := g.cache.Load(hostKey); ok {
		data, assertOK := cached.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		// Remember the failure so the host is not probed on every URL.
		g.cache.Store(hostKey, (*robotstxt.RobotsData)(nil))
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	g.cache.Store(hostKey, data)
	return data, nil
}
