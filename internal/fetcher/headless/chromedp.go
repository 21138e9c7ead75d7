// Package headless fetches pages with a real browser, for hosts where the
// plain HTTP client gets challenge interstitials instead of content.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Config controls the chromedp fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; 0 means unbounded.
	MaxParallel int
	UserAgent   string
	NavTimeout  time.Duration
	// SettleDelay gives client-side rendering time to finish after the DOM
	// reports ready.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher with headless Chrome.
type Fetcher struct {
	cfg       Config
	slots     chan struct{}
	allocator context.Context
	stopAlloc context.CancelFunc
}

// NewChromedp starts a browser allocator and returns the fetcher. Close
// releases the allocator.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocator, stopAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:       cfg,
		slots:     slots,
		allocator: allocator,
		stopAlloc: stopAlloc,
	}, nil
}

// Close shuts the browser allocator down.
func (f *Fetcher) Close() {
	f.stopAlloc()
}

// Fetch renders the page in a fresh tab and returns the final DOM. Non-2xx
// document statuses come back as classified fetch errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	// Tab contexts must chain from the allocator, so the caller's context is
	// bridged by a watcher instead of by parenting.
	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, f.cfg.NavTimeout)
	defer cancelRun()
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()

	meta := newDocMeta()
	chromedp.ListenTarget(runCtx, meta.listen)

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		f.setupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch %s canceled: %w", request.URL, ctx.Err())
		}
		return crawler.FetchResponse{}, crawler.NewTransientFetchError(request.URL, 0, err)
	}

	status, headers, responseURL := meta.resolve(request.URL, finalURL)
	resp := crawler.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	if fe := crawler.ClassifyStatus(request.URL, status); fe != nil {
		return resp, fe
	}
	return resp, nil
}

func (f *Fetcher) setupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}

// docMeta collects the status, headers, and URL of the main document
// response from CDP network events.
type docMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newDocMeta() *docMeta {
	return &docMeta{headers: http.Header{}}
}

func (m *docMeta) listen(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

// resolve returns the captured metadata, falling back to the navigation URL
// and an assumed 200 when the CDP events never fired.
func (m *docMeta) resolve(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := m.url
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(http.Header, len(m.headers))
	for k, values := range m.headers {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
