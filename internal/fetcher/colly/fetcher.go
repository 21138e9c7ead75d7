// Package collyfetcher implements the standard HTTP fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/kidsearch/crawler/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 2 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the response body size; larger bodies are truncated
	// by the collector.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher with a Colly collector. Robots handling
// is disabled here; the policy gate decides before a URL reaches the fetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.WithTransport(newHTTPTransport())

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single GET. Conditional validators on the request become
// If-None-Match / If-Modified-Since headers; a 304 comes back as a
// NotModified response, other non-2xx statuses as a classified FetchError
// alongside whatever body the server sent.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result    crawler.FetchResponse
		errStatus int
		fetchErr  error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &errStatus, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", request.URL, ctx.Err())
	case visitErr := <-done:
		return f.finish(request.URL, start, result, errStatus, firstError(fetchErr, visitErr))
	}
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	errStatus *int,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		if request.Etag != "" {
			r.Headers.Set("If-None-Match", request.Etag)
		}
		if request.LastModified != "" {
			r.Headers.Set("If-Modified-Since", request.LastModified)
		}
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r == nil {
			return
		}
		*errStatus = r.StatusCode
		// Keep the error body around: the challenge detector reads it.
		*result = crawler.FetchResponse{
			URL:        request.URL,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})

	return collector
}

// finish turns the collector outcome into a response or a classified error.
func (f *Fetcher) finish(url string, start time.Time, result crawler.FetchResponse, errStatus int, err error) (crawler.FetchResponse, error) {
	status := result.StatusCode
	if status == 0 {
		status = errStatus
	}

	if status == http.StatusNotModified {
		return crawler.FetchResponse{
			URL:         url,
			StatusCode:  status,
			NotModified: true,
			Duration:    time.Since(start),
		}, nil
	}
	if status > 0 {
		if fe := crawler.ClassifyStatus(url, status); fe != nil {
			return result, fe
		}
		return result, nil
	}
	if err != nil {
		return crawler.FetchResponse{}, crawler.NewTransientFetchError(url, 0, err)
	}
	return result, nil
}

func firstError(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
