package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/crawler"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `W/"v1"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent"})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "hello")
	require.Equal(t, `W/"v1"`, resp.Headers.Get("Etag"))
	require.False(t, resp.NotModified)
	require.Greater(t, resp.Duration, time.Duration(0))
}

func TestFetchSendsConditionalHeadersAndHandles304(t *testing.T) {
	t.Parallel()

	const etag = `W/"cached"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh content"))
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:          srv.URL,
		Etag:         etag,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	require.NoError(t, err)
	require.True(t, resp.NotModified, "304 must surface as NotModified, not as an error")
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestFetchForwardsCustomHeaders(t *testing.T) {
	t.Parallel()

	var gotLang atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLang.Store(r.Header.Get("Accept-Language"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Accept-Language", "fr")
	f := New(Config{})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL, Headers: headers})
	require.NoError(t, err)
	require.Equal(t, "fr", gotLang.Load())
}

func TestFetchClassifiesStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("try later"))
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	f := New(Config{})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.True(t, crawler.IsPermanentFetch(err), "404 is permanent, got %v", err)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/busy"})
	require.True(t, crawler.IsTransientFetch(err), "503 is transient, got %v", err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode,
		"the error body stays available for challenge detection")
	require.Contains(t, string(resp.Body), "try later")
}

func TestFetchUnreachableHostIsTransient(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: 500 * time.Millisecond})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://192.0.2.1:9/"})
	require.True(t, crawler.IsTransientFetch(err), "network errors are retryable, got %v", err)
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{})
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), hits.Load(), "refetching a URL on a later run must not be blocked")
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := New(Config{})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}
