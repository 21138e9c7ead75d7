package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kidsearch/crawler/internal/crawler"
)

func TestNewChromedpValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, f.slots)
	require.Equal(t, 2, cap(f.slots))
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{slots: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestDocMetaResolveFallbacks(t *testing.T) {
	t.Parallel()

	t.Run("no events captured", func(t *testing.T) {
		t.Parallel()
		meta := newDocMeta()
		status, headers, url := meta.resolve("https://req.test/", "")
		require.Equal(t, http.StatusOK, status)
		require.NotNil(t, headers)
		require.Equal(t, "https://req.test/", url)
	})

	t.Run("final location over request url", func(t *testing.T) {
		t.Parallel()
		meta := newDocMeta()
		_, _, url := meta.resolve("https://req.test/", "https://req.test/final")
		require.Equal(t, "https://req.test/final", url)
	})

	t.Run("captured document wins", func(t *testing.T) {
		t.Parallel()
		meta := newDocMeta()
		meta.status = 403
		meta.url = "https://req.test/doc"
		meta.headers = http.Header{"Server": []string{"edge"}}
		status, headers, url := meta.resolve("https://req.test/", "https://req.test/final")
		require.Equal(t, 403, status)
		require.Equal(t, "edge", headers.Get("Server"))
		require.Equal(t, "https://req.test/doc", url)
	})
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Accept-Language", "fr")
	h.Add("X-Multi", "a")
	h.Add("X-Multi", "b")

	out := toNetworkHeaders(h)
	require.Equal(t, "fr", out["Accept-Language"])
	require.Equal(t, []string{"a", "b"}, out["X-Multi"])
}

func TestNoopFetcherAlwaysFails(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/"})
	require.ErrorIs(t, err, ErrDisabled)
}
