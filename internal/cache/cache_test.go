package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

func entryFor(site, url, fingerprint string) crawler.CacheEntry {
	return crawler.CacheEntry{
		URL:          url,
		Fingerprint:  fingerprint,
		DocID:        "doc-" + fingerprint,
		Site:         site,
		Depth:        1,
		LastCrawled:  time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		Etag:         `"v1"`,
		LastModified: "Tue, 11 Mar 2025 08:00:00 GMT",
	}
}

// exerciseStore runs the provider-independent cache behavior against a live
// store.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// Unknown URLs are processed.
	proceed, err := store.ShouldProcess(ctx, "https://kids.test/a", "fp-1", false)
	require.NoError(t, err)
	require.True(t, proceed)

	_, ok, err := store.Lookup(ctx, "https://kids.test/a")
	require.NoError(t, err)
	require.False(t, ok)

	// Commit, then the same fingerprint skips and a new one reprocesses.
	require.NoError(t, store.Commit(ctx, entryFor("kids", "https://kids.test/a", "fp-1")))

	entry, ok, err := store.Lookup(ctx, "https://kids.test/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fp-1", entry.Fingerprint)
	require.Equal(t, "doc-fp-1", entry.DocID)
	require.Equal(t, "kids", entry.Site)
	require.Equal(t, `"v1"`, entry.Etag)
	require.False(t, entry.Embedded)

	proceed, err = store.ShouldProcess(ctx, "https://kids.test/a", "fp-1", false)
	require.NoError(t, err)
	require.False(t, proceed)

	proceed, err = store.ShouldProcess(ctx, "https://kids.test/a", "fp-2", false)
	require.NoError(t, err)
	require.True(t, proceed)

	proceed, err = store.ShouldProcess(ctx, "https://kids.test/a", "fp-1", true)
	require.NoError(t, err)
	require.True(t, proceed, "force overrides the fingerprint match")

	// The embedded flag survives recommits of identical content only.
	require.NoError(t, store.MarkEmbedded(ctx, "https://kids.test/a"))
	entry, _, err = store.Lookup(ctx, "https://kids.test/a")
	require.NoError(t, err)
	require.True(t, entry.Embedded)

	require.NoError(t, store.Commit(ctx, entryFor("kids", "https://kids.test/a", "fp-1")))
	entry, _, err = store.Lookup(ctx, "https://kids.test/a")
	require.NoError(t, err)
	require.True(t, entry.Embedded, "unchanged content keeps its vector")

	require.NoError(t, store.Commit(ctx, entryFor("kids", "https://kids.test/a", "fp-2")))
	entry, _, err = store.Lookup(ctx, "https://kids.test/a")
	require.NoError(t, err)
	require.False(t, entry.Embedded, "new content needs a new vector")

	// Per-site stats and clearing.
	require.NoError(t, store.Commit(ctx, entryFor("kids", "https://kids.test/b", "fp-3")))
	require.NoError(t, store.Commit(ctx, entryFor("wiki", "https://wiki.test/c", "fp-4")))
	require.NoError(t, store.MarkEmbedded(ctx, "https://wiki.test/c"))

	stats, err := store.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "kids", stats[0].Site)
	require.Equal(t, 2, stats[0].Documents)
	require.Equal(t, 0, stats[0].Embedded)
	require.Equal(t, "wiki", stats[1].Site)
	require.Equal(t, 1, stats[1].Documents)
	require.Equal(t, 1, stats[1].Embedded)
	require.False(t, stats[1].LastCrawled.IsZero())

	stats, err = store.Stats(ctx, "kids")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[0].Documents)

	require.NoError(t, store.Clear(ctx, "kids"))
	_, ok, err = store.Lookup(ctx, "https://kids.test/b")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Lookup(ctx, "https://wiki.test/c")
	require.NoError(t, err)
	require.True(t, ok, "clearing one site leaves the others alone")

	require.NoError(t, store.ClearAll(ctx))
	stats, err = store.Stats(ctx, "")
	require.NoError(t, err)
	require.Empty(t, stats)
}

// exerciseSessions runs the session history behavior against a live store.
func exerciseSessions(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	first := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)

	require.NoError(t, store.StartSession(ctx, "kids", "run-1", first))
	require.NoError(t, store.FinishSession(ctx, crawler.SessionSummary{
		Site: "kids", RunID: "run-1", Started: first, Finished: first.Add(5 * time.Minute),
		Termination: crawler.TerminationCompleted, Processed: 40, Indexed: 31, Skipped: 6, Failed: 3,
	}))
	require.NoError(t, store.StartSession(ctx, "wiki", "run-2", second))
	require.NoError(t, store.FinishSession(ctx, crawler.SessionSummary{
		Site: "wiki", RunID: "run-2", Started: second, Finished: second.Add(time.Minute),
		Termination: crawler.TerminationPageLimit, Processed: 100, Indexed: 100, Deferred: 12,
	}))

	all, err := store.Sessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "run-2", all[0].RunID, "newest first")
	require.Equal(t, crawler.TerminationPageLimit, all[0].Termination)
	require.Equal(t, 12, all[0].Deferred)
	require.Equal(t, "run-1", all[1].RunID)
	require.Equal(t, 31, all[1].Indexed)

	kids, err := store.Sessions(ctx, "kids")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	require.Equal(t, "run-1", kids[0].RunID)
}

func TestOpenSelectsProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem, err := Open(ctx, Config{Provider: "memory"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &Memory{}, mem)

	lite, err := Open(ctx, Config{Provider: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db")}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, lite)
	require.NoError(t, lite.Close())

	_, err = Open(ctx, Config{Provider: "postgres"}, zap.NewNop())
	require.Error(t, err, "postgres without a dsn cannot connect")

	_, err = Open(ctx, Config{Provider: "redis"}, zap.NewNop())
	require.Error(t, err)
}
