package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	return store, dir
}

func checkpointFor(site string) crawler.CrawlState {
	return crawler.CrawlState{
		Site:  site,
		RunID: "run-1",
		Visited: []string{
			"https://kids.test/",
			"https://kids.test/space",
		},
		Frontier: []crawler.FrontierEntry{
			{URL: "https://kids.test/space/stars", Depth: 2, Order: 7, Site: site},
			{URL: "https://kids.test/animals", Depth: 1, Order: 8, Site: site},
		},
		Processed:   2,
		Termination: crawler.TerminationPageLimit,
		SavedAt:     time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	saved := checkpointFor("kids")
	require.NoError(t, store.Save(ctx, saved))

	loaded, found, err := store.Load(ctx, "kids")
	require.NoError(t, err)
	require.True(t, found, "a saved checkpoint must be found on the next run")
	require.Equal(t, saved, loaded, "the checkpoint must survive the round trip unchanged")
}

func TestStoreLoadMissingSite(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	loaded, found, err := store.Load(context.Background(), "never-crawled")
	require.NoError(t, err, "no checkpoint is a normal first run, not an error")
	require.False(t, found)
	require.Zero(t, loaded)
}

func TestStoreLoadCorruptCheckpoint(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kids.json"), []byte("{not json"), 0o600))

	_, found, err := store.Load(context.Background(), "kids")
	require.Error(t, err, "resuming from a checkpoint that will not parse must fail loudly")
	require.ErrorContains(t, err, "corrupt")
	require.False(t, found)
}

func TestStoreSaveReplacesCheckpoint(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	ctx := context.Background()

	first := checkpointFor("kids")
	require.NoError(t, store.Save(ctx, first))

	second := first
	second.Processed = 9
	second.Frontier = nil
	second.Termination = crawler.TerminationStopped
	require.NoError(t, store.Save(ctx, second))

	loaded, found, err := store.Load(ctx, "kids")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, second, loaded, "the newest save wins")

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, leftovers, "temp files must not outlive the rename")
}

func TestStoreDiscard(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, checkpointFor("kids")))
	require.NoError(t, store.Discard(ctx, "kids"))

	_, found, err := store.Load(ctx, "kids")
	require.NoError(t, err)
	require.False(t, found, "a discarded checkpoint must not resume a future run")

	require.NoError(t, store.Discard(ctx, "kids"), "discarding twice is not an error")
}

func TestStoreSlugsSiteNames(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	ctx := context.Background()

	saved := checkpointFor("Kids Science!")
	require.NoError(t, store.Save(ctx, saved))

	_, err := os.Stat(filepath.Join(dir, "kids-science.json"))
	require.NoError(t, err, "site names must map to a safe file name")

	loaded, found, err := store.Load(ctx, "Kids Science!")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved, loaded)
}

func TestStoreRejectsStateWithoutSite(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.Error(t, store.Save(context.Background(), crawler.CrawlState{RunID: "run-1"}))
}

func TestNewCreatesNestedDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "var", "crawl-state")
	store, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), checkpointFor("kids")))
	_, err = os.Stat(filepath.Join(dir, "kids.json"))
	require.NoError(t, err)
}
