package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewPostgresWithPool(mock, zap.NewNop())
	require.NoError(t, err)
	return store, mock
}

func TestPostgresRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewPostgresWithPool(nil, zap.NewNop())
	require.Error(t, err)
}

func TestPostgresLookup(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)
	crawled := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT url, fingerprint, doc_id").
		WithArgs("https://kids.test/a").
		WillReturnRows(pgxmock.NewRows([]string{
			"url", "fingerprint", "doc_id", "site", "depth",
			"last_crawled", "etag", "last_modified", "embedded",
		}).AddRow(
			"https://kids.test/a", "fp-1", "doc-fp-1", "kids", 2,
			crawled, `"v1"`, "Tue, 11 Mar 2025 08:00:00 GMT", true,
		))

	entry, ok, err := store.Lookup(context.Background(), "https://kids.test/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fp-1", entry.Fingerprint)
	require.Equal(t, 2, entry.Depth)
	require.Equal(t, crawled, entry.LastCrawled)
	require.True(t, entry.Embedded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookupMissIsNotAnError(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT url, fingerprint, doc_id").
		WithArgs("https://kids.test/gone").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.Lookup(context.Background(), "https://kids.test/gone")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitUpserts(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)
	entry := entryFor("kids", "https://kids.test/a", "fp-1")

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			entry.URL, entry.Fingerprint, entry.DocID, entry.Site,
			entry.Depth, entry.LastCrawled, entry.Etag, entry.LastModified,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Commit(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresShouldProcess(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	// Force never consults the database.
	proceed, err := store.ShouldProcess(context.Background(), "https://kids.test/a", "fp-2", true)
	require.NoError(t, err)
	require.True(t, proceed)

	mock.ExpectQuery("SELECT url, fingerprint, doc_id").
		WithArgs("https://kids.test/a").
		WillReturnRows(pgxmock.NewRows([]string{
			"url", "fingerprint", "doc_id", "site", "depth",
			"last_crawled", "etag", "last_modified", "embedded",
		}).AddRow(
			"https://kids.test/a", "fp-1", "doc-fp-1", "kids", 2,
			time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), "", "", false,
		))

	proceed, err = store.ShouldProcess(context.Background(), "https://kids.test/a", "fp-2", false)
	require.NoError(t, err)
	require.True(t, proceed, "a changed fingerprint reprocesses")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkEmbedded(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE pages SET embedded").
		WithArgs("https://kids.test/a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkEmbedded(context.Background(), "https://kids.test/a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClear(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)

	mock.ExpectExec("DELETE FROM pages WHERE site").
		WithArgs("kids").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM pages").
		WillReturnResult(pgxmock.NewResult("DELETE", 9))

	require.NoError(t, store.Clear(context.Background(), "kids"))
	require.NoError(t, store.ClearAll(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)
	crawled := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT site, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"site", "documents", "embedded", "last_crawled"}).
			AddRow("kids", 12, 9, crawled).
			AddRow("wiki", 40, 40, crawled))

	stats, err := store.Stats(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "kids", stats[0].Site)
	require.Equal(t, 12, stats[0].Documents)
	require.Equal(t, 9, stats[0].Embedded)

	mock.ExpectQuery("SELECT site, COUNT").
		WithArgs("wiki").
		WillReturnRows(pgxmock.NewRows([]string{"site", "documents", "embedded", "last_crawled"}).
			AddRow("wiki", 40, 40, crawled))

	stats, err = store.Stats(context.Background(), "wiki")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "wiki", stats[0].Site)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionLifecycle(t *testing.T) {
	t.Parallel()
	store, mock := newMockPostgres(t)
	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("run-1", "kids", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StartSession(context.Background(), "kids", "run-1", started))

	summary := crawler.SessionSummary{
		Site: "kids", RunID: "run-1", Started: started, Finished: started.Add(5 * time.Minute),
		Termination: crawler.TerminationCompleted, Processed: 40, Indexed: 31, Skipped: 6, Failed: 3,
	}
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			summary.RunID, summary.Site, summary.Started, summary.Finished,
			"completed", 40, 31, 6, 3, 0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.FinishSession(context.Background(), summary))

	mock.ExpectQuery("SELECT run_id, site, started").
		WithArgs("kids").
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "site", "started", "finished", "termination",
			"processed", "indexed", "skipped", "failed", "deferred",
		}).AddRow(
			"run-1", "kids", started, started.Add(5*time.Minute), "completed",
			40, 31, 6, 3, 0,
		))

	sessions, err := store.Sessions(context.Background(), "kids")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, crawler.TerminationCompleted, sessions[0].Termination)
	require.Equal(t, 31, sessions[0].Indexed)
	require.NoError(t, mock.ExpectationsWereMet())
}
