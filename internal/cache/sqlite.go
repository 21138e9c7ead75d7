package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/kidsearch/crawler/internal/crawler"
)

const defaultSQLitePath = "crawler-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pages (
	url TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	doc_id TEXT NOT NULL DEFAULT '',
	site TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	last_crawled INTEGER NOT NULL,
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	embedded INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pages_site ON pages (site);
CREATE INDEX IF NOT EXISTS idx_pages_fingerprint ON pages (fingerprint);

CREATE TABLE IF NOT EXISTS sessions (
	run_id TEXT PRIMARY KEY,
	site TEXT NOT NULL,
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL DEFAULT 0,
	termination TEXT NOT NULL DEFAULT '',
	processed INTEGER NOT NULL DEFAULT 0,
	indexed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	deferred INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_site ON sessions (site, started);
`

// SQLite is the default single-file cache provider. The connection is
// limited to one so the pure-Go driver never sees concurrent writers; WAL
// and a busy timeout cover readers from other processes.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (and creates if needed) the cache database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	logger.Debug("sqlite cache ready", zap.String("path", path))
	return &SQLite{db: db, log: logger}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Lookup returns the cached entry for a normalized URL.
func (s *SQLite) Lookup(ctx context.Context, url string) (crawler.CacheEntry, bool, error) {
	const query = `
SELECT url, fingerprint, doc_id, site, depth, last_crawled, etag, last_modified, embedded
FROM pages WHERE url = ?`

	var (
		entry       crawler.CacheEntry
		lastCrawled int64
		embedded    int
	)
	err := s.db.QueryRowContext(ctx, query, url).Scan(
		&entry.URL, &entry.Fingerprint, &entry.DocID, &entry.Site, &entry.Depth,
		&lastCrawled, &entry.Etag, &entry.LastModified, &embedded)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CacheEntry{}, false, nil
	}
	if err != nil {
		return crawler.CacheEntry{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	entry.LastCrawled = time.Unix(lastCrawled, 0).UTC()
	entry.Embedded = embedded != 0
	return entry, true, nil
}

// ShouldProcess reports whether the URL's content changed since the last
// successful index write.
func (s *SQLite) ShouldProcess(ctx context.Context, url, fingerprint string, force bool) (bool, error) {
	return shouldProcess(ctx, s, url, fingerprint, force)
}

// Commit upserts the entry after the index acknowledged the document. The
// embedded flag survives only when the fingerprint is unchanged; new content
// needs a new vector.
func (s *SQLite) Commit(ctx context.Context, entry crawler.CacheEntry) error {
	const query = `
INSERT INTO pages (url, fingerprint, doc_id, site, depth, last_crawled, etag, last_modified, embedded)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(url) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	doc_id = excluded.doc_id,
	site = excluded.site,
	depth = excluded.depth,
	last_crawled = excluded.last_crawled,
	etag = excluded.etag,
	last_modified = excluded.last_modified,
	embedded = CASE WHEN pages.fingerprint = excluded.fingerprint THEN pages.embedded ELSE 0 END`

	_, err := s.db.ExecContext(ctx, query,
		entry.URL, entry.Fingerprint, entry.DocID, entry.Site, entry.Depth,
		entry.LastCrawled.UTC().Unix(), entry.Etag, entry.LastModified)
	if err != nil {
		return fmt.Errorf("commit %s: %w", entry.URL, err)
	}
	return nil
}

// MarkEmbedded records that the URL's document carries a vector.
func (s *SQLite) MarkEmbedded(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pages SET embedded = 1 WHERE url = ?`, url); err != nil {
		return fmt.Errorf("mark embedded %s: %w", url, err)
	}
	return nil
}

// Clear removes one site's entries, forcing a full reprocess next run.
func (s *SQLite) Clear(ctx context.Context, site string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE site = ?`, site); err != nil {
		return fmt.Errorf("clear cache for %s: %w", site, err)
	}
	return nil
}

// ClearAll empties the page cache. Session history stays.
func (s *SQLite) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Stats summarizes cached documents, one row per site, or a single row when
// a site is named.
func (s *SQLite) Stats(ctx context.Context, site string) ([]crawler.CacheStats, error) {
	query := `
SELECT site, COUNT(*), COALESCE(SUM(embedded), 0), COALESCE(MAX(last_crawled), 0)
FROM pages GROUP BY site ORDER BY site`
	args := []any{}
	if site != "" {
		query = `
SELECT site, COUNT(*), COALESCE(SUM(embedded), 0), COALESCE(MAX(last_crawled), 0)
FROM pages WHERE site = ? GROUP BY site`
		args = append(args, site)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	var out []crawler.CacheStats
	for rows.Next() {
		var st crawler.CacheStats
		var lastCrawled int64
		if err := rows.Scan(&st.Site, &st.Documents, &st.Embedded, &lastCrawled); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		st.LastCrawled = time.Unix(lastCrawled, 0).UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return out, nil
}

// StartSession records the beginning of one site run.
func (s *SQLite) StartSession(ctx context.Context, site, runID string, started time.Time) error {
	const query = `
INSERT INTO sessions (run_id, site, started, finished)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO NOTHING`
	ts := started.UTC().Unix()
	if _, err := s.db.ExecContext(ctx, query, runID, site, ts, ts); err != nil {
		return fmt.Errorf("start session %s: %w", runID, err)
	}
	return nil
}

// FinishSession upserts the run's final counters.
func (s *SQLite) FinishSession(ctx context.Context, summary crawler.SessionSummary) error {
	const query = `
INSERT INTO sessions (run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	finished = excluded.finished,
	termination = excluded.termination,
	processed = excluded.processed,
	indexed = excluded.indexed,
	skipped = excluded.skipped,
	failed = excluded.failed,
	deferred = excluded.deferred`

	_, err := s.db.ExecContext(ctx, query,
		summary.RunID, summary.Site, summary.Started.UTC().Unix(), summary.Finished.UTC().Unix(),
		string(summary.Termination), summary.Processed, summary.Indexed,
		summary.Skipped, summary.Failed, summary.Deferred)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", summary.RunID, err)
	}
	return nil
}

// Sessions lists recent runs, newest first, optionally filtered by site.
func (s *SQLite) Sessions(ctx context.Context, site string) ([]crawler.SessionSummary, error) {
	query := `
SELECT run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred
FROM sessions ORDER BY started DESC LIMIT 50`
	args := []any{}
	if site != "" {
		query = `
SELECT run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred
FROM sessions WHERE site = ? ORDER BY started DESC LIMIT 50`
		args = append(args, site)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []crawler.SessionSummary
	for rows.Next() {
		var (
			sum               crawler.SessionSummary
			started, finished int64
			termination       string
		)
		if err := rows.Scan(&sum.RunID, &sum.Site, &started, &finished, &termination,
			&sum.Processed, &sum.Indexed, &sum.Skipped, &sum.Failed, &sum.Deferred); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Started = time.Unix(started, 0).UTC()
		sum.Finished = time.Unix(finished, 0).UTC()
		sum.Termination = crawler.TerminationReason(termination)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
