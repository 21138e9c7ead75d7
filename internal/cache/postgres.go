package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pages (
	url TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	doc_id TEXT NOT NULL DEFAULT '',
	site TEXT NOT NULL,
	depth INT NOT NULL DEFAULT 0,
	last_crawled TIMESTAMPTZ NOT NULL,
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	embedded BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_pages_site ON pages (site);
CREATE INDEX IF NOT EXISTS idx_pages_fingerprint ON pages (fingerprint);

CREATE TABLE IF NOT EXISTS sessions (
	run_id TEXT PRIMARY KEY,
	site TEXT NOT NULL,
	started TIMESTAMPTZ NOT NULL,
	finished TIMESTAMPTZ NOT NULL,
	termination TEXT NOT NULL DEFAULT '',
	processed INT NOT NULL DEFAULT 0,
	indexed INT NOT NULL DEFAULT 0,
	skipped INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	deferred INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_site ON sessions (site, started);
`

// pgxquerier is the slice of pgxpool.Pool the store uses, narrow enough for
// pgxmock to stand in during tests.
type pgxquerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres backs the cache with a shared database, for deployments where
// several crawler hosts split the site list.
type Postgres struct {
	pool pgxquerier
	log  *zap.Logger
}

// OpenPostgres connects a pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("cache.dsn is required for the postgres provider")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres cache: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	logger.Debug("postgres cache ready")
	return &Postgres{pool: pool, log: logger}, nil
}

// NewPostgresWithPool wraps an existing pool, primarily for tests.
func NewPostgresWithPool(pool pgxquerier, logger *zap.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Lookup returns the cached entry for a normalized URL.
func (p *Postgres) Lookup(ctx context.Context, url string) (crawler.CacheEntry, bool, error) {
	const query = `
SELECT url, fingerprint, doc_id, site, depth, last_crawled, etag, last_modified, embedded
FROM pages WHERE url = $1`

	var entry crawler.CacheEntry
	err := p.pool.QueryRow(ctx, query, url).Scan(
		&entry.URL, &entry.Fingerprint, &entry.DocID, &entry.Site, &entry.Depth,
		&entry.LastCrawled, &entry.Etag, &entry.LastModified, &entry.Embedded)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CacheEntry{}, false, nil
	}
	if err != nil {
		return crawler.CacheEntry{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	return entry, true, nil
}

// ShouldProcess reports whether the URL's content changed since the last
// successful index write.
func (p *Postgres) ShouldProcess(ctx context.Context, url, fingerprint string, force bool) (bool, error) {
	return shouldProcess(ctx, p, url, fingerprint, force)
}

// Commit upserts the entry after the index acknowledged the document.
func (p *Postgres) Commit(ctx context.Context, entry crawler.CacheEntry) error {
	const query = `
INSERT INTO pages (url, fingerprint, doc_id, site, depth, last_crawled, etag, last_modified, embedded)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
ON CONFLICT (url) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	doc_id = EXCLUDED.doc_id,
	site = EXCLUDED.site,
	depth = EXCLUDED.depth,
	last_crawled = EXCLUDED.last_crawled,
	etag = EXCLUDED.etag,
	last_modified = EXCLUDED.last_modified,
	embedded = CASE WHEN pages.fingerprint = EXCLUDED.fingerprint THEN pages.embedded ELSE FALSE END`

	_, err := p.pool.Exec(ctx, query,
		entry.URL, entry.Fingerprint, entry.DocID, entry.Site, entry.Depth,
		entry.LastCrawled.UTC(), entry.Etag, entry.LastModified)
	if err != nil {
		return fmt.Errorf("commit %s: %w", entry.URL, err)
	}
	return nil
}

// MarkEmbedded records that the URL's document carries a vector.
func (p *Postgres) MarkEmbedded(ctx context.Context, url string) error {
	if _, err := p.pool.Exec(ctx, `UPDATE pages SET embedded = TRUE WHERE url = $1`, url); err != nil {
		return fmt.Errorf("mark embedded %s: %w", url, err)
	}
	return nil
}

// Clear removes one site's entries.
func (p *Postgres) Clear(ctx context.Context, site string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM pages WHERE site = $1`, site); err != nil {
		return fmt.Errorf("clear cache for %s: %w", site, err)
	}
	return nil
}

// ClearAll empties the page cache. Session history stays.
func (p *Postgres) ClearAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM pages`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Stats summarizes cached documents per site.
func (p *Postgres) Stats(ctx context.Context, site string) ([]crawler.CacheStats, error) {
	query := `
SELECT site, COUNT(*), COUNT(*) FILTER (WHERE embedded), MAX(last_crawled)
FROM pages GROUP BY site ORDER BY site`
	args := []any{}
	if site != "" {
		query = `
SELECT site, COUNT(*), COUNT(*) FILTER (WHERE embedded), MAX(last_crawled)
FROM pages WHERE site = $1 GROUP BY site`
		args = append(args, site)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	var out []crawler.CacheStats
	for rows.Next() {
		var st crawler.CacheStats
		if err := rows.Scan(&st.Site, &st.Documents, &st.Embedded, &st.LastCrawled); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return out, nil
}

// StartSession records the beginning of one site run.
func (p *Postgres) StartSession(ctx context.Context, site, runID string, started time.Time) error {
	const query = `
INSERT INTO sessions (run_id, site, started, finished)
VALUES ($1, $2, $3, $3)
ON CONFLICT (run_id) DO NOTHING`
	if _, err := p.pool.Exec(ctx, query, runID, site, started.UTC()); err != nil {
		return fmt.Errorf("start session %s: %w", runID, err)
	}
	return nil
}

// FinishSession upserts the run's final counters.
func (p *Postgres) FinishSession(ctx context.Context, summary crawler.SessionSummary) error {
	const query = `
INSERT INTO sessions (run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (run_id) DO UPDATE SET
	finished = EXCLUDED.finished,
	termination = EXCLUDED.termination,
	processed = EXCLUDED.processed,
	indexed = EXCLUDED.indexed,
	skipped = EXCLUDED.skipped,
	failed = EXCLUDED.failed,
	deferred = EXCLUDED.deferred`

	_, err := p.pool.Exec(ctx, query,
		summary.RunID, summary.Site, summary.Started.UTC(), summary.Finished.UTC(),
		string(summary.Termination), summary.Processed, summary.Indexed,
		summary.Skipped, summary.Failed, summary.Deferred)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", summary.RunID, err)
	}
	return nil
}

// Sessions lists recent runs, newest first, optionally filtered by site.
func (p *Postgres) Sessions(ctx context.Context, site string) ([]crawler.SessionSummary, error) {
	query := `
SELECT run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred
FROM sessions ORDER BY started DESC LIMIT 50`
	args := []any{}
	if site != "" {
		query = `
SELECT run_id, site, started, finished, termination, processed, indexed, skipped, failed, deferred
FROM sessions WHERE site = $1 ORDER BY started DESC LIMIT 50`
		args = append(args, site)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []crawler.SessionSummary
	for rows.Next() {
		var (
			sum         crawler.SessionSummary
			termination string
		)
		if err := rows.Scan(&sum.RunID, &sum.Site, &sum.Started, &sum.Finished, &termination,
			&sum.Processed, &sum.Indexed, &sum.Skipped, &sum.Failed, &sum.Deferred); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Termination = crawler.TerminationReason(termination)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
