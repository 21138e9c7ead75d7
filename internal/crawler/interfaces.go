package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy answers allow/deny and minimum-delay questions per host.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	Delay(host string) time.Duration
	Wait(ctx context.Context, host string) error
}

// Result is what a source adapter produces for one frontier entry.
type Result struct {
	Records []PageRecord
	Links   []string
	// NotModified is set when a conditional fetch returned 304; no records
	// or links accompany it.
	NotModified bool
	// Raw carries the fetched HTML body for optional archival.
	Raw []byte
}

// ExtractOptions carries cached validators for conditional requests.
type ExtractOptions struct {
	Etag         string
	LastModified string
}

// SourceAdapter discovers candidate items for a site and extracts normalized
// records from them. The implementation is selected once per site at
// configuration-load time.
type SourceAdapter interface {
	// Discover returns the initial frontier population for the site.
	Discover(ctx context.Context) ([]FrontierEntry, error)
	// Extract fetches one entry and returns its records plus any newly
	// discovered links (HTML only; JSON and MediaWiki return no links).
	Extract(ctx context.Context, entry FrontierEntry, opts ExtractOptions) (Result, error)
}

// ChangeCache is the persistent URL → fingerprint map used to skip unchanged
// content between runs.
type ChangeCache interface {
	Lookup(ctx context.Context, url string) (CacheEntry, bool, error)
	ShouldProcess(ctx context.Context, url, fingerprint string, force bool) (bool, error)
	// Commit must be called only after the index writer acknowledged the
	// upsert, so a failed write never marks a page as seen.
	Commit(ctx context.Context, entry CacheEntry) error
	MarkEmbedded(ctx context.Context, url string) error
	Clear(ctx context.Context, site string) error
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context, site string) ([]CacheStats, error)
}

// SessionStore records per-run summaries for the stats command.
type SessionStore interface {
	StartSession(ctx context.Context, site, runID string, started time.Time) error
	FinishSession(ctx context.Context, summary SessionSummary) error
	Sessions(ctx context.Context, site string) ([]SessionSummary, error)
}

// IndexWriter upserts normalized documents into the external document store.
// Upsert is idempotent by document ID; vectors may arrive in a later
// UpdateVector call than the base document.
type IndexWriter interface {
	Upsert(ctx context.Context, doc Document) error
	UpdateVector(ctx context.Context, docID string, vector []float32) error
}

// EmbeddingDispatcher consumes page records asynchronously and enriches their
// documents with vectors, decoupled from crawl throughput.
type EmbeddingDispatcher interface {
	Submit(ctx context.Context, task EmbeddingTask) error
	// Exhausted reports whether the provider signalled quota exhaustion;
	// once true the dispatcher defers the rest of the run's tasks.
	Exhausted() bool
	// Drain flushes pending work and returns embedded/deferred counts.
	Drain(ctx context.Context) (embedded int, deferred int, err error)
}

// StateStore persists crawl state snapshots atomically.
type StateStore interface {
	Load(ctx context.Context, site string) (CrawlState, bool, error)
	Save(ctx context.Context, state CrawlState) error
	Discard(ctx context.Context, site string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes indexed-document events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprints and document IDs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when to retry transient failures.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
