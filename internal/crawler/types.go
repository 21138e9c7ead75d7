package crawler

import (
	"net/http"
	"time"
)

// SourceType selects the discovery/extraction strategy for a site.
type SourceType string

// Supported source types.
const (
	SourceHTML      SourceType = "html"
	SourceJSON      SourceType = "json"
	SourceMediaWiki SourceType = "mediawiki"
)

// JSONMapping maps a JSON API payload onto document fields. URL and Image
// values may embed {{field}} placeholders resolved against each item, and
// any key may use the key[].subfield form to flatten nested lists.
type JSONMapping struct {
	Root    string `json:"root" mapstructure:"root"`
	Title   string `json:"title" mapstructure:"title"`
	URL     string `json:"url" mapstructure:"url"`
	Content string `json:"content" mapstructure:"content"`
	Image   string `json:"image" mapstructure:"image"`
}

// SiteConfig captures one configured crawl target. It is immutable for the
// duration of a run; the scheduler owns it.
type SiteConfig struct {
	Name     string        `json:"name" mapstructure:"name"`
	SeedURL  string        `json:"seed_url" mapstructure:"seed_url"`
	Type     SourceType    `json:"type" mapstructure:"type"`
	MaxDepth int           `json:"depth" mapstructure:"depth"`
	MaxPages int           `json:"max_pages" mapstructure:"max_pages"`
	Delay    time.Duration `json:"delay" mapstructure:"delay"`
	Selector string        `json:"selector" mapstructure:"selector"`
	Lang     string        `json:"lang" mapstructure:"lang"`
	Exclude  []string      `json:"exclude" mapstructure:"exclude"`
	NoIndex  []string      `json:"no_index" mapstructure:"no_index"`
	JSON     *JSONMapping  `json:"json,omitempty" mapstructure:"json"`
	// APIURL overrides the derived MediaWiki api.php endpoint.
	APIURL string `json:"api_url,omitempty" mapstructure:"api_url"`
}

// Unbounded reports whether the site has no page limit.
func (s SiteConfig) Unbounded() bool {
	return s.MaxPages <= 0
}

// FrontierEntry is one unit of pending crawl work. URL is normalized before
// the entry enters the frontier; a URL is enqueued at most once per run.
type FrontierEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	Order int64  `json:"order"`
	Site  string `json:"site"`
}

// PageRecord is the normalized output of one extracted item, produced by a
// source adapter and consumed by the cache, the index writer, and the
// embedding dispatcher.
type PageRecord struct {
	Site         string    `json:"site"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Excerpt      string    `json:"excerpt"`
	Image        string    `json:"image,omitempty"`
	Lang         string    `json:"lang"`
	Fingerprint  string    `json:"fingerprint"`
	Depth        int       `json:"depth"`
	FetchedAt    time.Time `json:"fetched_at"`
	NoIndex      bool      `json:"-"`
	Etag         string    `json:"-"`
	LastModified string    `json:"-"`
}

// Document is the index upsert payload. ID is stable across runs, derived
// from (site, normalized URL).
type Document struct {
	ID        string    `json:"-"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Image     string    `json:"image,omitempty"`
	Lang      string    `json:"lang"`
	Site      string    `json:"site"`
	CrawledAt time.Time `json:"crawled_at"`
	Vector    []float32 `json:"vector,omitempty"`
}

// CacheEntry records the last successfully indexed version of a URL.
type CacheEntry struct {
	URL          string    `json:"url"`
	Fingerprint  string    `json:"fingerprint"`
	DocID        string    `json:"doc_id"`
	Site         string    `json:"site"`
	Depth        int       `json:"depth"`
	LastCrawled  time.Time `json:"last_crawled"`
	Etag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Embedded     bool      `json:"embedded"`
}

// TerminationReason explains why a site run ended.
type TerminationReason string

// Termination reasons persisted with crawl state. PageLimit and Stopped are
// resumable; the next run re-enters RUNNING with the persisted frontier.
const (
	TerminationNone      TerminationReason = ""
	TerminationCompleted TerminationReason = "completed"
	TerminationPageLimit TerminationReason = "page_limit"
	TerminationStopped   TerminationReason = "stopped"
	TerminationFailed    TerminationReason = "failed"
)

// Resumable reports whether a later run may continue from persisted state.
func (t TerminationReason) Resumable() bool {
	return t == TerminationPageLimit || t == TerminationStopped
}

// CrawlState is the per-site checkpoint snapshot. Frontier entries are stored
// front-to-back so resumption preserves pop order.
type CrawlState struct {
	Site        string            `json:"site"`
	RunID       string            `json:"run_id"`
	Visited     []string          `json:"visited_urls"`
	Frontier    []FrontierEntry   `json:"frontier"`
	Processed   int               `json:"processed_count"`
	Termination TerminationReason `json:"termination_reason"`
	SavedAt     time.Time         `json:"saved_at"`
}

// EmbeddingTask carries one document's text to the embedding dispatcher.
type EmbeddingTask struct {
	ID    string
	DocID string
	Site  string
	URL   string
	Text  string
}

// SessionSummary is the durable per-run record written at site completion.
type SessionSummary struct {
	Site        string            `json:"site"`
	RunID       string            `json:"run_id"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
	Termination TerminationReason `json:"termination"`
	Processed   int               `json:"processed"`
	Indexed     int               `json:"indexed"`
	Skipped     int               `json:"skipped"`
	Failed      int               `json:"failed"`
	Deferred    int               `json:"deferred"`
}

// CacheStats summarizes cache contents for the stats command.
type CacheStats struct {
	Site        string    `json:"site,omitempty"`
	Documents   int       `json:"documents"`
	Embedded    int       `json:"embedded"`
	LastCrawled time.Time `json:"last_crawled"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Site    string
	Depth   int
	Headers http.Header
	// Etag and LastModified enable conditional requests when the cache
	// holds validators for the URL.
	Etag         string
	LastModified string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	NotModified  bool
	UsedHeadless bool
}
