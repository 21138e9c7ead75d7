package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Memory keeps everything in maps. It backs tests and one-off runs that
// should leave nothing behind.
type Memory struct {
	mu       sync.RWMutex
	pages    map[string]crawler.CacheEntry
	sessions map[string]crawler.SessionSummary
}

// NewMemory builds an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		pages:    make(map[string]crawler.CacheEntry),
		sessions: make(map[string]crawler.SessionSummary),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Lookup returns the cached entry for a normalized URL.
func (m *Memory) Lookup(_ context.Context, url string) (crawler.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.pages[url]
	return entry, ok, nil
}

// ShouldProcess reports whether the URL's content changed.
func (m *Memory) ShouldProcess(ctx context.Context, url, fingerprint string, force bool) (bool, error) {
	return shouldProcess(ctx, m, url, fingerprint, force)
}

// Commit stores the entry. The embedded flag survives only when the
// fingerprint is unchanged.
func (m *Memory) Commit(_ context.Context, entry crawler.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.pages[entry.URL]; ok && prior.Fingerprint == entry.Fingerprint {
		entry.Embedded = prior.Embedded
	} else {
		entry.Embedded = false
	}
	m.pages[entry.URL] = entry
	return nil
}

// MarkEmbedded records that the URL's document carries a vector.
func (m *Memory) MarkEmbedded(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.pages[url]; ok {
		entry.Embedded = true
		m.pages[url] = entry
	}
	return nil
}

// Clear removes one site's entries.
func (m *Memory) Clear(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, entry := range m.pages {
		if entry.Site == site {
			delete(m.pages, url)
		}
	}
	return nil
}

// ClearAll empties the page cache.
func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[string]crawler.CacheEntry)
	return nil
}

// Stats summarizes cached documents per site.
func (m *Memory) Stats(_ context.Context, site string) ([]crawler.CacheStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perSite := make(map[string]*crawler.CacheStats)
	for _, entry := range m.pages {
		if site != "" && entry.Site != site {
			continue
		}
		st, ok := perSite[entry.Site]
		if !ok {
			st = &crawler.CacheStats{Site: entry.Site}
			perSite[entry.Site] = st
		}
		st.Documents++
		if entry.Embedded {
			st.Embedded++
		}
		if entry.LastCrawled.After(st.LastCrawled) {
			st.LastCrawled = entry.LastCrawled
		}
	}

	out := make([]crawler.CacheStats, 0, len(perSite))
	for _, st := range perSite {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out, nil
}

// StartSession records the beginning of one site run.
func (m *Memory) StartSession(_ context.Context, site, runID string, started time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[runID]; !ok {
		m.sessions[runID] = crawler.SessionSummary{Site: site, RunID: runID, Started: started, Finished: started}
	}
	return nil
}

// FinishSession upserts the run's final counters.
func (m *Memory) FinishSession(_ context.Context, summary crawler.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[summary.RunID] = summary
	return nil
}

// Sessions lists recorded runs, newest first, optionally filtered by site.
func (m *Memory) Sessions(_ context.Context, site string) ([]crawler.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]crawler.SessionSummary, 0, len(m.sessions))
	for _, sum := range m.sessions {
		if site != "" && sum.Site != site {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out, nil
}
