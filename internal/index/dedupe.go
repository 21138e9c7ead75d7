package index

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/metrics"
)

// Deduper drops repeat upserts for the same document ID within one crawl
// sweep. Mirror hosts resolve to the same canonical ID, so without this a
// run over two mirrors would write every article twice.
type Deduper struct {
	next crawler.IndexWriter
	log  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper wraps an index writer with a per-sweep seen-ID set.
func NewDeduper(next crawler.IndexWriter, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{next: next, log: logger, seen: make(map[string]struct{})}
}

// Upsert forwards the first write per document ID and drops the rest. An ID
// is marked seen only once its upsert succeeded, so a failed write may be
// retried by a later record.
func (d *Deduper) Upsert(ctx context.Context, doc crawler.Document) error {
	d.mu.Lock()
	_, dup := d.seen[doc.ID]
	d.mu.Unlock()
	if dup {
		d.log.Debug("duplicate document dropped",
			zap.String("doc_id", doc.ID),
			zap.String("url", doc.URL))
		metrics.ObserveDuplicateDocument()
		return nil
	}

	if err := d.next.Upsert(ctx, doc); err != nil {
		return err
	}
	d.mu.Lock()
	d.seen[doc.ID] = struct{}{}
	d.mu.Unlock()
	return nil
}

// UpdateVector passes through; vector updates are idempotent already.
func (d *Deduper) UpdateVector(ctx context.Context, docID string, vector []float32) error {
	return d.next.UpdateVector(ctx, docID, vector)
}

// Reset clears the seen set. The app calls this at the start of each sweep
// so changed documents in later sweeps still reach the index.
func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}
