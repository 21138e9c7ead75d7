package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Memory is an in-process index for tests and local development.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]crawler.Document
}

// NewMemory builds an empty in-process index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]crawler.Document)}
}

// EnsureIndex is a no-op; the map is always ready.
func (m *Memory) EnsureIndex(context.Context) error { return nil }

// Upsert stores the document under its ID, replacing any previous version.
func (m *Memory) Upsert(_ context.Context, doc crawler.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document for %s has no id", doc.URL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

// UpdateVector attaches a vector to a stored document.
func (m *Memory) UpdateVector(_ context.Context, docID string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("document %s not found", docID)
	}
	doc.Vector = append([]float32(nil), vector...)
	m.docs[docID] = doc
	return nil
}

// Delete removes a document. Missing documents are not an error.
func (m *Memory) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

// Count returns the number of stored documents, optionally for one site.
func (m *Memory) Count(_ context.Context, site string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if site == "" {
		return int64(len(m.docs)), nil
	}
	var n int64
	for _, doc := range m.docs {
		if doc.Site == site {
			n++
		}
	}
	return n, nil
}

// Document returns a stored document by ID.
func (m *Memory) Document(docID string) (crawler.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[docID]
	return doc, ok
}

// Documents returns all stored documents ordered by ID.
func (m *Memory) Documents() []crawler.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
