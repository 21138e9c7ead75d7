package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Elastic writes documents to an Elasticsearch 8 index.
type Elastic struct {
	client *es.Client
	index  string
	dims   int
	log    *zap.Logger
}

// New builds the client from config. No connection is made here; the first
// call (usually EnsureIndex) surfaces connectivity problems.
func New(cfg Config, logger *zap.Logger) (*Elastic, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	esCfg := es.Config{
		Addresses:  []string{normalizeAddress(cfg.URL)},
		MaxRetries: 3,
	}
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	client, err := es.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return NewWithClient(client, cfg.Index, cfg.VectorDims, logger), nil
}

// NewWithClient wraps an existing client, primarily for tests.
func NewWithClient(client *es.Client, indexName string, dims int, logger *zap.Logger) *Elastic {
	if indexName == "" {
		indexName = defaultIndexName
	}
	if dims <= 0 {
		dims = defaultVectorDims
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Elastic{client: client, index: indexName, dims: dims, log: logger}
}

func normalizeAddress(url string) string {
	if url == "" {
		return "http://localhost:9200"
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "http://" + url
	}
	return url
}

// EnsureIndex creates the index with explicit mappings when it does not
// exist yet. Existing indexes are left untouched.
func (e *Elastic) EnsureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists(
		[]string{e.index},
		e.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("check index %s: %w", e.index, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: %s", e.index, res.Status())
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(e.mapping()); err != nil {
		return fmt.Errorf("encode index mapping: %w", err)
	}
	created, err := e.client.Indices.Create(
		e.index,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(&buf),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", e.index, err)
	}
	defer created.Body.Close()
	if created.IsError() {
		return fmt.Errorf("create index %s: %s", e.index, elasticReason(created))
	}

	e.log.Info("created index",
		zap.String("index", e.index),
		zap.Int("vector_dims", e.dims))
	return nil
}

func (e *Elastic) mapping() map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"title":      map[string]any{"type": "text"},
				"content":    map[string]any{"type": "text"},
				"excerpt":    map[string]any{"type": "text"},
				"url":        map[string]any{"type": "keyword"},
				"image":      map[string]any{"type": "keyword", "index": false},
				"lang":       map[string]any{"type": "keyword"},
				"site":       map[string]any{"type": "keyword"},
				"crawled_at": map[string]any{"type": "date"},
				"vector": map[string]any{
					"type":       "dense_vector",
					"dims":       e.dims,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
}

// Upsert writes the document under its stable ID. Re-running a crawl
// overwrites in place rather than duplicating.
func (e *Elastic) Upsert(ctx context.Context, doc crawler.Document) error {
	if doc.ID == "" {
		return errors.New("document has no id")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}

	res, err := e.client.Index(
		e.index,
		bytes.NewReader(body),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(doc.ID),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index document %s: %s", doc.ID, elasticReason(res))
	}
	return nil
}

// UpdateVector attaches an embedding to an already-indexed document via a
// partial update, leaving the rest of the document alone.
func (e *Elastic) UpdateVector(ctx context.Context, docID string, vector []float32) error {
	body, err := json.Marshal(map[string]any{
		"doc": map[string]any{"vector": vector},
	})
	if err != nil {
		return fmt.Errorf("marshal vector update %s: %w", docID, err)
	}

	res, err := e.client.Update(
		e.index,
		docID,
		bytes.NewReader(body),
		e.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("update vector %s: %w", docID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("update vector %s: %s", docID, elasticReason(res))
	}
	return nil
}

// Delete removes a document. Missing documents are not an error.
func (e *Elastic) Delete(ctx context.Context, docID string) error {
	res, err := e.client.Delete(
		e.index,
		docID,
		e.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("delete document %s: %s", docID, elasticReason(res))
	}
	return nil
}

// Count returns the number of indexed documents, optionally for one site.
func (e *Elastic) Count(ctx context.Context, site string) (int64, error) {
	opts := []func(*esapi.CountRequest){
		e.client.Count.WithContext(ctx),
		e.client.Count.WithIndex(e.index),
	}
	if site != "" {
		query, err := json.Marshal(map[string]any{
			"query": map[string]any{
				"term": map[string]any{"site": site},
			},
		})
		if err != nil {
			return 0, fmt.Errorf("marshal count query: %w", err)
		}
		opts = append(opts, e.client.Count.WithBody(bytes.NewReader(query)))
	}

	res, err := e.client.Count(opts...)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("count documents: %s", elasticReason(res))
	}

	var payload struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return payload.Count, nil
}

// elasticReason pulls the error type and reason out of an error response
// body, falling back to the HTTP status line.
func elasticReason(res *esapi.Response) string {
	var payload struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err == nil && payload.Error.Type != "" {
		return payload.Error.Type + ": " + payload.Error.Reason
	}
	return res.Status()
}
