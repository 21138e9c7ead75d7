// Package storage selects the blob store that archives raw page snapshots.
// Archiving is optional; when enabled, every fetched page body is written
// under <site>/<url-hash>.html so extraction changes can be replayed against
// the original HTML without recrawling.
package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/storage/gcs"
	"github.com/kidsearch/crawler/internal/storage/local"
	"github.com/kidsearch/crawler/internal/storage/memory"
)

// Config selects and configures an archive provider.
type Config struct {
	// Enabled gates archiving entirely; the crawl runs without a blob store
	// when false.
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
	// Dir is the base directory for the local provider.
	Dir string `mapstructure:"dir"`
	// Bucket is the GCS bucket for the gcs provider.
	Bucket string `mapstructure:"bucket"`
}

// Open builds the configured provider.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.BlobStore, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return local.New(local.Config{BaseDir: cfg.Dir})
	case "gcs":
		if strings.TrimSpace(cfg.Bucket) == "" {
			return nil, fmt.Errorf("archive.bucket is required for the gcs provider")
		}
		return gcs.Connect(ctx, gcs.Config{Bucket: cfg.Bucket}, logger)
	case "memory":
		return memory.NewBlobStore(), nil
	case "none":
		return NoOp{}, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// NoOp discards everything. It keeps the archive call sites live in dry
// runs where content is fetched but deliberately not kept.
type NoOp struct{}

// PutObject does nothing and reports no URI.
func (NoOp) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
