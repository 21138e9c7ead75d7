// Package index writes normalized documents to the search backend. The
// elasticsearch provider is the real one; the memory provider backs tests
// and local development without a cluster.
package index

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

const (
	defaultIndexName  = "pages"
	defaultVectorDims = 768
)

// Config selects and configures the index backend.
type Config struct {
	Provider string `mapstructure:"provider"`
	URL      string `mapstructure:"url"`
	Index    string `mapstructure:"index"`
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// VectorDims must match the embedding provider's output dimension.
	VectorDims int `mapstructure:"vector_dims"`
}

func (c *Config) applyDefaults() {
	if c.Index == "" {
		c.Index = defaultIndexName
	}
	if c.VectorDims <= 0 {
		c.VectorDims = defaultVectorDims
	}
}

// Writer is the full index surface: the scheduler uses the embedded
// crawler.IndexWriter half, the CLI and app wiring use the rest.
type Writer interface {
	crawler.IndexWriter
	EnsureIndex(ctx context.Context) error
	Delete(ctx context.Context, docID string) error
	Count(ctx context.Context, site string) (int64, error)
}

// Open builds the configured index writer.
func Open(cfg Config, logger *zap.Logger) (Writer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "elasticsearch":
		return New(cfg, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown index provider %q", cfg.Provider)
	}
}
