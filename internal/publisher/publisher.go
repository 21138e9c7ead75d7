// Package publisher selects the event publisher that announces freshly
// indexed documents to downstream consumers.
package publisher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/publisher/memory"
	"github.com/kidsearch/crawler/internal/publisher/pubsub"
)

// Config selects and configures a publisher provider.
type Config struct {
	// Enabled gates publishing entirely; the crawl runs without a publisher
	// when false.
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	// Topic is where indexed-document events go.
	Topic string `mapstructure:"topic"`
}

// Open builds the configured provider.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.Publisher, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "pubsub":
		return pubsub.Connect(ctx, pubsub.Config{ProjectID: cfg.ProjectID, Topic: cfg.Topic}, logger)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Provider)
	}
}
