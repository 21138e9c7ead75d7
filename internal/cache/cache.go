// Package cache persists the URL → fingerprint map that lets a run skip
// unchanged pages, plus the per-run session history behind the stats
// command. SQLite is the default provider; Postgres serves shared
// deployments and the in-memory store serves tests.
package cache

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

// Store is the full persistence surface of the incremental cache.
type Store interface {
	crawler.ChangeCache
	crawler.SessionStore
	Close() error
}

// Config selects and configures a cache provider.
type Config struct {
	Provider string `mapstructure:"provider"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// Open builds the configured provider.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.Provider)
	}
}

// shouldProcess is the skip decision shared by every provider: force wins,
// unknown URLs are processed, and a changed fingerprint reprocesses.
func shouldProcess(ctx context.Context, c crawler.ChangeCache, url, fingerprint string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	entry, ok, err := c.Lookup(ctx, url)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return entry.Fingerprint != fingerprint, nil
}
