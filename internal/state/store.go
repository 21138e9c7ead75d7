// Package state persists per-site crawl checkpoints so interrupted runs
// resume where they stopped instead of starting over.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
)

const defaultDir = "crawl-state"

// Config locates the checkpoint directory.
type Config struct {
	Dir string `mapstructure:"dir"`
}

// Store keeps one JSON checkpoint file per site. Saves go through a temp
// file plus rename so a crash mid-write never leaves a truncated latest.
type Store struct {
	dir string
	log *zap.Logger
}

// New ensures the checkpoint directory exists.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = defaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads the site's checkpoint. A missing file means no checkpoint; a
// file that will not parse is an error the caller must treat as fatal,
// because resuming from half a frontier silently drops pages.
func (s *Store) Load(_ context.Context, site string) (crawler.CrawlState, bool, error) {
	data, err := os.ReadFile(s.path(site))
	if errors.Is(err, os.ErrNotExist) {
		return crawler.CrawlState{}, false, nil
	}
	if err != nil {
		return crawler.CrawlState{}, false, fmt.Errorf("read crawl state for %s: %w", site, err)
	}

	var st crawler.CrawlState
	if err := json.Unmarshal(data, &st); err != nil {
		return crawler.CrawlState{}, false, fmt.Errorf("crawl state for %s is corrupt: %w", site, err)
	}
	return st, true, nil
}

// Save atomically replaces the site's checkpoint.
func (s *Store) Save(_ context.Context, st crawler.CrawlState) error {
	if st.Site == "" {
		return errors.New("crawl state has no site")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode crawl state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, slug(st.Site)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write crawl state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync crawl state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(st.Site)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace crawl state: %w", err)
	}

	s.log.Debug("crawl state saved",
		zap.String("site", st.Site),
		zap.String("run_id", st.RunID),
		zap.Int("frontier", len(st.Frontier)),
		zap.Int("visited", len(st.Visited)))
	return nil
}

// Discard removes the site's checkpoint. Missing files are fine; a clean
// completion discards whether or not a checkpoint ever existed.
func (s *Store) Discard(_ context.Context, site string) error {
	err := os.Remove(s.path(site))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard crawl state for %s: %w", site, err)
	}
	return nil
}

func (s *Store) path(site string) string {
	return filepath.Join(s.dir, slug(site)+".json")
}

// slug keeps site names filesystem-safe: lowercase, runs of anything else
// collapse to single dashes.
func slug(site string) string {
	var b []rune
	for _, r := range strings.ToLower(strings.TrimSpace(site)) {
		safe := r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_'
		if safe {
			b = append(b, r)
			continue
		}
		if len(b) > 0 && b[len(b)-1] != '-' {
			b = append(b, '-')
		}
	}
	for len(b) > 0 && b[len(b)-1] == '-' {
		b = b[:len(b)-1]
	}
	if len(b) == 0 {
		return "site"
	}
	return string(b)
}
