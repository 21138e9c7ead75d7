// Package source implements the per-site discovery and extraction adapters.
// Three strategies exist: HTML link crawling, JSON API mapping, and the
// MediaWiki list API. The strategy is selected once per site when the
// configuration loads.
package source

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/extract"
)

// Deps bundles the collaborators shared by every adapter.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor *extract.Extractor
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Factory returns the adapter constructor handed to the scheduler.
func Factory(deps Deps) crawler.AdapterFactory {
	return func(site crawler.SiteConfig) (crawler.SourceAdapter, error) {
		if deps.Logger == nil {
			deps.Logger = zap.NewNop()
		}
		switch site.Type {
		case crawler.SourceHTML:
			return NewHTML(site, deps)
		case crawler.SourceJSON:
			return NewJSON(site, deps)
		case crawler.SourceMediaWiki:
			return NewMediaWiki(site, deps)
		default:
			return nil, fmt.Errorf("site %s: unknown source type %q", site.Name, site.Type)
		}
	}
}

// fingerprint hashes normalized content for change detection.
func fingerprint(hasher crawler.Hasher, text string) (string, error) {
	fp, err := hasher.Hash([]byte(text))
	if err != nil {
		return "", fmt.Errorf("fingerprint content: %w", err)
	}
	return fp, nil
}
