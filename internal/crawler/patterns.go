package crawler

import (
	"path"
	"strings"
)

// Path fragments excluded on every site: auth flows, commerce funnels, and
// CMS plumbing that never carry indexable content.
var globalExcludePatterns = []string{
	"/login",
	"/logout",
	"/signin",
	"/signup",
	"/register",
	"/cart",
	"/checkout",
	"/account",
	"/share",
	"/print",
	"/cdn-cgi/",
	"/wp-admin/",
	"/wp-json/",
	"?rest_route=",
}

// Binary and media extensions that are never fetched.
var skippedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".svg":  {},
	".pdf":  {},
	".zip":  {},
	".rar":  {},
	".mp3":  {},
	".mp4":  {},
	".avi":  {},
}

// SkippedExtension reports whether the URL path ends in a non-HTML asset
// extension.
func SkippedExtension(rawURL string) bool {
	trimmed := rawURL
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.ToLower(path.Ext(trimmed))
	_, skip := skippedExtensions[ext]
	return skip
}

// PatternFilter classifies URLs against a site's exclude and no-index
// patterns plus the global exclusions. Matching is case-insensitive
// substring containment.
type PatternFilter struct {
	exclude []string
	noIndex []string
}

// NewPatternFilter builds the filter for one site.
func NewPatternFilter(site SiteConfig) *PatternFilter {
	return &PatternFilter{
		exclude: lowerAll(site.Exclude),
		noIndex: lowerAll(site.NoIndex),
	}
}

// Excluded reports whether the URL must never be fetched.
func (f *PatternFilter) Excluded(rawURL string) bool {
	if SkippedExtension(rawURL) {
		return true
	}
	lowered := strings.ToLower(rawURL)
	for _, pattern := range globalExcludePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	if f == nil {
		return false
	}
	return containsAny(lowered, f.exclude)
}

// NoIndex reports whether the URL is fetched and followed but never upserted.
func (f *PatternFilter) NoIndex(rawURL string) bool {
	if f == nil {
		return false
	}
	return containsAny(strings.ToLower(rawURL), f.noIndex)
}

func lowerAll(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(lowered string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}
