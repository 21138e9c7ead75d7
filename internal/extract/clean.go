package extract

import "strings"

// Normalize collapses every run of whitespace to a single space and trims
// the result, so fingerprints ignore formatting-only changes.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Cap truncates s to at most limit runes.
func Cap(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Excerpt shortens s to at most limit runes, cutting at a word boundary and
// appending an ellipsis when anything was dropped.
func Excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}
