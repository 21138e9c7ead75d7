package extract

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// ResolveLang picks the document language: the source's own declaration wins,
// then the configured site hint, then statistical detection when reliable.
func ResolveLang(declared, hint, text string) string {
	if lang := normalizeLangTag(declared); lang != "" {
		return lang
	}
	if lang := normalizeLangTag(hint); lang != "" {
		return lang
	}
	info := whatlanggo.Detect(text)
	if info.IsReliable() {
		if iso := whatlanggo.LangToStringShort(info.Lang); iso != "" {
			return iso
		}
	}
	return "en"
}

// normalizeLangTag reduces BCP 47 tags like "en-US" to their primary subtag.
func normalizeLangTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return ""
	}
	if idx := strings.IndexAny(tag, "-_"); idx > 0 {
		tag = tag[:idx]
	}
	if len(tag) < 2 || len(tag) > 3 {
		return ""
	}
	return tag
}
