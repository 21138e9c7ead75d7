package extract

import "github.com/PuerkitoBio/goquery"

// containerSelectors are tried in order before falling back to the largest
// text block. The list covers common CMS content wrappers plus the MediaWiki
// body container.
var containerSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".post-content",
	".entry-content",
	".article-content",
	".content-main",
	".main-content",
	"#content",
	".content",
	".mw-parser-output",
}

const noiseSelector = "nav, header, footer, aside, form, script, style, iframe, noscript, " +
	".sidebar, .widget, .menu, .ad, .ads, .advertisement, #sidebar, #menu"

// removeBoilerplate strips navigation and decoration so selector and
// heuristic extraction see only prose.
func removeBoilerplate(doc *goquery.Document) {
	doc.Find(noiseSelector).Remove()
}

// heuristicText finds the main prose of a page without site-specific hints:
// first a known content container, then the block element with the most text.
func heuristicText(doc *goquery.Document) string {
	for _, selector := range containerSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := Normalize(sel.Text()); len([]rune(text)) >= MinContentChars {
			return text
		}
	}
	return largestTextBlock(doc)
}

func largestTextBlock(doc *goquery.Document) string {
	best := ""
	doc.Find("div, section, td").Each(func(_ int, sel *goquery.Selection) {
		// Skip wrappers; the leaf container holds the prose.
		if sel.ChildrenFiltered("div, section").Length() > 0 {
			return
		}
		text := Normalize(sel.Text())
		if len(text) > len(best) {
			best = text
		}
	})
	if best != "" {
		return best
	}
	return Normalize(doc.Find("body").Text())
}
