package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FallbackParagraphs walks the whole document and returns every paragraph-
// like text block in document order. The completeness guard uses this to
// augment thin extractions; it deliberately ignores container scoring so it
// can find text the main extractors rejected.
func FallbackParagraphs(markup string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	doc.Find("p, li, blockquote, td, div").Each(func(_ int, s *goquery.Selection) {
		// Skip containers whose text comes from child blocks.
		if s.ChildrenFiltered("p, li, blockquote, div, table, ul, ol").Length() > 0 {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len(text) < 40 {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		out = append(out, text)
	})
	return out
}
