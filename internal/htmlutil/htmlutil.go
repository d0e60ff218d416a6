// Package htmlutil contains HTML utilities for the search indexer.
package htmlutil

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StripHTML extracts the text of an HTML fragment, with elements
// separated by spaces. <script>, <noscript>, <style>, and <title>
// don't contain things relevant to search and are removed; <title>
// content should already be in the entry title.
func StripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// x/net/html parses anything; an error here means a broken
		// reader, which strings.Reader is not
		return html
	}

	doc.Find("script, noscript, style, title").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml("\n")
	})

	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(c.Text())
			} else {
				walk(c)
			}
		})
	}
	walk(doc.Selection)

	return b.String()
}
