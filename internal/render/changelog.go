package render

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Changelog flattens HTML (or markdown with inline HTML) to plain text and
// truncates it to maxChangelog runes.
func Changelog(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	text := raw
	if strings.ContainsAny(raw, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
			doc.Find("br").ReplaceWithHtml("\n")
			doc.Find("p, li, h1, h2, h3, h4, h5, h6, div, pre").Each(func(_ int, s *goquery.Selection) {
				s.AppendHtml("\n")
			})
			doc.Find("li").Each(func(_ int, s *goquery.Selection) {
				s.PrependHtml("• ")
			})
			text = doc.Text()
		}
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	text = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return truncate(strings.TrimSpace(text), maxChangelog)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
