package mail

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is one hyperlink found in a mail body.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// ExtractLinks returns every http(s) anchor from the HTML body, falling
// back to bare URLs in the text body when no HTML part exists. Each linked
// site gets its own website submission downstream.
func ExtractLinks(m *Message) []Link {
	if m.HTML != "" {
		if links := extractHTMLLinks(m.HTML); len(links) > 0 {
			return links
		}
	}
	return extractTextLinks(m.Text)
}

func extractHTMLLinks(html string) []Link {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var links []Link
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !isHTTPURL(href) || seen[href] {
			return
		}
		seen[href] = true
		links = append(links, Link{
			Href: href,
			Text: strings.TrimSpace(sel.Text()),
		})
	})
	return links
}

func extractTextLinks(text string) []Link {
	var links []Link
	seen := make(map[string]bool)
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,;:!?()<>[]\"'")
		if !isHTTPURL(field) || seen[field] {
			continue
		}
		seen[field] = true
		links = append(links, Link{Href: field})
	}
	return links
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
