package enrich

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// noise is removed before text extraction.
const noise = "script, style, noscript, svg, template, iframe, nav, header, footer, form, button"

// contentSelectors are tried in order; the first non-empty match wins.
// GitHub and GitLab render README files inside the first two.
var contentSelectors = []string{
	"article.markdown-body",
	".readme",
	"#readme",
	"main",
	"article",
	"[role=main]",
	"#content",
	"body",
}

// Extract returns the page title and the whitespace-normalised main text of
// an HTML document. It is a pure function of its input.
func Extract(html []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", "", eris.Wrap(err, "enrich: parse html")
	}

	title = normalizeSpace(doc.Find("title").First().Text())
	if title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
			title = normalizeSpace(og)
		}
	}

	doc.Find(noise).Remove()

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if t := blockText(node); t != "" {
			return title, t, nil
		}
	}

	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		text = normalizeSpace(desc)
	}
	return title, text, nil
}

// blockText joins the text of block-level children with newlines so
// paragraphs do not run together.
func blockText(s *goquery.Selection) string {
	var lines []string
	s.Find("h1, h2, h3, h4, h5, h6, p, li, pre, td, dd, dt, blockquote").Each(func(_ int, n *goquery.Selection) {
		// Nested blocks are reached through their own match.
		if n.Find("p, li, pre").Length() > 0 {
			return
		}
		if line := normalizeSpace(n.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return normalizeSpace(s.Text())
	}
	return strings.Join(lines, "\n")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
