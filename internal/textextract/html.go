package textextract

import (
	"context"
	"html"
	"net/url"
	"os"
	"regexp"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"
)

// HTML extracts the readable text of an HTML page.
type HTML struct{}

// Extract implements Extractor.
func (HTML) Extract(_ context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "textextract: read %s", path)
	}
	return &Result{Text: htmlText(string(data), &url.URL{Scheme: "file", Path: path}), PageCount: 1}, nil
}

var (
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockRe      = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/tr|/h[1-6])[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n+`)
	spacesRe     = regexp.MustCompile(`[ \t]+`)
	looksHTMLRe  = regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*(\s[^>]*)?/?>`)
)

// LooksLikeHTML reports whether s contains markup tags.
func LooksLikeHTML(s string) bool {
	return looksHTMLRe.MatchString(s)
}

// HTMLToText reduces an HTML fragment (a SAM.gov description, for example)
// to plain text.
func HTMLToText(s string) string {
	return htmlText(s, nil)
}

// htmlText prefers readability's article text and falls back to stripping
// tags, which suits short fragments readability rejects.
func htmlText(s string, pageURL *url.URL) string {
	if pageURL == nil {
		pageURL = &url.URL{Scheme: "file", Path: "/fragment.html"}
	}
	if article, err := readability.FromReader(strings.NewReader(s), pageURL); err == nil {
		if text := strings.TrimSpace(article.TextContent); len(text) > 100 {
			return text
		}
	}
	return stripTags(s)
}

func stripTags(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = blockRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spacesRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}
