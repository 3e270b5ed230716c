package playwright

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// maxReadableLength bounds the main-content text passed to the interpreter.
const maxReadableLength = 20000

var strictPolicy = bluemonday.StrictPolicy()

// readableText extracts the main article text of a page. Pages readability
// cannot parse yield an empty string rather than an error so queries still
// run on the outline alone.
func readableText(rawHTML, pageURL string) string {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		parsedURL = &url.URL{}
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		return ""
	}

	text := collapseLines(strictPolicy.Sanitize(article.TextContent))
	if text == "" {
		return ""
	}

	var out strings.Builder
	if article.Title != "" {
		fmt.Fprintf(&out, "TITLE: %s\n", article.Title)
	}
	if article.Excerpt != "" {
		fmt.Fprintf(&out, "EXCERPT: %s\n", article.Excerpt)
	}
	out.WriteString(text)

	result := out.String()
	if len(result) > maxReadableLength {
		result = cutUTF8(result, maxReadableLength) + "\n... (content truncated) ..."
	}
	return result
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// cutUTF8 returns at most n bytes of s without splitting a character.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
