package llm

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// htmlTag matches the block-level tags vision models emit when they answer
// in HTML instead of Markdown.
var htmlTag = regexp.MustCompile(`(?i)<(p|div|br|h[1-6]|ul|ol|li|table|tr|td|th|strong|em|b|i|code|pre)(\s[^>]*)?/?>`)

var fencedHTML = regexp.MustCompile("(?s)^```(?:html)?\\s*\n(.*?)\n```\\s*$")

// NormalizeOutput converts HTML completions to Markdown and strips a
// wrapping code fence. Plain text passes through unchanged.
func NormalizeOutput(content string) string {
	s := strings.TrimSpace(content)
	if m := fencedHTML.FindStringSubmatch(s); m != nil && htmlTag.MatchString(m[1]) {
		s = strings.TrimSpace(m[1])
	}
	if !htmlTag.MatchString(s) {
		return s
	}

	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(out)
}
