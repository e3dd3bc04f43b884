package message

import (
	"html"
	"regexp"
	"strings"
)

// Max messages are plain text. Matrix clients send HTML in formatted_body,
// so outgoing messages get flattened: structure survives as lightweight
// markdown, links keep their targets, everything else is stripped.

var (
	brRE        = regexp.MustCompile(`(?i)<br\s*/?>`)
	paraCloseRE = regexp.MustCompile(`(?i)</p>`)
	preRE       = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)
	codeRE      = regexp.MustCompile(`(?is)<code[^>]*>(.*?)</code>`)
	boldRE      = regexp.MustCompile(`(?is)<(?:b|strong)>(.*?)</(?:b|strong)>`)
	italicRE    = regexp.MustCompile(`(?is)<(?:i|em)>(.*?)</(?:i|em)>`)
	anchorRE    = regexp.MustCompile(`(?is)<a\s+[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	tagRE       = regexp.MustCompile(`(?s)<[^>]*>`)
)

// HTMLToPlain flattens a Matrix formatted_body into Max-compatible plain
// text with markdown-style emphasis.
func HTMLToPlain(input string) string {
	out := preRE.ReplaceAllStringFunc(input, func(match string) string {
		body := preRE.FindStringSubmatch(match)[1]
		body = strings.Trim(tagRE.ReplaceAllString(body, ""), "\n")
		return "```\n" + body + "\n```"
	})
	out = codeRE.ReplaceAllString(out, "`$1`")
	out = boldRE.ReplaceAllString(out, "*$1*")
	// ${1} is required here: Expand would otherwise read "$1_" as the
	// group named "1_".
	out = italicRE.ReplaceAllString(out, "_${1}_")
	out = brRE.ReplaceAllString(out, "\n")
	out = paraCloseRE.ReplaceAllString(out, "\n")

	// Keep link targets: "text (url)", or just the url when the anchor
	// text is the url itself.
	out = anchorRE.ReplaceAllStringFunc(out, func(match string) string {
		sub := anchorRE.FindStringSubmatch(match)
		href := sub[1]
		text := strings.TrimSpace(tagRE.ReplaceAllString(sub[2], ""))
		if text == "" || text == href {
			return href
		}
		if strings.HasPrefix(href, "https://matrix.to/") {
			// Mention pill: the display name alone reads better.
			return text
		}
		return text + " (" + href + ")"
	})

	out = tagRE.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	return strings.TrimRight(out, "\n")
}

// PlainToHTML renders Max plain text as a Matrix formatted_body. Returns ""
// when the text needs no formatting, so the caller can skip the format
// fields entirely.
func PlainToHTML(text string) string {
	if !strings.Contains(text, "\n") {
		return ""
	}
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
}
