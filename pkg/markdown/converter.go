package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphRe = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	codeBlockRe = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	headingRe   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	tagRe       = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	blankRe     = regexp.MustCompile(`\n{3,}`)

	// tags the Telegram HTML parse mode accepts
	telegramTags = map[string]bool{
		"b": true, "i": true, "u": true, "s": true,
		"code": true, "pre": true, "a": true,
	}

	replacer = strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<del>", "<s>", "</del>", "</s>",
		"<li>", "• ", "</li>\n", "\n", "</li>", "\n",
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"<hr>", "\n", "<hr/>", "\n", "<hr />", "\n",
	)
)

// ToTelegramHTML converts a markdown completion to Telegram-compatible HTML
func ToTelegramHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	return cleanHTML(html)
}

func cleanHTML(html string) string {
	html = codeBlockRe.ReplaceAllString(html, "<pre>$1</pre>")
	html = headingRe.ReplaceAllString(html, "<b>$1</b>\n")
	html = paragraphRe.ReplaceAllString(html, "$1\n")
	html = replacer.Replace(html)

	html = tagRe.ReplaceAllStringFunc(html, func(match string) string {
		name := tagRe.FindStringSubmatch(match)[1]
		if telegramTags[strings.ToLower(name)] {
			return match
		}
		return ""
	})

	html = blankRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
