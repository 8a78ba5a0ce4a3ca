package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON content, falling back to raw on parse
// failure.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted), "json"
	}
	return string(body), "raw"
}

// Regex-based HTML extraction. Not a full readability pipeline, but enough
// for articles, docs, and READMEs without pulling in a DOM parser.
var (
	reScript  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reNav     = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter  = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reHeader  = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reMultiNL = regexp.MustCompile(`\n{3,}`)
	reMultiSP = regexp.MustCompile(`[ \t]{2,}`)

	reHeadings  = buildHeadingRes()
	reParagraph = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reAnchor    = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	rePre       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode      = regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`)
	reStrong    = regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	reEm        = regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	reBlockq    = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	reImg       = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
)

func buildHeadingRes() [6]*regexp.Regexp {
	var res [6]*regexp.Regexp
	for i := range res {
		res[i] = regexp.MustCompile(fmt.Sprintf(`(?i)<h%d[^>]*>([\s\S]*?)</h%d>`, i+1, i+1))
	}
	return res
}

// htmlToMarkdown converts HTML to a markdown-like format.
func htmlToMarkdown(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")

	for i, re := range reHeadings {
		marker := strings.Repeat("#", i+1)
		s = re.ReplaceAllString(s, "\n"+marker+" $1\n")
	}

	// Code blocks before generic tag stripping so their contents survive.
	s = rePre.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = reCode.ReplaceAllString(s, "`$1`")

	s = reBlockq.ReplaceAllStringFunc(s, func(match string) string {
		inner := reBlockq.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
		quoted := make([]string, 0, len(lines))
		for _, l := range lines {
			quoted = append(quoted, "> "+strings.TrimSpace(l))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	s = reAnchor.ReplaceAllString(s, "[$2]($1)")
	s = reImg.ReplaceAllString(s, "![$1]")
	s = reStrong.ReplaceAllString(s, "**$1**")
	s = reEm.ReplaceAllString(s, "*$1*")
	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text from HTML content.
func htmlToText(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")

	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	clean := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

// markdownToText strips markdown formatting for text mode.
func markdownToText(md string) string {
	s := regexp.MustCompile(`(?m)^#{1,6}\s+`).ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = regexp.MustCompile("`[^`]+`").ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`).ReplaceAllString(s, "$1")
	s = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`).ReplaceAllString(s, "$1")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&mdash;", "—",
		"&ndash;", "–",
		"&laquo;", "«",
		"&raquo;", "»",
		"&bull;", "•",
		"&hellip;", "...",
		"&copy;", "(c)",
		"&reg;", "(R)",
		"&trade;", "(TM)",
	)
	return replacer.Replace(s)
}
