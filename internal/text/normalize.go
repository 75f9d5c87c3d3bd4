package text

import (
	"regexp"
	"strings"
)

var unicodeReplacer = strings.NewReplacer(
	"\u2018", "'",
	"\u2019", "'",
	"\u201c", `"`,
	"\u201d", `"`,
	"\u2013", "-",
	"\u2014", "-",
	"\u2026", "...",
	"\u00a0", " ",
	"\u00b7", "-",
	"\uf0b7", "-", // private-use bullets emitted by some PDF fonts
	"\uf0a7", "-",
	"\r\n", "\n",
)

var (
	hyphenBreakRe   = regexp.MustCompile(`(\w+)-\n(\w+)`)
	softBreakRe     = regexp.MustCompile(`(\w{3,})\n(\w{3,})`)
	multiSpaceRe    = regexp.MustCompile(`[ \t]+`)
	manyNewlinesRe  = regexp.MustCompile(`\n{3,}`)
	trailingSpaceRe = regexp.MustCompile(` +\n`)
	leadingSpaceRe  = regexp.MustCompile(`\n +`)
	pageNumberRe    = regexp.MustCompile(`\n\d{1,4}\n`)
	pageOfRe        = regexp.MustCompile(`[Pp]age\s+\d+\s*(of\s+\d+)?`)
)

// Normalize cleans text extracted from PDFs or plain files. Paragraph breaks
// ("\n\n") survive; everything else collapses to single spaces or newlines.
// Aggressive also strips page numbers and "Page X of Y" markers.
func Normalize(raw string, aggressive bool) string {
	if raw == "" {
		return ""
	}

	s := unicodeReplacer.Replace(raw)

	s = hyphenBreakRe.ReplaceAllString(s, "$1$2")
	s = softBreakRe.ReplaceAllString(s, "$1 $2")
	s = strings.ReplaceAll(s, "\f", "\n\n")
	s = multiSpaceRe.ReplaceAllString(s, " ")

	s = manyNewlinesRe.ReplaceAllString(s, "\n\n")
	s = trailingSpaceRe.ReplaceAllString(s, "\n")
	s = leadingSpaceRe.ReplaceAllString(s, "\n")
	// Whitespace-only lines between paragraphs can leave runs of newlines behind.
	s = manyNewlinesRe.ReplaceAllString(s, "\n\n")

	if aggressive {
		s = pageNumberRe.ReplaceAllString(s, "\n")
		s = pageOfRe.ReplaceAllString(s, "")
	}

	return strings.TrimSpace(s)
}
