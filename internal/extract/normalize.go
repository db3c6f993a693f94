package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
	"‘", "'", "’", "'", "‚", "'", "′", "'", "`", "'",
	"–", "-", "—", "-", "−", "-",
)

// NormalizeQuote folds compatibility forms, typographic quotes and dashes, and collapses
// whitespace so a quote can be matched against source text verbatim.
func NormalizeQuote(s string) string {
	s = norm.NFKC.String(s)
	s = quoteReplacer.Replace(s)
	var sb strings.Builder
	sb.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// QuoteMatches reports whether quote appears in source after normalizing both.
func QuoteMatches(quote, normalizedSource string) bool {
	q := NormalizeQuote(quote)
	return q != "" && strings.Contains(normalizedSource, q)
}
