package util

import "strings"

// invisible runs that PDF extractors leave inside words: replacement
// characters, zero-width spaces and joiners, byte order marks, soft hyphens.
var invisible = strings.NewReplacer(
	"\uFFFD", "",
	"\u200B", "",
	"\u200C", "",
	"\u200D", "",
	"\uFEFF", "",
	"\u00AD", "",
)

// SanitizeText cleans extracted page and chunk text before it is chunked,
// embedded or stored. It drops NUL (rejected by Postgres text columns),
// other control characters except newlines and tabs, invalid UTF-8, and
// invisible runes that would otherwise split tokens for the lexical
// embedder.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToValidUTF8(s, "")
	s = invisible.Replace(s)

	r := make([]rune, 0, len(s))
	for _, ch := range s {
		switch {
		case ch == '\n' || ch == '\r' || ch == '\t':
			r = append(r, ch)
		case ch < 0x20 || ch == 0x7f:
		default:
			r = append(r, ch)
		}
	}
	return strings.TrimSpace(string(r))
}
