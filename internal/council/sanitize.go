package council

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeQuery strips NUL bytes and control characters from a query,
// keeping TAB, LF and CR. Surrounding whitespace is preserved.
func SanitizeQuery(q string) string {
	if !needsSanitizing(q) {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for _, r := range q {
		if isStrippable(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QueryLength counts a query's length in characters, not bytes.
func QueryLength(q string) int {
	return utf8.RuneCountInString(q)
}

func isStrippable(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func needsSanitizing(q string) bool {
	for _, r := range q {
		if isStrippable(r) {
			return true
		}
	}
	return false
}
