package models

import "strings"

// NormalizeNumber reduces a phone number to its international digits:
// separators and "+" are dropped, a leading "00" exit code is removed.
func NormalizeNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimPrefix(b.String(), "00")
}

// MatchesPrefix reports whether a normalized number starts with prefix
func MatchesPrefix(number, prefix string) bool {
	prefix = NormalizeNumber(prefix)
	return prefix != "" && strings.HasPrefix(number, prefix)
}
