package tgui

import (
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// TruncRunes returns s truncated to at most n runes, with "…" appended when
// something was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// HumanBytes formats a file size for display; unknown sizes render as "?".
func HumanBytes(n int64) string {
	if n <= 0 {
		return "?"
	}
	return humanize.Bytes(uint64(n))
}
