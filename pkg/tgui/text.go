package tgui

import "strings"

// TruncRunes cuts s to n runes, marking the cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}

// OneLine collapses whitespace so s fits a single list row.
func OneLine(s string) string { return strings.Join(strings.Fields(s), " ") }
