package format

import (
	"unicode/utf8"

	"golang.org/x/text/width"
)

// TruncateBytes truncates s to at most maxBytes bytes without splitting a
// multi-byte UTF-8 rune, appending "..." when truncation occurs. maxBytes<=0
// means no limit.
func TruncateBytes(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	const suffix = "..."
	budget := maxBytes - len(suffix)
	if budget <= 0 {
		return suffix[:maxBytes]
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

// TruncateChars truncates s to at most maxChars *display columns*, treating
// East-Asian wide/fullwidth runes (golang.org/x/text/width) as two columns
// wide, matching spec.md §3's ToolContext.max_response_chars intent of
// bounding a tool's output as the user would actually see it rendered, not
// just its rune count. maxChars<=0 means no limit.
func TruncateChars(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	cols := 0
	for i, r := range s {
		w := runeWidth(r)
		if cols+w > maxChars {
			if i == 0 {
				return ""
			}
			return s[:i] + "..."
		}
		cols += w
	}
	return s
}

func runeWidth(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}
