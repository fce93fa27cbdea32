package sanitize

import (
	"strings"
	"unicode"
)

// Line sanitizes a single line of process output for display by removing
// control characters (ANSI escapes, carriage returns) and limiting the
// length. Used for stderr excerpts before they are broadcast to clients.
func Line(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
