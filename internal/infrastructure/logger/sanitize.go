package logger

import (
	"fmt"
	"strings"
)

// SanitizeForLog escapes control characters so untrusted input (source refs,
// subprocess output) cannot forge log lines or drive the terminal. Printable
// Unicode passes through unchanged.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 32 || r == 127:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeTail keeps at most the last max bytes of s, cut on a rune
// boundary, then sanitizes it.
func SanitizeTail(s string, max int) string {
	if max > 0 && len(s) > max {
		cut := len(s) - max
		for cut < len(s) && (s[cut]&0xC0) == 0x80 {
			cut++
		}
		s = "..." + s[cut:]
	}
	return SanitizeForLog(s)
}
