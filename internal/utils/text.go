package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// RedactPII masks emails and phone-number-shaped digit runs before text
// leaves the system.
func RedactPII(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	s = phonePattern.ReplaceAllStringFunc(s, func(m string) string {
		digits := nonDigits.ReplaceAllString(m, "")
		if len(digits) >= 4 {
			return "[phone ***" + digits[len(digits)-4:] + "]"
		}
		return "[phone]"
	})
	return strings.TrimSpace(s)
}
