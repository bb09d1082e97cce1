package utils

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)
var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone canonicalizes a phone number to +E.164-ish form. Bare
// 10-digit numbers are assumed US.
func NormalizePhone(p string) string {
	s := nonPhoneChars.ReplaceAllString(strings.TrimSpace(p), "")
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !strings.HasPrefix(s, "+") {
		digits := nonDigits.ReplaceAllString(s, "")
		if len(digits) == 10 {
			return "+1" + digits
		}
	}
	return s
}

// MaskPhone hides all but the last four digits for SMS display.
func MaskPhone(p string) string {
	s := strings.TrimSpace(p)
	if strings.HasPrefix(s, "+1") && len(s) >= 12 {
		return "+1***" + s[len(s)-4:]
	}
	if len(s) >= 4 {
		return "***" + s[len(s)-4:]
	}
	if s == "" {
		return "Unknown"
	}
	return s
}

var contactIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{10,}$`)

// LooksLikeContactID reports whether a command token is plausibly a CRM
// contact id rather than a phone number or a name.
func LooksLikeContactID(s string) bool {
	return contactIDPattern.MatchString(s)
}
