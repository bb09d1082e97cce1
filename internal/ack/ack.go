// Package ack decides whether a short customer message is a closing
// acknowledgement of a staff reply rather than new unresolved inbound.
package ack

import (
	"regexp"
	"strings"
)

// maxLen bounds the normalized text. A long message is never a plain
// acknowledgement even if it starts like one. Prefix matches get a tighter
// bound so "thanks but ..." complaints don't slip through.
const (
	maxLen       = 48
	prefixMaxLen = 30
)

// exactPhrases match the whole normalized message.
var exactPhrases = phraseSet(
	"ok", "okay", "k", "kk",
	"thanks", "thank you", "thank u", "thx", "ty", "tyvm",
	"got it", "gotcha", "sounds good", "perfect", "great", "awesome",
	"will do", "no problem", "np", "all good", "all set", "understood",
	"cool", "yes", "yep", "yup", "sure",
	"appreciate it", "much appreciated", "good to know",
	"see you then", "see you", "bye",
)

func phraseSet(phrases ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		set[p] = struct{}{}
	}
	return set
}

// prefixes match the start of the normalized message, e.g.
// "thanks so much, talk soon".
var prefixes = []string{
	"thank you",
	"thanks",
	"thank u",
	"ok thanks",
	"ok thank",
	"got it",
	"sounds good",
	"perfect thank",
	"awesome thank",
	"great thank",
	"appreciate",
}

// emojiOnly matches messages made entirely of acknowledgement emoji,
// whitespace, and variation selectors.
var emojiOnly = regexp.MustCompile(`^[\x{1F44D}\x{1F44C}\x{1F64F}\x{2764}\x{1F600}-\x{1F60F}\x{1F642}\x{1F970}\x{2705}\x{1F4AF}\x{FE0F}\x{200D}\s]+$`)

// punctStripper removes punctuation and collapses whitespace during
// normalization. Emoji and letters survive.
var punctStripper = regexp.MustCompile(`[.,!?;:'"()\x60~\-_*]+`)

var spaceCollapser = regexp.MustCompile(`\s+`)

// Normalize lowercases, strips punctuation, and collapses whitespace.
func Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = punctStripper.ReplaceAllString(s, " ")
	s = spaceCollapser.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsAcknowledgement reports whether text is a closing acknowledgement:
// an exact phrase, a phrase-prefixed short message, or emoji-only.
func IsAcknowledgement(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if emojiOnly.MatchString(trimmed) {
		return true
	}
	// A question is always new inbound, whatever it starts with.
	if strings.Contains(trimmed, "?") {
		return false
	}

	s := Normalize(trimmed)
	if s == "" || len(s) > maxLen {
		return false
	}
	if _, ok := exactPhrases[s]; ok {
		return true
	}
	if len(s) > prefixMaxLen {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
