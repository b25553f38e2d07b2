package matching

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes free text for comparison: lower-cased, every rune
// that is not a letter, digit, underscore or whitespace removed, whitespace
// runs collapsed to one space and the ends trimmed.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAll normalizes every entry, keeping positions aligned with the input.
func NormalizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Normalize(v)
	}
	return out
}
