package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

const maxFilenameLength = 255

var unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}._\s()-]`)

// SanitizeFilename cleans a client-supplied batch filename for storage. It
// drops any directory part, removes characters outside letters, digits and
// safe punctuation, and caps the length at 255 runes. The result may be empty.
func SanitizeFilename(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.Trim(name, " .")
	if r := []rune(name); len(r) > maxFilenameLength {
		name = string(r[:maxFilenameLength])
	}
	return name
}
