package models

import (
	"strings"
	"unicode/utf8"
)

// maxSessionNameLen bounds names derived from a first message.
const maxSessionNameLen = 40

// Slugify converts a name into a lowercase, hyphen-separated file name stem.
// Characters other than ASCII letters, digits, hyphens and spaces are dropped.
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// SessionNameFromMessage derives a session name from the first message of a session.
func SessionNameFromMessage(content string) string {
	name := strings.Join(strings.Fields(content), " ")
	if name == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(name) <= maxSessionNameLen {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:maxSessionNameLen-3])) + "..."
}
