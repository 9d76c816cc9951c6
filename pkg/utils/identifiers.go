package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for file and directory names.
// Model ids like "org/model:tag" leak into run and session identifiers;
// their separators become dashes.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// Slug derives a directory-name fragment from free text, for naming spec
// directories after their task. Letters and digits are kept lowercased,
// every other run of characters collapses to a single dash, and the result
// never exceeds maxLen bytes.
func Slug(text string, maxLen int) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(text) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		need := len(string(r))
		if pendingDash {
			need++
		}
		if b.Len()+need > maxLen {
			break
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
