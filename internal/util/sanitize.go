package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters. Used on
// free-text fields (deactivation/deletion reasons) before they are stored.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}
