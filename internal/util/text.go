package util

import (
	"strings"
	"unicode/utf8"
)

// NormalizeText trims surrounding whitespace and caps the value at max runes.
// A non-positive max disables the cap.
func NormalizeText(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// ContainsSuspicious reports markup or template fragments that have no place
// in a display name.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "}}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
