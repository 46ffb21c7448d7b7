package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate trims, uppercases and strips whitespace from a plate read.
func NormalizePlate(plate string) string {
	plate = strings.TrimSpace(plate)
	if plate == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, plate)
}
