package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate приводит номер к каноническому виду: верхний регистр, только буквы и цифры
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(plate) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAttribute uppercases and collapses whitespace, so "dark  grey"
// and "Dark Grey" compare equal.
func NormalizeAttribute(value string) string {
	return strings.Join(strings.Fields(strings.ToUpper(value)), " ")
}

// NormalizeCameraID is used for case-insensitive topology lookups.
func NormalizeCameraID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
