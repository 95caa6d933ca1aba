package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var folder = cases.Fold()

// Normalize lowercases (full Unicode case folding), strips punctuation, and
// collapses whitespace so cosmetically different titles compare equal.
func Normalize(value string) string {
	folded := folder.String(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// WorkKey derives the stable work identifier for a title/author pair. At most
// one non-terminal acquisition task may exist per key.
func WorkKey(title, author string) string {
	t := Normalize(title)
	a := Normalize(author)
	if a == "" {
		return t
	}
	return t + "|" + a
}

// DisplayTitle renders a title in English title case for notifications and
// operator output.
func DisplayTitle(value string) string {
	return cases.Title(language.English).String(strings.TrimSpace(value))
}
