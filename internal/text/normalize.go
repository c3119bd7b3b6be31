// Package text holds the deterministic cleanup shared by corpus building and inference.
package text

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// tagRegex matches HTML/XML tags, shortest match first
var tagRegex = regexp.MustCompile(`<.*?>`)

// Normalizer maps raw text to normalized text.
type Normalizer func(string) string

// Normalize cleans text in three steps:
// 1. Remove HTML/XML tags
// 2. Remove every character that is not an ASCII letter, digit or whitespace
// 3. Collapse internal whitespace to single spaces and trim
//
// The result contains only [A-Za-z0-9 ] and Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = tagRegex.ReplaceAllString(s, "")

	s = strings.Map(func(r rune) rune {
		if isKept(r) {
			return r
		}
		return -1
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

// Fold decomposes s (NFKD) before normalizing, so accented letters keep their
// base letter ("café" -> "cafe") instead of being dropped.
func Fold(s string) string {
	return Normalize(norm.NFKD.String(s))
}

// For returns the normalizer selected by the fold_accents setting.
func For(foldAccents bool) Normalizer {
	if foldAccents {
		return Fold
	}
	return Normalize
}

// isKept reports whether r survives step 2. Unicode whitespace is kept here and
// collapsed to ASCII spaces in step 3.
func isKept(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r <= unicode.MaxASCII:
		return unicode.IsSpace(r)
	default:
		return false
	}
}
