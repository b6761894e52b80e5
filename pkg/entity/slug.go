package entity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSeparate = regexp.MustCompile(`[-\s]+`)
)

// Slugify lowercases s, strips diacritics and collapses every run of spaces
// and hyphens into a single hyphen. Characters outside [a-z0-9] are dropped.
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	folded = slugInvalid.ReplaceAllString(folded, "")
	folded = slugSeparate.ReplaceAllString(folded, "-")
	return strings.Trim(folded, "-")
}
