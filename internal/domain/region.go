package domain

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var parenRe = regexp.MustCompile(`^(.*?)\s*\(([^)]*)\)\s*(.*)$`)

// SplitRegion splits a free-text location into city and district.
//
// With a parenthesised fragment, the longer of the inside and outside text
// (by rune count, ties to the inside) is the city. Without parentheses the
// last word is the city and the remaining words the district.
func SplitRegion(location string) Region {
	location = strings.Join(strings.Fields(location), " ")
	if location == "" {
		return Region{}
	}

	if m := parenRe.FindStringSubmatch(location); m != nil {
		inside := strings.TrimSpace(m[2])
		outside := strings.TrimSpace(strings.TrimSpace(m[1]) + " " + strings.TrimSpace(m[3]))
		switch {
		case outside == "":
			return Region{City: inside}
		case inside == "":
			return Region{City: outside}
		case utf8.RuneCountInString(inside) >= utf8.RuneCountInString(outside):
			return Region{City: inside, District: outside}
		default:
			return Region{City: outside, District: inside}
		}
	}

	words := strings.Fields(location)
	if len(words) == 1 {
		return Region{City: words[0]}
	}
	return Region{
		City:     words[len(words)-1],
		District: strings.Join(words[:len(words)-1], " "),
	}
}

// turkishFold maps letters that do not decompose under NFD.
var turkishFold = strings.NewReplacer("ı", "i", "İ", "i", "I", "i")

// FoldName lower-cases s, strips diacritics and drops everything that is not
// a letter or digit, so "Balıkesir", "BALIKESİR" and "balikesir" compare equal.
func FoldName(s string) string {
	s = turkishFold.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
