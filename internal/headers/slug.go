// Package headers builds canonical header clusters from analysis results by
// combining synonym aliases, transliteration, fuzzy similarity, and type
// profile agreement over a union-find graph.
package headers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/norm"
)

// Fixed Cyrillic to Latin table used before diacritic stripping.
var cyrillicLatin = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'ґ': "g", 'д': "d",
	'е': "e", 'ё': "e", 'є': "ye", 'ж': "zh", 'з': "z", 'и': "i",
	'і': "i", 'ї': "yi", 'й': "i", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t",
	'у': "u", 'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh",
	'щ': "shch", 'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu",
	'я': "ya",
}

var combiningStripper = runes.Remove(runes.In(unicode.Mn))

func transliterate(value string) string {
	var sb strings.Builder
	sb.Grow(len(value))
	for _, r := range value {
		if latin, ok := cyrillicLatin[r]; ok {
			sb.WriteString(latin)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CanonicalSlug lowercases, transliterates Cyrillic, strips combining
// marks, and collapses runs of non-alphanumerics to single spaces.
func CanonicalSlug(text string) string {
	lowered := strings.ToLower(text)
	transliterated := transliterate(lowered)
	decomposed := norm.NFD.String(transliterated)
	stripped, _, _ := combiningStripper.String(decomposed)

	var sb strings.Builder
	sb.Grow(len(stripped))
	pendingSpace := false
	for _, r := range stripped {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			pendingSpace = false
			sb.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return sb.String()
}

// Skeleton removes vowels and spaces from a slug.
func Skeleton(slug string) string {
	var sb strings.Builder
	sb.Grow(len(slug))
	for _, r := range slug {
		switch r {
		case 'a', 'e', 'i', 'o', 'u', 'y', ' ':
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
