package knowledge

import (
	"strings"
	"unicode"
)

// Similarity mirrors pg_trgm's similarity(): words are lower-cased, padded
// with two leading blanks and one trailing blank, and the score is the
// Jaccard index of the two trigram sets.
func Similarity(a, b string) float64 {
	left, right := trigrams(a), trigrams(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	shared := 0
	for gram := range left {
		if _, ok := right[gram]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(left)+len(right)-shared)
}

func trigrams(text string) map[string]struct{} {
	grams := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			grams[string(padded[i:i+3])] = struct{}{}
		}
	}
	return grams
}
