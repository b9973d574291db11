package wordidx

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

/*
Package wordidx turns free text into token sets and compares them.

Rules:
- Keep only ident-like words: start with Unicode letter or '_' and continue with letter/digit/'_'.
- Words are lowercased; a trailing plural "s" is dropped from words longer than three runes.
- Stopwords and single-rune words are ignored.
*/

// Set is a token set.
type Set map[string]struct{}

// Has reports whether w (normalized the same way as Tokens) is in the set.
func (s Set) Has(w string) bool {
	_, ok := s[normalize(w)]
	return ok
}

// Tokens returns the normalized token set of text.
func Tokens(text string) Set {
	out := Set{}
	isStart := func(r rune) bool { return r == '_' || unicode.IsLetter(r) }
	isCont := func(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

	src := text
	i := 0
	for i < len(src) {
		r, w := utf8.DecodeRuneInString(src[i:])
		if r == utf8.RuneError && w == 1 {
			// Treat invalid bytes as delimiters.
			i++
			continue
		}
		if isStart(r) {
			start := i
			i += w
			for i < len(src) {
				rc, wc := utf8.DecodeRuneInString(src[i:])
				if !isCont(rc) {
					break
				}
				i += wc
			}
			if word := normalize(src[start:i]); word != "" {
				out[word] = struct{}{}
			}
			continue
		}
		i += w
	}
	return out
}

func normalize(word string) string {
	word = strings.ToLower(strings.TrimSpace(word))
	if utf8.RuneCountInString(word) < 2 {
		return ""
	}
	if _, stop := stopwords[word]; stop {
		return ""
	}
	if utf8.RuneCountInString(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		word = strings.TrimSuffix(word, "s")
	}
	return word
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets have similarity 0.
func Jaccard(a, b Set) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity is Jaccard over the token sets of two texts.
func Similarity(a, b string) float64 {
	return Jaccard(Tokens(a), Tokens(b))
}

// Hits counts how many of the keywords occur in the set.
func Hits(s Set, keywords []string) int {
	n := 0
	seen := map[string]struct{}{}
	for _, k := range keywords {
		k = normalize(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := s[k]; ok {
			n++
		}
	}
	return n
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "is": {}, "are": {}, "be": {}, "it": {}, "me": {},
	"my": {}, "we": {}, "you": {}, "your": {}, "this": {}, "that": {}, "at": {}, "by": {},
	"as": {}, "from": {}, "please": {}, "can": {}, "do": {}, "does": {},
}
