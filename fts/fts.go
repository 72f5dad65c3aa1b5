// Package fts implements full-text tokenization and search-resolution
// semantics: breaking a phrase into a deduplicated, normalized set of word
// tokens, and the And/Or term-matching modes used by full-text indexes.
package fts

import (
	"unicode"

	"github.com/kvdoc/kvdoc/keypath"
	"github.com/kvdoc/kvdoc/schema"
)

// Resolution selects how multiple search terms combine.
type Resolution int

const (
	// And requires every term to match (prefix semantics).
	And Resolution = iota
	// Or matches if any term matches.
	Or
)

// BreakAndNormalize splits phrase into a deduplicated set of lowercased
// word tokens. It splits on any non-alphanumeric run and on camel-case
// boundaries (a lowercase-to-uppercase transition), discarding empty
// tokens. Order is irrelevant; duplicates collapse.
func BreakAndNormalize(phrase string) map[string]struct{} {
	words := splitCamelAndNonAlnum(phrase)
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = deburrLower(w)
		if w == "" {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// splitCamelAndNonAlnum splits on runs of non-alphanumeric runes and, for
// the alphanumeric runs that remain, further splits on a lower-to-upper
// transition (camelCase) so "fooBar" tokenizes as "foo", "Bar".
func splitCamelAndNonAlnum(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && len(cur) > 0 {
			prev := runes[i-1]
			if unicode.IsLower(prev) && unicode.IsUpper(r) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// deburrLower lowercases s and folds the precomposed accented Latin-1
// letters listed in asciiFold to their unaccented ASCII base letter, the
// practical subset of "deburring" needed for ASCII/Latin-1 word matching.
// No Unicode normalization is applied; other accented letters are kept
// as they are.
func deburrLower(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		r = unicode.ToLower(r)
		if repl, ok := asciiFold[r]; ok {
			r = repl
		}
		out = append(out, r)
	}
	return string(out)
}

var asciiFold = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ñ': 'n', 'ç': 'c', 'ý': 'y',
}

// WordsForItem reads the text at kp in item and tokenizes it. kp must name
// a single string keypath; a missing or non-string value yields an empty
// set.
func WordsForItem(kp schema.KeyPath, item schema.Document) map[string]struct{} {
	v, ok := keypath.Value(item, kp.Single())
	if !ok {
		return map[string]struct{}{}
	}
	s, ok := v.(string)
	if !ok {
		return map[string]struct{}{}
	}
	return BreakAndNormalize(s)
}

// Matches reports whether the token set indexWords satisfies a search for
// the given query terms under resolution. Terms match as prefixes of an
// indexed token (e.g. query term "lazy" does not match indexed token
// "lzy", but "lz" would).
func Matches(indexWords map[string]struct{}, terms []string, resolution Resolution) bool {
	if len(terms) == 0 {
		return false
	}
	matchTerm := func(term string) bool {
		for w := range indexWords {
			if len(w) >= len(term) && w[:len(term)] == term {
				return true
			}
		}
		return false
	}
	switch resolution {
	case And:
		for _, t := range terms {
			if !matchTerm(t) {
				return false
			}
		}
		return true
	case Or:
		for _, t := range terms {
			if matchTerm(t) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// TermsOf tokenizes a search phrase into an ordered slice of terms,
// suitable for driving Matches or for building a backend-specific query
// (FTS3 MATCH, LIKE fallback).
func TermsOf(phrase string) []string {
	set := BreakAndNormalize(phrase)
	terms := make([]string, 0, len(set))
	for t := range set {
		terms = append(terms, t)
	}
	return terms
}
