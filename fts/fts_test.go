package fts_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdoc/kvdoc/fts"
)

func TestBreakAndNormalizeSplitsAndDedupes(t *testing.T) {
	words := fts.BreakAndNormalize("The Quick-Brown fox_fox jumps!")
	_, hasThe := words["the"]
	_, hasQuick := words["quick"]
	_, hasFox := words["fox"]
	require.True(t, hasThe)
	require.True(t, hasQuick)
	require.True(t, hasFox)
	require.Equal(t, 1, countOccurrences(words, "fox"))
}

func countOccurrences(words map[string]struct{}, w string) int {
	n := 0
	for k := range words {
		if k == w {
			n++
		}
	}
	return n
}

func TestBreakAndNormalizeCamelCase(t *testing.T) {
	words := fts.BreakAndNormalize("fooBarBaz")
	_, hasFoo := words["foo"]
	_, hasBar := words["bar"]
	_, hasBaz := words["baz"]
	require.True(t, hasFoo)
	require.True(t, hasBar)
	require.True(t, hasBaz)
}

func TestMatchesAndOrModes(t *testing.T) {
	a1 := fts.BreakAndNormalize("the quick brown fox jumps over the lzy dog")
	a2 := fts.BreakAndNormalize("bob likes his dog")

	require.True(t, fts.Matches(a1, []string{"dog"}, fts.And))
	require.True(t, fts.Matches(a2, []string{"dog"}, fts.And))

	require.False(t, fts.Matches(a1, fts.TermsOf("lazy dog"), fts.And))
	require.True(t, fts.Matches(a1, fts.TermsOf("lzy"), fts.And))

	require.True(t, fts.Matches(a1, fts.TermsOf("b z"), fts.Or))
	require.True(t, fts.Matches(a2, fts.TermsOf("b z"), fts.Or))
}

func TestMatchesAndSubsetOfOr(t *testing.T) {
	words := fts.BreakAndNormalize("alpha beta gamma")
	terms := fts.TermsOf("alpha beta delta")

	and := fts.Matches(words, terms, fts.And)
	or := fts.Matches(words, terms, fts.Or)
	if and {
		require.True(t, or)
	}
}

func TestMatchesEmptyTermsIsEmpty(t *testing.T) {
	words := fts.BreakAndNormalize("alpha beta")
	require.False(t, fts.Matches(words, nil, fts.And))
	require.False(t, fts.Matches(words, nil, fts.Or))
}
