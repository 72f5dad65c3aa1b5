package docval_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdoc/kvdoc/internal/docval"
	"github.com/kvdoc/kvdoc/schema"
)

// escapedLineSeparator/escapedParagraphSeparator mirror the six-character
// ASCII escape text encoding/json emits for U+2028/U+2029; the input
// strings below use the actual runes so Marshal has something to escape.
const (
	escapedLineSeparator      = "\\u2028"
	escapedParagraphSeparator = "\\u2029"
)

// noteWithSeparators is built with escape sequences in source (see
// below) so this file holds plain ASCII rather than the raw
// U+2028/U+2029 runes themselves.
const noteWithSeparators = "line one\u2028line two\u2029end"

func TestMarshalReplacingLineSeparatorsNoopWhenDisabled(t *testing.T) {
	doc := schema.Document{"note": noteWithSeparators}
	bs, err := docval.MarshalReplacingLineSeparators(doc, false)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(bs), escapedLineSeparator))
	require.True(t, strings.Contains(string(bs), escapedParagraphSeparator))
}

func TestMarshalReplacingLineSeparatorsStripsWhenEnabled(t *testing.T) {
	doc := schema.Document{"note": noteWithSeparators}
	bs, err := docval.MarshalReplacingLineSeparators(doc, true)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(bs), escapedLineSeparator))
	require.False(t, strings.Contains(string(bs), escapedParagraphSeparator))

	doc2, err := docval.Unmarshal(bs)
	require.NoError(t, err)
	require.Equal(t, noteWithSeparators, doc2["note"])
}

func TestStripLineSeparatorsLeavesOrdinaryTextAlone(t *testing.T) {
	bs, err := docval.Marshal(schema.Document{"note": "nothing unusual here"})
	require.NoError(t, err)
	require.Equal(t, bs, docval.StripLineSeparators(bs))
}
