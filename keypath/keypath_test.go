package keypath_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdoc/kvdoc/keypath"
	"github.com/kvdoc/kvdoc/schema"
)

func TestValueNested(t *testing.T) {
	doc := schema.Document{
		"a": schema.Document{"b": schema.Document{"c": "hello"}},
	}
	v, ok := keypath.Value(doc, "a.b.c")
	require.True(t, ok)
	require.Equal(t, "hello", v)
}

func TestValueAbsent(t *testing.T) {
	doc := schema.Document{"a": schema.Document{}}
	_, ok := keypath.Value(doc, "a.b.c")
	require.False(t, ok)

	_, ok = keypath.Value(doc, "missing")
	require.False(t, ok)
}

func TestKeyScalar(t *testing.T) {
	doc := schema.Document{"id": "abc"}
	k, ok := keypath.Key(doc, schema.Single("id"))
	require.True(t, ok)
	require.Equal(t, "abc", k)
}

func TestKeyCompound(t *testing.T) {
	doc := schema.Document{"a": "indexa3", "b": "indexb3"}
	k, ok := keypath.Key(doc, schema.Compound("a", "b"))
	require.True(t, ok)
	require.Equal(t, []any{"indexa3", "indexb3"}, k)
}

func TestKeyCompoundAbsentComponent(t *testing.T) {
	doc := schema.Document{"a": "indexa3"}
	_, ok := keypath.Key(doc, schema.Compound("a", "b"))
	require.False(t, ok)
}
