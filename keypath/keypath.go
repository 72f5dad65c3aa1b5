// Package keypath resolves dotted keypaths against documents: absent at
// any level along the walk means the whole lookup is absent.
package keypath

import (
	"strings"

	"github.com/kvdoc/kvdoc/schema"
)

// Value resolves a single dotted path against doc. ok is false if any
// segment along the path is missing or nil.
func Value(doc schema.Document, path string) (any, bool) {
	v, ok := valueAt(doc, strings.Split(path, "."))
	if !ok {
		return nil, false
	}
	return v, true
}

func valueAt(node any, segments []string) (any, bool) {
	if len(segments) == 0 {
		if node == nil {
			return nil, false
		}
		return node, true
	}
	m, ok := node.(schema.Document)
	if !ok {
		if m2, ok2 := node.(map[string]any); ok2 {
			m = m2
		} else {
			return nil, false
		}
	}
	next, present := m[segments[0]]
	if !present || next == nil {
		return nil, false
	}
	return valueAt(next, segments[1:])
}

// Key resolves a keypath against doc into a single key component (scalar
// keypath) or a slice of components (compound keypath). ok is false if
// any component is absent.
func Key(doc schema.Document, kp schema.KeyPath) (any, bool) {
	if !kp.IsCompound() {
		return Value(doc, kp.Single())
	}
	components := make([]any, 0, kp.Arity())
	for _, p := range kp.Paths() {
		v, ok := Value(doc, p)
		if !ok {
			return nil, false
		}
		components = append(components, v)
	}
	return components, true
}

// IsCompoundKeyPath reports whether kp names more than one path.
func IsCompoundKeyPath(kp schema.KeyPath) bool { return kp.IsCompound() }

// Components returns kp's key components as a slice, regardless of
// arity -- convenient for callers that always want to range over the
// result of Key.
func Components(key any, kp schema.KeyPath) []any {
	if !kp.IsCompound() {
		return []any{key}
	}
	return key.([]any)
}
