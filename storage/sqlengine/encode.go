// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/internal/docval"
	"github.com/kvdoc/kvdoc/keycodec"
	"github.com/kvdoc/kvdoc/keypath"
	"github.com/kvdoc/kvdoc/schema"
)

// ftsJoinToken separates tokens within a non-FTS3 full-text column's
// stored value; user text cannot contain it post-tokenization, since
// fts.BreakAndNormalize strips all non-alphanumeric characters.
const ftsJoinToken = "^$^"

func primaryKeyString(sch schema.StoreSchema, item schema.Document) (string, error) {
	k, ok := keypath.Key(item, sch.PrimaryKeyPath)
	if !ok {
		return "", kvdoc.NewError(kvdoc.InvalidKeyType, "store %q: document has no resolvable primary key at %s", sch.Name, sch.PrimaryKeyPath)
	}
	return keycodec.Encode(keypath.Components(k, sch.PrimaryKeyPath)...)
}

func encodeKeyArg(kp schema.KeyPath, key any) (string, error) {
	if !kp.IsCompound() {
		return keycodec.EncodeScalar(key)
	}
	components, ok := key.([]any)
	if !ok || len(components) != kp.Arity() {
		return "", kvdoc.NewError(kvdoc.InvalidKeyType, "key shape mismatch for compound keypath %s", kp)
	}
	return keycodec.EncodeCompound(components)
}

// columnValue computes the nsp_i_<name> column value for a column-based
// index (everything except multi-entry, which lives in its own table).
// ok is false when the document has nothing to index, meaning the column
// should be written as SQL NULL.
func columnValue(ix schema.IndexSchema, item schema.Document) (string, bool, error) {
	if ix.FullText {
		words := fts.WordsForItem(ix.KeyPath, item)
		if len(words) == 0 {
			return "", false, nil
		}
		terms := make([]string, 0, len(words))
		for w := range words {
			terms = append(terms, w)
		}
		return ftsJoinToken + joinTokens(terms), true, nil
	}

	k, ok := keypath.Key(item, ix.KeyPath)
	if !ok {
		return "", false, nil
	}
	enc, err := keycodec.Encode(keypath.Components(k, ix.KeyPath)...)
	if err != nil {
		return "", false, err
	}
	return enc, true, nil
}

func joinTokens(terms []string) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += ftsJoinToken
		}
		out += t
	}
	return out
}

// multiEntryKeys returns the serialized element keys a document
// contributes to a multi-entry index's separate table.
func multiEntryKeys(ix schema.IndexSchema, item schema.Document) ([]string, bool) {
	v, found := keypath.Value(item, ix.KeyPath.Single())
	if !found {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	seen := map[string]struct{}{}
	var keys []string
	for _, elem := range arr {
		k, err := keycodec.EncodeScalar(elem)
		if err != nil {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, len(keys) > 0
}

// marshalDoc/unmarshalDoc delegate to internal/docval so SQL-stored JSON
// preserves number precision the same way the in-memory engine does.
// unicodeReplacement gates the U+2028/U+2029 platform workaround, set per
// Store from its driver's requires_unicode_replacement capability.
func marshalDoc(doc schema.Document, unicodeReplacement bool) (string, error) {
	bs, err := docval.MarshalReplacingLineSeparators(doc, unicodeReplacement)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func unmarshalDoc(s string) (schema.Document, error) {
	return docval.Unmarshal([]byte(s))
}
