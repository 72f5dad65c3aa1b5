// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package schema describes the in-memory shape of a document-store schema:
// stores, their indexes, and the declared schema version.
package schema

import (
	"encoding/json"

	"github.com/kvdoc/kvdoc"
)

// KeyPath names a value inside a document: either a single dotted path
// ("a.b") or an ordered list of dotted paths (a compound keypath, list
// length >= 2).
type KeyPath struct {
	paths []string
}

// Single returns a scalar keypath.
func Single(path string) KeyPath { return KeyPath{paths: []string{path}} }

// Compound returns a compound keypath. Panics if fewer than two paths are
// given, matching the invariant that compound keypaths have arity >= 2.
func Compound(paths ...string) KeyPath {
	if len(paths) < 2 {
		panic("schema: compound keypath requires at least 2 paths")
	}
	return KeyPath{paths: append([]string(nil), paths...)}
}

// Paths returns the dotted path components, in order.
func (kp KeyPath) Paths() []string { return kp.paths }

// IsCompound reports whether kp names more than one path.
func (kp KeyPath) IsCompound() bool { return len(kp.paths) >= 2 }

// Arity returns the number of dotted paths composing kp.
func (kp KeyPath) Arity() int { return len(kp.paths) }

// Single returns the sole dotted path of a non-compound keypath.
func (kp KeyPath) Single() string { return kp.paths[0] }

// MarshalJSON persists a keypath as its dotted-path components, so it
// round-trips through the metadata table the sqlengine migrator diffs
// against.
func (kp KeyPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(kp.paths)
}

func (kp *KeyPath) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &kp.paths)
}

func (kp KeyPath) String() string {
	if !kp.IsCompound() {
		return kp.Single()
	}
	s := kp.paths[0]
	for _, p := range kp.paths[1:] {
		s += "," + p
	}
	return s
}

// Document is an opaque, JSON-compatible document: nested maps, slices,
// strings, numbers (json.Number), bools, and nil.
type Document = map[string]any

// IndexSchema describes one index on a store.
type IndexSchema struct {
	Name    string
	KeyPath KeyPath

	Unique              bool
	MultiEntry          bool
	FullText            bool
	IncludeDataInIndex  bool
	DoNotBackfill       bool
}

// Validate rejects a compound key path on a multi-entry or a full-text
// index. No other combination of flags is checked.
func (ix IndexSchema) Validate() error {
	if ix.MultiEntry && ix.KeyPath.IsCompound() {
		return kvdoc.NewError(kvdoc.MigrationConflict, "index %q: multi_entry is incompatible with a compound key_path", ix.Name)
	}
	if ix.FullText && ix.KeyPath.IsCompound() {
		return kvdoc.NewError(kvdoc.MigrationConflict, "index %q: full_text requires a single string key_path", ix.Name)
	}
	return nil
}

// Equal reports whether two index declarations describe the same on-disk
// shape. Any inequality here is treated as "requires recreate" by the
// migrator rather than a narrower diff.
func (ix IndexSchema) Equal(other IndexSchema) bool {
	if ix.Name != other.Name {
		return false
	}
	if ix.KeyPath.IsCompound() != other.KeyPath.IsCompound() {
		return false
	}
	a, b := ix.KeyPath.Paths(), other.KeyPath.Paths()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return ix.Unique == other.Unique &&
		ix.MultiEntry == other.MultiEntry &&
		ix.FullText == other.FullText &&
		ix.IncludeDataInIndex == other.IncludeDataInIndex
}

// SeparateTable reports whether the index is stored in its own table
// rather than as a column on the store's main table. Only multi-entry
// indexes need one: full-text indexes are stored as a token-joined column
// value on the main table and matched with LIKE, the non-FTS3 fallback.
func (ix IndexSchema) SeparateTable() bool {
	return ix.MultiEntry
}

// StoreSchema describes one named collection of documents.
type StoreSchema struct {
	Name            string
	PrimaryKeyPath  KeyPath
	Indexes         []IndexSchema
	EstimatedObjBytes uint32
}

// Index looks up a declared index by name.
func (s StoreSchema) Index(name string) (IndexSchema, bool) {
	for _, ix := range s.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSchema{}, false
}

// Validate checks every index declaration on the store.
func (s StoreSchema) Validate() error {
	if s.Name == "" {
		return kvdoc.NewError(kvdoc.MigrationConflict, "store schema missing a name")
	}
	seen := map[string]bool{}
	for _, ix := range s.Indexes {
		if seen[ix.Name] {
			return kvdoc.NewError(kvdoc.MigrationConflict, "store %q: duplicate index name %q", s.Name, ix.Name)
		}
		seen[ix.Name] = true
		if err := ix.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DbSchema is the top-level declared schema for a database.
type DbSchema struct {
	Version          uint32
	LastUsableVersion uint32 // 0 means "no floor"
	Stores           []StoreSchema
}

// Store looks up a declared store by name.
func (d DbSchema) Store(name string) (StoreSchema, bool) {
	for _, s := range d.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreSchema{}, false
}

// Validate checks every store declaration in the schema.
func (d DbSchema) Validate() error {
	seen := map[string]bool{}
	for _, s := range d.Stores {
		if seen[s.Name] {
			return kvdoc.NewError(kvdoc.MigrationConflict, "duplicate store name %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
