// Package mem implements MemEngine, an ordered-tree-backed, pure in-memory
// storage engine with copy-on-write transactions: a plain map of committed
// documents keyed by serialized primary key, plus one google/btree-ordered
// tree per index. It is not durable -- all state is lost when the process
// exits.
package mem

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/internal/logging"
	"github.com/kvdoc/kvdoc/keycodec"
	"github.com/kvdoc/kvdoc/keypath"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
	"github.com/kvdoc/kvdoc/txnlock"
)

func init() {
	storage.RegisterBackend(storage.Backend("memory"), func() storage.Store { return New() })
}

// storeState holds one named store's committed data and index trees.
type storeState struct {
	schema  schema.StoreSchema
	docs    map[string]schema.Document
	pkTree  *btree.BTreeG[treeEntry]
	indexes map[string]*btree.BTreeG[treeEntry]
}

func newStoreState(sch schema.StoreSchema) *storeState {
	ss := &storeState{
		schema:  sch,
		docs:    map[string]schema.Document{},
		pkTree:  newTree(),
		indexes: map[string]*btree.BTreeG[treeEntry]{},
	}
	for _, ix := range sch.Indexes {
		ss.indexes[ix.Name] = newTree()
	}
	return ss
}

// Store is the concrete MemEngine.
type Store struct {
	mu     sync.RWMutex
	schema schema.DbSchema
	stores map[string]*storeState
	sched  *txnlock.Scheduler
	log    logging.Logger
	opened bool
}

// New returns an empty MemEngine.
func New() *Store {
	return &Store{
		stores: map[string]*storeState{},
		sched:  txnlock.New(),
		log:    logging.NewNoOp(),
	}
}

// Open implements storage.Store. wipeIfExists and schema versioning are
// meaningless for a non-durable engine (there is nothing on disk to
// compare against), so Open always starts from an empty store set; the
// provider-level version bookkeeping is left to the SQL backend.
func (s *Store) Open(_ context.Context, _ string, sch schema.DbSchema, _ bool) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = sch
	s.stores = map[string]*storeState{}
	for _, st := range sch.Stores {
		s.stores[st.Name] = newStoreState(st)
	}
	s.opened = true
	return nil
}

// Close waits for in-flight transactions to finish and then marks the
// engine unusable.
func (s *Store) Close(_ context.Context) error {
	<-s.sched.CloseWhenPossible()
	return nil
}

// DeleteDatabase discards all committed data.
func (s *Store) DeleteDatabase(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range s.stores {
		s.stores[name] = newStoreState(st.schema)
	}
	return nil
}

// NewTransaction implements storage.Store, gating creation through the
// LockHelper scheduler and -- for write transactions -- capturing a
// working copy of each named store's committed document map.
func (s *Store) NewTransaction(_ context.Context, storeNames []string, writeNeeded bool) (storage.Transaction, error) {
	s.mu.RLock()
	for _, name := range storeNames {
		if _, ok := s.stores[name]; !ok {
			s.mu.RUnlock()
			return nil, kvdoc.NewError(kvdoc.StoreNotFound, "store %q not declared in schema", name)
		}
	}
	s.mu.RUnlock()

	token, ok := s.sched.OpenTransaction(storeNames, writeNeeded)
	if !ok {
		return nil, kvdoc.NewError(kvdoc.BackendUnavailable, "engine is closing, no new transactions accepted")
	}

	txn := &transaction{
		engine:     s,
		token:      token,
		write:      writeNeeded,
		storeNames: append([]string(nil), storeNames...),
		done:       make(chan struct{}),
	}
	if writeNeeded {
		txn.working = make(map[string]map[string]schema.Document, len(storeNames))
		s.mu.RLock()
		for _, name := range storeNames {
			st := s.stores[name]
			cp := make(map[string]schema.Document, len(st.docs))
			for k, v := range st.docs {
				cp[k] = v
			}
			txn.working[name] = cp
		}
		s.mu.RUnlock()
	}
	return txn, nil
}

// primaryKeyString extracts and encodes the serialized primary key for
// item according to sch's primary_key_path. Fails with a wrapped
// kvdoc.InvalidKeyType if the path does not resolve.
func primaryKeyString(sch schema.StoreSchema, item schema.Document) (string, error) {
	k, ok := keypath.Key(item, sch.PrimaryKeyPath)
	if !ok {
		return "", kvdoc.NewError(kvdoc.InvalidKeyType, "store %q: document has no resolvable primary key at %s", sch.Name, sch.PrimaryKeyPath)
	}
	components := keypath.Components(k, sch.PrimaryKeyPath)
	return keycodec.Encode(components...)
}

// encodeKeyArg encodes a caller-supplied key argument (for Get/GetOnly/
// point lookups) using the same arity as kp.
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

// indexEntryKeys computes the set of serialized index-tree keys item
// contributes for ix: one entry per token for full-text, one per array
// element for multi-entry, one otherwise. ok is false when there is
// nothing to index (absent value).
func indexEntryKeys(ix schema.IndexSchema, item schema.Document) (keys []string, ok bool) {
	switch {
	case ix.FullText:
		words := fts.WordsForItem(ix.KeyPath, item)
		if len(words) == 0 {
			return nil, false
		}
		for w := range words {
			k, err := keycodec.EncodeScalar(w)
			if err != nil {
				continue
			}
			keys = append(keys, k)
		}
		return keys, len(keys) > 0

	case ix.MultiEntry:
		v, found := keypath.Value(item, ix.KeyPath.Single())
		if !found {
			return nil, false
		}
		arr, isArr := v.([]any)
		if !isArr {
			return nil, false
		}
		seen := map[string]struct{}{}
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

	default:
		k, found := keypath.Key(item, ix.KeyPath)
		if !found {
			return nil, false
		}
		components := keypath.Components(k, ix.KeyPath)
		enc, err := keycodec.Encode(components...)
		if err != nil {
			return nil, false
		}
		return []string{enc}, true
	}
}
