package mem

import (
	"context"

	"github.com/google/btree"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/keycodec"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
)

// storeHandle implements storage.StoreHandle, scoped to one transaction
// and one store name.
type storeHandle struct {
	txn  *transaction
	name string
}

func (h *storeHandle) state() *storeState {
	h.txn.engine.mu.RLock()
	defer h.txn.engine.mu.RUnlock()
	return h.txn.engine.stores[h.name]
}

// view returns the document map this handle's transaction should read and
// write: the transaction's private working copy for a write transaction,
// or the engine's committed map for a read-only one.
func (h *storeHandle) view() map[string]schema.Document {
	if h.txn.write {
		return h.txn.working[h.name]
	}
	return h.state().docs
}

func (h *storeHandle) Get(_ context.Context, key any) (schema.Document, error) {
	st := h.state()
	ks, err := encodeKeyArg(st.schema.PrimaryKeyPath, key)
	if err != nil {
		return nil, err
	}
	doc, ok := h.view()[ks]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (h *storeHandle) GetMultiple(ctx context.Context, keys []any) ([]schema.Document, error) {
	out := make([]schema.Document, 0, len(keys))
	for _, k := range keys {
		doc, err := h.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (h *storeHandle) Put(_ context.Context, items ...schema.Document) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "put requires a write transaction")
	}
	st := h.state()
	view := h.txn.working[h.name]

	for _, item := range items {
		pk, err := primaryKeyString(st.schema, item)
		if err != nil {
			return err
		}

		if old, exists := view[pk]; exists {
			for _, ix := range st.schema.Indexes {
				removeIndexEntries(st.indexes[ix.Name], ix, old, pk)
			}
		} else {
			st.pkTree.ReplaceOrInsert(treeEntry{Key: pk, PK: pk})
		}

		view[pk] = item

		for _, ix := range st.schema.Indexes {
			keys, ok := indexEntryKeys(ix, item)
			if !ok {
				continue
			}
			tree := st.indexes[ix.Name]
			for _, k := range keys {
				tree.ReplaceOrInsert(treeEntry{Key: k, PK: pk})
			}
		}
	}
	return nil
}

func removeIndexEntries(tree interface {
	Delete(treeEntry) (treeEntry, bool)
}, ix schema.IndexSchema, oldDoc schema.Document, pk string) {
	keys, ok := indexEntryKeys(ix, oldDoc)
	if !ok {
		return
	}
	for _, k := range keys {
		tree.Delete(treeEntry{Key: k, PK: pk})
	}
}

func (h *storeHandle) Remove(_ context.Context, keys ...any) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "remove requires a write transaction")
	}
	st := h.state()
	view := h.txn.working[h.name]

	for _, key := range keys {
		pk, err := encodeKeyArg(st.schema.PrimaryKeyPath, key)
		if err != nil {
			return err
		}
		old, exists := view[pk]
		if !exists {
			continue
		}
		for _, ix := range st.schema.Indexes {
			removeIndexEntries(st.indexes[ix.Name], ix, old, pk)
		}
		st.pkTree.Delete(treeEntry{Key: pk, PK: pk})
		delete(view, pk)
	}
	return nil
}

func (h *storeHandle) ClearAllData(_ context.Context) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "clear_all_data requires a write transaction")
	}
	st := h.state()
	h.txn.working[h.name] = map[string]schema.Document{}
	st.pkTree = newTree()
	for _, ix := range st.schema.Indexes {
		st.indexes[ix.Name] = newTree()
	}
	return nil
}

func (h *storeHandle) OpenPrimaryKey() (storage.Index, error) {
	return &indexHandle{handle: h, name: ""}, nil
}

func (h *storeHandle) OpenIndex(name string) (storage.Index, error) {
	st := h.state()
	if _, ok := st.schema.Index(name); !ok {
		return nil, kvdoc.NewError(kvdoc.IndexNotFound, "store %q has no index %q", h.name, name)
	}
	return &indexHandle{handle: h, name: name}, nil
}

// indexHandle implements storage.Index over one of storeHandle's index
// trees (or the primary-key tree, when name == "").
type indexHandle struct {
	handle *storeHandle
	name   string
}

func (ix *indexHandle) tree() *btree.BTreeG[treeEntry] {
	st := ix.handle.state()
	if ix.name == "" {
		return st.pkTree
	}
	return st.indexes[ix.name]
}

func (ix *indexHandle) schema() (schema.IndexSchema, bool) {
	if ix.name == "" {
		return schema.IndexSchema{}, false
	}
	st := ix.handle.state()
	return st.schema.Index(ix.name)
}

func (ix *indexHandle) docsFor(entries []treeEntry) []schema.Document {
	view := ix.handle.view()
	out := make([]schema.Document, 0, len(entries))
	for _, e := range entries {
		if doc, ok := view[e.PK]; ok {
			out = append(out, doc)
		}
	}
	return out
}

func (ix *indexHandle) scanEntries(low, high *string, lowExcl, highExcl bool, opts storage.QueryOpts) []treeEntry {
	var out []treeEntry
	rangeScan(ix.tree(), low, high, lowExcl, highExcl, opts.Sort == storage.SortReverse, opts.Offset, opts.Limit, func(e treeEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (ix *indexHandle) GetAll(_ context.Context, opts storage.QueryOpts) ([]schema.Document, error) {
	entries := ix.scanEntries(nil, nil, false, false, opts)
	return ix.docsFor(entries), nil
}

func (ix *indexHandle) GetOnly(ctx context.Context, key any, opts storage.QueryOpts) ([]schema.Document, error) {
	return ix.GetRange(ctx, key, key, false, false, opts)
}

func (ix *indexHandle) GetRange(_ context.Context, low, high any, lowExcl, highExcl bool, opts storage.QueryOpts) ([]schema.Document, error) {
	lowS, highS, err := ix.encodeBounds(low, high)
	if err != nil {
		return nil, err
	}
	entries := ix.scanEntries(lowS, highS, lowExcl, highExcl, opts)
	return ix.docsFor(entries), nil
}

func (ix *indexHandle) encodeBounds(low, high any) (*string, *string, error) {
	kp := ix.keyPath()
	var lowS, highS *string
	if low != nil {
		s, err := encodeKeyArg(kp, low)
		if err != nil {
			return nil, nil, err
		}
		lowS = &s
	}
	if high != nil {
		s, err := encodeKeyArg(kp, high)
		if err != nil {
			return nil, nil, err
		}
		highS = &s
	}
	return lowS, highS, nil
}

func (ix *indexHandle) keyPath() schema.KeyPath {
	if ixs, ok := ix.schema(); ok {
		if ixs.FullText || ixs.MultiEntry {
			return schema.Single("")
		}
		return ixs.KeyPath
	}
	return ix.handle.state().schema.PrimaryKeyPath
}

func (ix *indexHandle) CountAll(ctx context.Context) (int, error) {
	docs, err := ix.GetAll(ctx, storage.QueryOpts{})
	return len(docs), err
}

func (ix *indexHandle) CountOnly(ctx context.Context, key any) (int, error) {
	docs, err := ix.GetOnly(ctx, key, storage.QueryOpts{})
	return len(docs), err
}

func (ix *indexHandle) CountRange(ctx context.Context, low, high any, lowExcl, highExcl bool) (int, error) {
	docs, err := ix.GetRange(ctx, low, high, lowExcl, highExcl, storage.QueryOpts{})
	return len(docs), err
}

func (ix *indexHandle) FullTextSearch(_ context.Context, phrase string, resolution fts.Resolution, limit int) ([]schema.Document, error) {
	ixs, ok := ix.schema()
	if !ok || !ixs.FullText {
		return nil, kvdoc.NewError(kvdoc.IndexNotFound, "index %q is not a full-text index", ix.name)
	}
	terms := fts.TermsOf(phrase)
	if len(terms) == 0 {
		return nil, nil
	}

	tree := ix.tree()

	perTerm := make([]map[string]struct{}, len(terms))
	for i, term := range terms {
		set := map[string]struct{}{}
		enc, err := keycodec.EncodeScalar(term)
		if err != nil {
			return nil, err
		}
		lo := enc
		hi := enc + maxSentinel
		rangeScan(tree, &lo, &hi, false, true, false, 0, 0, func(e treeEntry) bool {
			if len(e.Key) < len(enc) || e.Key[:len(enc)] != enc {
				return true
			}
			set[e.PK] = struct{}{}
			return true
		})
		perTerm[i] = set
	}

	var pks map[string]struct{}
	switch resolution {
	case fts.And:
		pks = perTerm[0]
		for _, s := range perTerm[1:] {
			pks = intersect(pks, s)
		}
	case fts.Or:
		pks = map[string]struct{}{}
		for _, s := range perTerm {
			for pk := range s {
				pks[pk] = struct{}{}
			}
		}
	}

	view := ix.handle.view()
	out := make([]schema.Document, 0, len(pks))
	for pk := range pks {
		if doc, ok := view[pk]; ok {
			out = append(out, doc)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
