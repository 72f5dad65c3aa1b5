package mem

import (
	"context"
	"sync"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
	"github.com/kvdoc/kvdoc/txnlock"
)

// transaction implements storage.Transaction. A write transaction carries
// a per-store working copy of the committed document map; reads and
// writes within the transaction go through that copy (and mutate the
// engine's shared index trees in place -- safe because the scheduler
// excludes any concurrent access to the same stores).
type transaction struct {
	engine     *Store
	token      txnlock.Token
	write      bool
	storeNames []string
	working    map[string]map[string]schema.Document // nil for read-only txns

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (t *transaction) hasStore(name string) bool {
	for _, n := range t.storeNames {
		if n == name {
			return true
		}
	}
	return false
}

func (t *transaction) GetStore(name string) (storage.StoreHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, kvdoc.NewError(kvdoc.TransactionClosed, "transaction is closed")
	}
	if !t.hasStore(name) {
		return nil, kvdoc.NewError(kvdoc.StoreNotFound, "store %q was not included in this transaction", name)
	}
	return &storeHandle{txn: t, name: name}, nil
}

func (t *transaction) Done() <-chan struct{} { return t.done }

func (t *transaction) Abort(_ context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.write {
		t.engine.mu.RLock()
		for _, name := range t.storeNames {
			st := t.engine.stores[name]
			rebuildIndexesFromCommitted(st)
		}
		t.engine.mu.RUnlock()
	}

	t.engine.sched.TransactionFailed(t.token, nil)
	close(t.done)
}

func (t *transaction) MarkCompleted(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return kvdoc.NewError(kvdoc.TransactionClosed, "transaction already closed")
	}
	t.closed = true
	t.mu.Unlock()

	if t.write {
		t.engine.mu.Lock()
		for _, name := range t.storeNames {
			st := t.engine.stores[name]
			st.docs = t.working[name]
		}
		t.engine.mu.Unlock()
	}

	t.engine.sched.TransactionComplete(t.token)
	close(t.done)
	return nil
}

// rebuildIndexesFromCommitted discards whatever the aborted transaction
// wrote into st's index trees and repopulates them purely from st.docs
// (which was never mutated by the aborted transaction -- only the
// transaction's private working copy was).
func rebuildIndexesFromCommitted(st *storeState) {
	for _, ix := range st.schema.Indexes {
		st.indexes[ix.Name] = newTree()
	}
	st.pkTree = newTree()
	for pk, doc := range st.docs {
		st.pkTree.ReplaceOrInsert(treeEntry{Key: pk, PK: pk})
		for _, ix := range st.schema.Indexes {
			keys, ok := indexEntryKeys(ix, doc)
			if !ok {
				continue
			}
			tree := st.indexes[ix.Name]
			for _, k := range keys {
				tree.ReplaceOrInsert(treeEntry{Key: k, PK: pk})
			}
		}
	}
}
