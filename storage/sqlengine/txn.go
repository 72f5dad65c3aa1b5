// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
)

// transaction implements storage.Transaction over a single *sql.Tx.
type transaction struct {
	store  *Store
	tx     *sql.Tx
	write  bool
	stores map[string]schema.StoreSchema

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (t *transaction) GetStore(name string) (storage.StoreHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, kvdoc.NewError(kvdoc.TransactionClosed, "transaction is closed")
	}
	st, ok := t.stores[name]
	if !ok {
		return nil, kvdoc.NewError(kvdoc.StoreNotFound, "store %q was not included in this transaction", name)
	}
	return &storeHandle{txn: t, schema: st}, nil
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

	_ = t.tx.Rollback()
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

	defer close(t.done)
	if err := t.tx.Commit(); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "committing transaction")
	}
	return nil
}
