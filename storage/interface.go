// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package storage defines the provider/transaction/store/index interfaces
// shared by every concrete backend (the SQL engine in sqlengine, the
// in-memory engine in mem, and any external adapter a caller registers),
// plus the Provider façade that opens a backend from a preference list and
// offers one-shot convenience operations.
package storage

import (
	"context"

	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/schema"
)

// SortOrder controls the iteration direction of a range/getAll query.
type SortOrder int

const (
	// SortNone leaves iteration order backend-defined.
	SortNone SortOrder = iota
	// SortForward iterates ascending by key.
	SortForward
	// SortReverse iterates descending by key.
	SortReverse
)

// SortOrderFromBool maps a reverse-or-not boolean convention
// (true == Reverse, false == Forward) onto SortOrder.
func SortOrderFromBool(reverse bool) SortOrder {
	if reverse {
		return SortReverse
	}
	return SortForward
}

// QueryOpts bundles the optional parameters shared by range/getAll/count
// style reads.
type QueryOpts struct {
	Sort   SortOrder
	Limit  int // 0 means unlimited
	Offset int
}

// Transaction serves one work unit against one or more stores. Store
// handles obtained from a Transaction are valid only for its lifetime.
type Transaction interface {
	// GetStore resolves a store handle by name. Fails with
	// kvdoc.StoreNotFound if name was not part of the schema, or with
	// kvdoc.TransactionClosed if the transaction already ended.
	GetStore(name string) (StoreHandle, error)

	// Done returns a channel that closes exactly once, when the
	// transaction commits or aborts.
	Done() <-chan struct{}

	// Abort discards any pending writes and fails any operation still
	// in flight against this transaction with kvdoc.TransactionAborted.
	Abort(ctx context.Context)

	// MarkCompleted commits the transaction (a no-op for a read-only
	// transaction beyond releasing its lock).
	MarkCompleted(ctx context.Context) error
}

// StoreHandle is a handle onto one named store, scoped to the owning
// transaction.
type StoreHandle interface {
	Get(ctx context.Context, key any) (schema.Document, error)
	GetMultiple(ctx context.Context, keys []any) ([]schema.Document, error)
	Put(ctx context.Context, items ...schema.Document) error
	Remove(ctx context.Context, keys ...any) error
	ClearAllData(ctx context.Context) error

	// OpenIndex resolves a named secondary index.
	OpenIndex(name string) (Index, error)
	// OpenPrimaryKey resolves the implicit primary-key index.
	OpenPrimaryKey() (Index, error)
}

// Index is a handle onto one index (primary-key or secondary) of a store,
// supporting ordered range reads, point lookups, counts, and (for
// full-text indexes) search.
type Index interface {
	GetAll(ctx context.Context, opts QueryOpts) ([]schema.Document, error)
	GetOnly(ctx context.Context, key any, opts QueryOpts) ([]schema.Document, error)
	GetRange(ctx context.Context, low, high any, lowExcl, highExcl bool, opts QueryOpts) ([]schema.Document, error)

	CountAll(ctx context.Context) (int, error)
	CountOnly(ctx context.Context, key any) (int, error)
	CountRange(ctx context.Context, low, high any, lowExcl, highExcl bool) (int, error)

	FullTextSearch(ctx context.Context, phrase string, resolution fts.Resolution, limit int) ([]schema.Document, error)
}

// Store is the capability interface a concrete backend implements to
// participate as a Provider backend, selected at construction time rather
// than through a class hierarchy.
type Store interface {
	// Open initializes the backend against the given schema, running
	// migration if the backend is SQL-backed. wipeIfExists forces a full
	// reset regardless of version comparison.
	Open(ctx context.Context, name string, sch schema.DbSchema, wipeIfExists bool) error

	// Close releases any resources held by the backend.
	Close(ctx context.Context) error

	// DeleteDatabase removes all persisted state.
	DeleteDatabase(ctx context.Context) error

	// NewTransaction opens a transaction scoped to storeNames.
	NewTransaction(ctx context.Context, storeNames []string, writeNeeded bool) (Transaction, error)
}
