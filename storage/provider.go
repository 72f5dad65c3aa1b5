// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/internal/logging"
	"github.com/kvdoc/kvdoc/schema"
)

// Backend names a concrete Store implementation a Provider can open.
type Backend string

// BackendFactory constructs a fresh, unopened Store for a Backend.
type BackendFactory func() Store

var (
	backendsMu sync.Mutex
	backends   = map[Backend]BackendFactory{}
)

// RegisterBackend makes a Backend available to Open/OpenListOfProviders.
// Concrete engines (mem, sqlengine) call this from an init() func; callers
// supplying an external adapter (e.g. a browser IndexedDB-backed Store)
// register it the same way, keeping the adapter itself out of this
// module's scope.
func RegisterBackend(name Backend, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

func lookupBackend(name Backend) (BackendFactory, bool) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	f, ok := backends[name]
	return f, ok
}

// Provider is the application-facing façade: open/close a database,
// explicit transactions, and one-shot convenience operations that open a
// transaction internally.
type Provider struct {
	store  Store
	schema schema.DbSchema
	name   string
	log    logging.Logger
}

// OpenOption configures Open/OpenListOfProviders.
type OpenOption func(*openConfig)

type openConfig struct {
	wipeIfExists bool
	logger       logging.Logger
}

// WithWipeIfExists forces a full reset of the database on open.
func WithWipeIfExists() OpenOption {
	return func(c *openConfig) { c.wipeIfExists = true }
}

// WithLogger supplies a Logger; without it, a no-op logger is used.
func WithLogger(l logging.Logger) OpenOption {
	return func(c *openConfig) { c.logger = l }
}

// Open opens a single named backend.
func Open(ctx context.Context, backend Backend, name string, sch schema.DbSchema, opts ...OpenOption) (*Provider, error) {
	p, err := OpenListOfProviders(ctx, []Backend{backend}, name, sch, opts...)
	return p, err
}

// OpenListOfProviders attempts each candidate backend in order and returns
// the first whose Open call succeeds. If every candidate fails, the
// returned error aggregates every candidate's failure (or is the single
// failure, if only one candidate was tried).
func OpenListOfProviders(ctx context.Context, candidates []Backend, name string, sch schema.DbSchema, opts ...OpenOption) (*Provider, error) {
	if err := sch.Validate(); err != nil {
		return nil, err
	}

	cfg := &openConfig{logger: logging.NewNoOp()}
	for _, o := range opts {
		o(cfg)
	}

	var errs []string
	for _, cand := range candidates {
		factory, ok := lookupBackend(cand)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: backend not registered", cand))
			continue
		}
		st := factory()
		if err := st.Open(ctx, name, sch, cfg.wipeIfExists); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cand, err))
			continue
		}
		return &Provider{store: st, schema: sch, name: name, log: cfg.logger}, nil
	}

	if len(errs) == 1 {
		return nil, kvdoc.NewError(kvdoc.BackendUnavailable, "%s", errs[0])
	}
	return nil, kvdoc.NewError(kvdoc.BackendUnavailable, "all backends failed: %s", strings.Join(errs, "; "))
}

// Close closes the underlying backend.
func (p *Provider) Close(ctx context.Context) error {
	return p.store.Close(ctx)
}

// DeleteDatabase removes all persisted state.
func (p *Provider) DeleteDatabase(ctx context.Context) error {
	return p.store.DeleteDatabase(ctx)
}

// OpenTransaction opens an explicit transaction over storeNames.
func (p *Provider) OpenTransaction(ctx context.Context, storeNames []string, writeNeeded bool) (Transaction, error) {
	return p.store.NewTransaction(ctx, storeNames, writeNeeded)
}

func (p *Provider) resolveIndex(sh StoreHandle, index string) (Index, error) {
	if index == "" {
		return sh.OpenPrimaryKey()
	}
	return sh.OpenIndex(index)
}

// withStore opens a single-store transaction, runs fn, and commits.
func (p *Provider) withStore(ctx context.Context, store string, write bool, fn func(StoreHandle) error) error {
	txn, err := p.store.NewTransaction(ctx, []string{store}, write)
	if err != nil {
		return err
	}
	sh, err := txn.GetStore(store)
	if err != nil {
		txn.Abort(ctx)
		return err
	}
	if err := fn(sh); err != nil {
		txn.Abort(ctx)
		return err
	}
	return txn.MarkCompleted(ctx)
}

// Get is the one-shot equivalent of opening a transaction, resolving
// index (or the primary key if empty), and reading key.
func (p *Provider) Get(ctx context.Context, store, index string, key any) (doc schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		if index == "" {
			d, e := sh.Get(ctx, key)
			doc = d
			return e
		}
		ix, e := sh.OpenIndex(index)
		if e != nil {
			return e
		}
		docs, e := ix.GetOnly(ctx, key, QueryOpts{Limit: 1})
		if e != nil {
			return e
		}
		if len(docs) > 0 {
			doc = docs[0]
		}
		return nil
	})
	return doc, err
}

// GetMultiple is the one-shot equivalent for a batch of primary keys.
func (p *Provider) GetMultiple(ctx context.Context, store string, keys []any) (docs []schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		d, e := sh.GetMultiple(ctx, keys)
		docs = d
		return e
	})
	return docs, err
}

// Put is the one-shot write helper.
func (p *Provider) Put(ctx context.Context, store string, items ...schema.Document) error {
	return p.withStore(ctx, store, true, func(sh StoreHandle) error {
		return sh.Put(ctx, items...)
	})
}

// Remove is the one-shot delete helper.
func (p *Provider) Remove(ctx context.Context, store string, keys ...any) error {
	return p.withStore(ctx, store, true, func(sh StoreHandle) error {
		return sh.Remove(ctx, keys...)
	})
}

// GetAll is the one-shot equivalent of Index.GetAll.
func (p *Provider) GetAll(ctx context.Context, store, index string, opts QueryOpts) (docs []schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		d, e := ix.GetAll(ctx, opts)
		docs = d
		return e
	})
	return docs, err
}

// GetOnly is the one-shot equivalent of Index.GetOnly.
func (p *Provider) GetOnly(ctx context.Context, store, index string, key any, opts QueryOpts) (docs []schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		d, e := ix.GetOnly(ctx, key, opts)
		docs = d
		return e
	})
	return docs, err
}

// GetRange is the one-shot equivalent of Index.GetRange.
func (p *Provider) GetRange(ctx context.Context, store, index string, low, high any, lowExcl, highExcl bool, opts QueryOpts) (docs []schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		d, e := ix.GetRange(ctx, low, high, lowExcl, highExcl, opts)
		docs = d
		return e
	})
	return docs, err
}

// CountAll is the one-shot equivalent of Index.CountAll.
func (p *Provider) CountAll(ctx context.Context, store, index string) (n int, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		n, e = ix.CountAll(ctx)
		return e
	})
	return n, err
}

// CountOnly is the one-shot equivalent of Index.CountOnly.
func (p *Provider) CountOnly(ctx context.Context, store, index string, key any) (n int, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		n, e = ix.CountOnly(ctx, key)
		return e
	})
	return n, err
}

// CountRange is the one-shot equivalent of Index.CountRange.
func (p *Provider) CountRange(ctx context.Context, store, index string, low, high any, lowExcl, highExcl bool) (n int, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := p.resolveIndex(sh, index)
		if e != nil {
			return e
		}
		n, e = ix.CountRange(ctx, low, high, lowExcl, highExcl)
		return e
	})
	return n, err
}

// FullTextSearch is the one-shot equivalent of Index.FullTextSearch.
func (p *Provider) FullTextSearch(ctx context.Context, store, index, phrase string, resolution fts.Resolution, limit int) (docs []schema.Document, err error) {
	err = p.withStore(ctx, store, false, func(sh StoreHandle) error {
		ix, e := sh.OpenIndex(index)
		if e != nil {
			return e
		}
		d, e := ix.FullTextSearch(ctx, phrase, resolution, limit)
		docs = d
		return e
	})
	return docs, err
}
