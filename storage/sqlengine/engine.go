// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/internal/logging"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
)

// maxStatementBytes bounds the length of any single generated SQL
// statement; batch sizes are chosen to stay under it.
const maxStatementBytes = 1_000_000

// maxHostParams bounds how many bound parameters a single statement may
// use; this is deliberately conservative across the supported dialects
// (SQLite's own limit is the tightest of the four at 999 by default).
const maxHostParams = 900

// driversWithoutLineSeparatorIssue lists driver names whose JSON
// path/text functions already round-trip U+2028/U+2029 cleanly inside a
// stored string value; every other driver gets nsp_data's escaped
// \u2028/\u2029 sequences replaced as a platform workaround.
var driversWithoutLineSeparatorIssue = map[string]bool{
	"sqlite": true,
	"mysql":  true,
}

// requiresUnicodeReplacement reports whether d's driver needs the
// nsp_data line-separator workaround, probed by driver name alone (cheap
// and deterministic, so it is safe to redo on every Open rather than
// trust a persisted value).
func requiresUnicodeReplacement(d Dialect) bool {
	return !driversWithoutLineSeparatorIssue[d.driverName]
}

// Store is the concrete SqlStoreEngine: a relational mapping of documents
// and indexes over database/sql, fronted by a schema migrator.
type Store struct {
	dialect Dialect
	log     logging.Logger

	mu                         sync.RWMutex
	db                         *sql.DB
	schema                     schema.DbSchema
	opened                     bool
	requiresUnicodeReplacement bool
}

// New returns an unopened Store talking to d.
func New(d Dialect, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNoOp()
	}
	return &Store{dialect: d, log: log}
}

// Open implements storage.Store. name is the dialect-specific data source
// name (a file path for SQLite, a DSN for the networked dialects).
func (s *Store) Open(ctx context.Context, name string, sch schema.DbSchema, wipeIfExists bool) error {
	if err := sch.Validate(); err != nil {
		return err
	}

	db, err := sql.Open(s.dialect.driverName, name)
	if err != nil {
		return kvdoc.WrapError(kvdoc.BackendUnavailable, err, "opening %s database %q", s.dialect.name, name)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return kvdoc.WrapError(kvdoc.BackendUnavailable, err, "connecting to %s database %q", s.dialect.name, name)
	}
	if s.dialect.name == SQLite.name {
		// SQLite's own concurrency model already serializes writers at the
		// file level; capping the pool at one connection also avoids each
		// pooled connection opening its own private ":memory:" database.
		db.SetMaxOpenConns(1)
	}

	if err := ensureMetaTable(ctx, db, s.dialect); err != nil {
		db.Close()
		return err
	}

	unicodeReplacement := requiresUnicodeReplacement(s.dialect)
	if err := setDriverCaps(ctx, db, s.dialect, driverCapsRow{RequiresUnicodeReplacement: unicodeReplacement}); err != nil {
		db.Close()
		return err
	}

	m := &migrator{db: db, dialect: s.dialect, log: s.log, requiresUnicodeReplacement: unicodeReplacement}
	if err := m.migrate(ctx, sch, wipeIfExists); err != nil {
		db.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.schema = sch
	s.opened = true
	s.requiresUnicodeReplacement = unicodeReplacement
	s.mu.Unlock()
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	return s.db.Close()
}

// DeleteDatabase drops the tables of every store in the opened schema and
// their metadata rows, then recreates those stores fresh.
func (s *Store) DeleteDatabase(ctx context.Context) error {
	s.mu.RLock()
	db, sch, unicodeReplacement := s.db, s.schema, s.requiresUnicodeReplacement
	s.mu.RUnlock()

	m := &migrator{db: db, dialect: s.dialect, log: s.log, requiresUnicodeReplacement: unicodeReplacement}
	return m.migrate(ctx, sch, true)
}

// NewTransaction implements storage.Store. Concurrency is delegated to the
// underlying database connection's own transaction isolation rather than
// an in-process scheduler.
func (s *Store) NewTransaction(ctx context.Context, storeNames []string, writeNeeded bool) (storage.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return nil, kvdoc.NewError(kvdoc.BackendUnavailable, "store is not open")
	}
	stores := make(map[string]schema.StoreSchema, len(storeNames))
	for _, name := range storeNames {
		st, ok := s.schema.Store(name)
		if !ok {
			return nil, kvdoc.NewError(kvdoc.StoreNotFound, "store %q not declared in schema", name)
		}
		stores[name] = st
	}

	opts := &sql.TxOptions{}
	if !writeNeeded {
		opts.ReadOnly = true
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, kvdoc.WrapError(kvdoc.StorageError, err, "opening transaction")
	}
	return &transaction{
		store:  s,
		tx:     tx,
		write:  writeNeeded,
		stores: stores,
		done:   make(chan struct{}),
	}, nil
}
