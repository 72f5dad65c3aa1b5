// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/internal/logging"
	"github.com/kvdoc/kvdoc/schema"
)

// migrator reconciles a desired schema.DbSchema against whatever the
// metadata table says is already on disk, running only the column/table
// changes a store actually needs rather than always recreating it.
type migrator struct {
	db                         *sql.DB
	dialect                    Dialect
	log                        logging.Logger
	requiresUnicodeReplacement bool
}

func indexListKey(store string) string { return store + "__indexes__" }
func pkSignatureKey(store string) string { return store + "__pk__" }

func (m *migrator) migrate(ctx context.Context, sch schema.DbSchema, wipeIfExists bool) error {
	persistedVersion, err := getSchemaVersion(ctx, m.db, m.dialect)
	if err != nil {
		return err
	}

	floorViolated := sch.LastUsableVersion != 0 && persistedVersion != 0 && persistedVersion < sch.LastUsableVersion
	if wipeIfExists || floorViolated {
		m.log.Info("sqlengine: wiping database", logrus.Fields{"persisted_version": persistedVersion, "target_version": sch.Version})
		if err := m.wipeAll(ctx, sch); err != nil {
			return err
		}
		persistedVersion = 0
	}

	for _, store := range sch.Stores {
		if err := m.migrateStore(ctx, store, persistedVersion == 0); err != nil {
			return err
		}
	}

	return setSchemaVersion(ctx, m.db, m.dialect, sch.Version)
}

// wipeAll drops the main table and separate index tables (found through
// the persisted index-list keys) of every store in sch, and deletes those
// stores' metadata rows and the schemaVersion row; used for a forced wipe
// or a schema version below the floor. Tables of stores that sch does not
// declare are left in place.
func (m *migrator) wipeAll(ctx context.Context, sch schema.DbSchema) error {
	for _, store := range sch.Stores {
		names, _, err := m.persistedIndexNames(ctx, store.Name)
		if err != nil {
			return err
		}
		for _, ixName := range names {
			row, ok, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, ixName)
			if err != nil {
				return err
			}
			if ok && row.Index.SeparateTable() {
				if err := m.dropTable(ctx, separateIndexTable(store.Name, ixName)); err != nil {
					return err
				}
			}
			if err := deleteIndexMeta(ctx, m.db, m.dialect, store.Name, ixName); err != nil {
				return err
			}
		}
		if err := m.dropTable(ctx, storeTable(store.Name)); err != nil {
			return err
		}
		if err := metaDelete(ctx, m.db, m.dialect, indexListKey(store.Name)); err != nil {
			return err
		}
		if err := metaDelete(ctx, m.db, m.dialect, pkSignatureKey(store.Name)); err != nil {
			return err
		}
	}
	return metaDelete(ctx, m.db, m.dialect, schemaVerKey)
}

// addColumnKeyword returns "COLUMN " for the three dialects that require
// it in ALTER TABLE ... ADD, and "" for SQL Server, which rejects it.
func (m *migrator) addColumnKeyword() string {
	if m.dialect.name == SQLServer.name {
		return ""
	}
	return "COLUMN "
}

func (m *migrator) dropTable(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "dropping table %q", table)
	}
	return nil
}

func (m *migrator) persistedIndexNames(ctx context.Context, store string) ([]string, bool, error) {
	v, ok, err := metaGet(ctx, m.db, m.dialect, indexListKey(store))
	if err != nil || !ok {
		return nil, ok, err
	}
	var names []string
	if err := json.Unmarshal([]byte(v), &names); err != nil {
		return nil, false, kvdoc.WrapError(kvdoc.ParseError, err, "parsing index list for store %q", store)
	}
	return names, true, nil
}

func (m *migrator) setPersistedIndexNames(ctx context.Context, store string, names []string) error {
	bs, err := json.Marshal(names)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "encoding index list for store %q", store)
	}
	return metaSet(ctx, m.db, m.dialect, indexListKey(store), string(bs))
}

func pkSignature(sch schema.StoreSchema) string {
	bs, _ := json.Marshal(sch.PrimaryKeyPath.Paths())
	return string(bs)
}

// migrateStore reconciles one store: creates it fresh if it is new,
// otherwise diffs its persisted index set against the declared one and
// runs only the column/table changes required, or a full rename-and-copy
// migration if the primary key path itself changed, or if a column-based
// index was redefined, removed, or switched to or from a separate table.
func (m *migrator) migrateStore(ctx context.Context, store schema.StoreSchema, fresh bool) error {
	persistedNames, existed, err := m.persistedIndexNames(ctx, store.Name)
	if err != nil {
		return err
	}
	if fresh || !existed {
		return m.createStoreFresh(ctx, store)
	}

	persistedPK, _, err := metaGet(ctx, m.db, m.dialect, pkSignatureKey(store.Name))
	if err != nil {
		return err
	}
	if persistedPK != pkSignature(store) {
		return m.recreateStoreFull(ctx, store)
	}

	declared := map[string]schema.IndexSchema{}
	for _, ix := range store.Indexes {
		declared[ix.Name] = ix
	}
	persisted := map[string]struct{}{}
	for _, n := range persistedNames {
		persisted[n] = struct{}{}
	}

	needsFullRecreate := false
	var toAdd []schema.IndexSchema
	var toRemove []string
	var toRecreate []schema.IndexSchema

	for name, ix := range declared {
		if _, ok := persisted[name]; !ok {
			toAdd = append(toAdd, ix)
			continue
		}
		row, ok, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, name)
		if err != nil {
			return err
		}
		if !ok || !row.Index.Equal(ix) {
			if row.Index.SeparateTable() != ix.SeparateTable() {
				// A table-ness flip, or a column-based index whose declaration
				// changed while staying column-based, has no in-place ALTER
				// TABLE path (go-sqlbuilder doesn't abstract DROP/ALTER
				// COLUMN); rebuild the whole store instead.
				needsFullRecreate = true
				break
			}
			if !ix.SeparateTable() {
				needsFullRecreate = true
				break
			}
			toRecreate = append(toRecreate, ix)
		}
	}
	for name := range persisted {
		if _, ok := declared[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	if !needsFullRecreate {
		for _, name := range toRemove {
			row, ok, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, name)
			if err != nil {
				return err
			}
			// A removed column-based index leaves a stale nsp_i_<name>
			// column with no in-place DROP COLUMN path across dialects;
			// rebuild the whole store instead, same as above.
			if ok && !row.Index.SeparateTable() {
				needsFullRecreate = true
				break
			}
		}
	}

	if needsFullRecreate {
		return m.recreateStoreFull(ctx, store)
	}

	for _, name := range toRemove {
		row, ok, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, name)
		if err != nil {
			return err
		}
		if ok && row.Index.SeparateTable() {
			if err := m.dropTable(ctx, separateIndexTable(store.Name, name)); err != nil {
				return err
			}
		}
		if err := deleteIndexMeta(ctx, m.db, m.dialect, store.Name, name); err != nil {
			return err
		}
	}
	for _, ix := range toRecreate {
		row, _, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, ix.Name)
		if err != nil {
			return err
		}
		if row.Index.SeparateTable() {
			if err := m.dropTable(ctx, separateIndexTable(store.Name, ix.Name)); err != nil {
				return err
			}
		}
		if err := m.addIndex(ctx, store, ix, true); err != nil {
			return err
		}
	}
	for _, ix := range toAdd {
		if err := m.addIndex(ctx, store, ix, !ix.DoNotBackfill); err != nil {
			return err
		}
	}

	finalNames := make([]string, 0, len(declared))
	for name := range declared {
		finalNames = append(finalNames, name)
	}
	return m.setPersistedIndexNames(ctx, store.Name, finalNames)
}

// createStoreFresh creates a store's main table and any multi-entry
// index tables from scratch and records their metadata.
func (m *migrator) createStoreFresh(ctx context.Context, store schema.StoreSchema) error {
	ctb := m.dialect.flavor.NewCreateTableBuilder()
	ctb.CreateTable(storeTable(store.Name)).IfNotExists()
	ctb.Define(pkColumn, "TEXT", "PRIMARY KEY")
	ctb.Define(dataColumn, "TEXT")
	for _, ix := range store.Indexes {
		if !ix.SeparateTable() {
			ctb.Define(indexColumn(ix.Name), "TEXT")
		}
	}
	q, args := ctb.Build()
	if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "creating table %q", store.Name)
	}

	names := make([]string, 0, len(store.Indexes))
	for _, ix := range store.Indexes {
		if ix.SeparateTable() {
			if err := m.createSeparateIndexTable(ctx, store.Name, ix); err != nil {
				return err
			}
		}
		if err := putIndexMeta(ctx, m.db, m.dialect, store.Name, ix); err != nil {
			return err
		}
		names = append(names, ix.Name)
	}
	if err := m.setPersistedIndexNames(ctx, store.Name, names); err != nil {
		return err
	}
	return metaSet(ctx, m.db, m.dialect, pkSignatureKey(store.Name), pkSignature(store))
}

func (m *migrator) createSeparateIndexTable(ctx context.Context, storeName string, ix schema.IndexSchema) error {
	ctb := m.dialect.flavor.NewCreateTableBuilder()
	ctb.CreateTable(separateIndexTable(storeName, ix.Name)).IfNotExists()
	ctb.Define(keyColumn, "TEXT")
	ctb.Define(refPkColumn, "TEXT")
	q, args := ctb.Build()
	if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "creating index table for %q", ix.Name)
	}
	idxName := separateIndexTable(storeName, ix.Name) + "_" + keyColumn
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	_, err := m.db.ExecContext(ctx, "CREATE "+unique+"INDEX IF NOT EXISTS "+idxName+" ON "+separateIndexTable(storeName, ix.Name)+" ("+keyColumn+")")
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "indexing %q", ix.Name)
	}
	return nil
}

// addIndex adds a new index to an already-existing store: a new table for
// multi-entry indexes, or a new column otherwise, optionally backfilling
// it from every document already in the store.
func (m *migrator) addIndex(ctx context.Context, store schema.StoreSchema, ix schema.IndexSchema, backfill bool) error {
	if ix.SeparateTable() {
		if err := m.createSeparateIndexTable(ctx, store.Name, ix); err != nil {
			return err
		}
	} else {
		_, err := m.db.ExecContext(ctx, "ALTER TABLE "+storeTable(store.Name)+" ADD "+m.addColumnKeyword()+indexColumn(ix.Name)+" TEXT")
		if err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "adding column for index %q", ix.Name)
		}
	}
	if backfill {
		if err := m.backfillIndex(ctx, store, ix); err != nil {
			return err
		}
	}
	return putIndexMeta(ctx, m.db, m.dialect, store.Name, ix)
}

// backfillIndex recomputes ix's value for every existing document in
// store and writes it: multi-entry pairs in batches bounded by
// maxHostParams, column values with one UPDATE per document. Rows are
// read to the end before anything is written, since a SQLite pool holds a
// single connection.
func (m *migrator) backfillIndex(ctx context.Context, store schema.StoreSchema, ix schema.IndexSchema) error {
	sb := m.dialect.flavor.NewSelectBuilder()
	sb.Select(pkColumn, dataColumn).From(storeTable(store.Name))
	q, args := sb.Build()
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "reading store %q for backfill", store.Name)
	}
	defer rows.Close()

	if ix.SeparateTable() {
		var pairs [][2]string
		for rows.Next() {
			var pk, data string
			if err := rows.Scan(&pk, &data); err != nil {
				return kvdoc.WrapError(kvdoc.StorageError, err, "scanning row during backfill")
			}
			doc, err := unmarshalDoc(data)
			if err != nil {
				return err
			}
			keys, ok := multiEntryKeys(ix, doc)
			if !ok {
				continue
			}
			for _, k := range keys {
				pairs = append(pairs, [2]string{pk, k})
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return m.insertSeparateTableBackfill(ctx, store.Name, ix.Name, pairs)
	}

	var pks, datas []string
	for rows.Next() {
		var pk, data string
		if err := rows.Scan(&pk, &data); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "scanning row during backfill")
		}
		pks = append(pks, pk)
		datas = append(datas, data)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for i, pk := range pks {
		doc, err := unmarshalDoc(datas[i])
		if err != nil {
			return err
		}
		v, ok, err := columnValue(ix, doc)
		if err != nil {
			return err
		}
		ub := m.dialect.flavor.NewUpdateBuilder()
		ub.Update(storeTable(store.Name))
		if ok {
			ub.Set(ub.Assign(indexColumn(ix.Name), v))
		} else {
			ub.Set(indexColumn(ix.Name) + " = NULL")
		}
		ub.Where(ub.Equal(pkColumn, pk))
		uq, uargs := ub.Build()
		if _, err := m.db.ExecContext(ctx, uq, uargs...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "backfilling index %q", ix.Name)
		}
	}
	return nil
}

func (m *migrator) insertSeparateTableBackfill(ctx context.Context, store, index string, pairs [][2]string) error {
	if len(pairs) == 0 {
		return nil
	}
	batchSize := maxHostParams / 2
	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		ib := m.dialect.flavor.NewInsertBuilder()
		ib.InsertInto(separateIndexTable(store, index)).Cols(keyColumn, refPkColumn)
		for _, p := range pairs[start:end] {
			ib.Values(p[1], p[0])
		}
		q, args := ib.Build()
		if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "backfilling index table %q", index)
		}
	}
	return nil
}

// recreateStoreFull handles a primary-key change (or a column-based index
// that was redefined, removed, or switched to or from a separate table):
// drops the old separate index tables and their metadata, renames the
// existing table aside, builds the new one from scratch, re-inserts every
// surviving document through the normal encode path, then drops the
// renamed original.
func (m *migrator) recreateStoreFull(ctx context.Context, store schema.StoreSchema) error {
	oldNames, existed, err := m.persistedIndexNames(ctx, store.Name)
	if err != nil {
		return err
	}
	if existed {
		// Every old separate-table index keys its rows off the old primary
		// key encoding; once the store's primary key path changes those
		// refpk values are meaningless, so drop and let createStoreFresh
		// recreate them empty ahead of the fresh re-insert below.
		for _, name := range oldNames {
			row, ok, err := getIndexMeta(ctx, m.db, m.dialect, store.Name, name)
			if err != nil {
				return err
			}
			if ok && row.Index.SeparateTable() {
				if err := m.dropTable(ctx, separateIndexTable(store.Name, name)); err != nil {
					return err
				}
			}
			if err := deleteIndexMeta(ctx, m.db, m.dialect, store.Name, name); err != nil {
				return err
			}
		}
	}

	_, err = m.db.ExecContext(ctx, "ALTER TABLE "+storeTable(store.Name)+" RENAME TO "+tempTable(store.Name))
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "renaming store %q for migration", store.Name)
	}

	if err := m.createStoreFresh(ctx, store); err != nil {
		return err
	}

	batchBytes := int(store.EstimatedObjBytes)
	if batchBytes <= 0 {
		batchBytes = 1024
	}
	batchSize := maxStatementBytes / batchBytes
	if batchSize < 1 {
		batchSize = 1
	}

	sb := m.dialect.flavor.NewSelectBuilder()
	sb.Select(dataColumn).From(tempTable(store.Name))
	q, args := sb.Build()
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "reading store %q for migration", store.Name)
	}

	var docs []schema.Document
	flush := func() error {
		if len(docs) == 0 {
			return nil
		}
		if err := m.reinsertDocs(ctx, store, docs); err != nil {
			return err
		}
		docs = docs[:0]
		return nil
	}

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return kvdoc.WrapError(kvdoc.StorageError, err, "scanning row during migration")
		}
		doc, err := unmarshalDoc(data)
		if err != nil {
			rows.Close()
			return err
		}
		docs = append(docs, doc)
		if len(docs) >= batchSize {
			if err := flush(); err != nil {
				rows.Close()
				return err
			}
		}
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return rowsErr
	}
	if err := flush(); err != nil {
		return err
	}

	return m.dropTable(ctx, tempTable(store.Name))
}

// reinsertDocs writes docs into store's freshly created table and index
// tables, computing every column/separate-table value from scratch.
func (m *migrator) reinsertDocs(ctx context.Context, store schema.StoreSchema, docs []schema.Document) error {
	for _, doc := range docs {
		pk, err := primaryKeyString(store, doc)
		if err != nil {
			return err
		}
		data, err := marshalDoc(doc, m.requiresUnicodeReplacement)
		if err != nil {
			return err
		}
		colNames := []string{pkColumn, dataColumn}
		vals := []any{pk, data}
		for _, ix := range store.Indexes {
			if ix.SeparateTable() {
				continue
			}
			v, ok, err := columnValue(ix, doc)
			if err != nil {
				return err
			}
			colNames = append(colNames, indexColumn(ix.Name))
			if ok {
				vals = append(vals, v)
			} else {
				vals = append(vals, nil)
			}
		}
		ib := m.dialect.flavor.NewInsertBuilder()
		ib.InsertInto(storeTable(store.Name)).Cols(colNames...).Values(vals...)
		q, args := ib.Build()
		if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "re-inserting row for store %q", store.Name)
		}

		for _, ix := range store.Indexes {
			if !ix.SeparateTable() {
				continue
			}
			keys, ok := multiEntryKeys(ix, doc)
			if !ok {
				continue
			}
			for _, k := range keys {
				ib := m.dialect.flavor.NewInsertBuilder()
				ib.InsertInto(separateIndexTable(store.Name, ix.Name)).Cols(keyColumn, refPkColumn).Values(k, pk)
				q, args := ib.Build()
				if _, err := m.db.ExecContext(ctx, q, args...); err != nil {
					return kvdoc.WrapError(kvdoc.StorageError, err, "re-inserting index %q entry", ix.Name)
				}
			}
		}
	}
	return nil
}
