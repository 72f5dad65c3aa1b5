// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"database/sql"

	"golang.org/x/sync/errgroup"

	"github.com/huandu/go-sqlbuilder"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
)

// storeHandle implements storage.StoreHandle over one store's main table
// plus its multi-entry indexes' separate tables.
type storeHandle struct {
	txn    *transaction
	schema schema.StoreSchema
}

func (h *storeHandle) flavor() sqlbuilder.Flavor { return h.txn.store.dialect.flavor }

func (h *storeHandle) Get(ctx context.Context, key any) (schema.Document, error) {
	docs, err := h.GetMultiple(ctx, []any{key})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (h *storeHandle) GetMultiple(ctx context.Context, keys []any) (docs []schema.Document, err error) {
	pks := make([]string, len(keys))
	for i, k := range keys {
		pk, err := encodeKeyArg(h.schema.PrimaryKeyPath, k)
		if err != nil {
			return nil, err
		}
		pks[i] = pk
	}

	for _, batch := range chunkStrings(pks, maxHostParams) {
		sb := h.flavor().NewSelectBuilder()
		sb.Select(dataColumn).From(storeTable(h.schema.Name)).Where(sb.In(pkColumn, toAnySlice(batch)...))
		q, args := sb.Build()
		rows, err := h.txn.tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, kvdoc.WrapError(kvdoc.StorageError, err, "reading store %q", h.schema.Name)
		}
		if err := scanDocs(rows, &docs); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func scanDocs(rows *sql.Rows, out *[]schema.Document) error {
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "scanning row")
		}
		doc, err := unmarshalDoc(data)
		if err != nil {
			return err
		}
		*out = append(*out, doc)
	}
	return rows.Err()
}

func (h *storeHandle) Put(ctx context.Context, items ...schema.Document) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "put requires a write transaction")
	}
	if len(items) == 0 {
		return nil
	}

	rows := make([]rowValues, len(items))
	multiEntry := map[string][][2]string{} // index name -> (pk, key) pairs

	for i, item := range items {
		pk, err := primaryKeyString(h.schema, item)
		if err != nil {
			return err
		}
		data, err := marshalDoc(item, h.txn.store.requiresUnicodeReplacement)
		if err != nil {
			return err
		}
		cols := map[string]any{}
		for _, ix := range h.schema.Indexes {
			if ix.SeparateTable() {
				keys, ok := multiEntryKeys(ix, item)
				if ok {
					for _, k := range keys {
						multiEntry[ix.Name] = append(multiEntry[ix.Name], [2]string{pk, k})
					}
				}
				continue
			}
			v, ok, err := columnValue(ix, item)
			if err != nil {
				return err
			}
			if ok {
				cols[indexColumn(ix.Name)] = v
			} else {
				cols[indexColumn(ix.Name)] = nil
			}
		}
		rows[i] = rowValues{pk: pk, data: data, cols: cols}
	}

	pks := make([]string, len(rows))
	for i, r := range rows {
		pks[i] = r.pk
	}

	deleteGroup, gctx := errgroup.WithContext(ctx)
	deleteGroup.Go(func() error {
		return h.deletePKsBatched(gctx, pks)
	})
	for _, ix := range h.schema.Indexes {
		if !ix.SeparateTable() {
			continue
		}
		ix := ix
		deleteGroup.Go(func() error {
			return h.deleteSeparateTableByPKs(gctx, ix, pks)
		})
	}
	if err := deleteGroup.Wait(); err != nil {
		return err
	}

	insertGroup, ictx := errgroup.WithContext(ctx)
	insertGroup.Go(func() error {
		return h.insertRowsBatched(ictx, rows)
	})
	for name, pairs := range multiEntry {
		name, pairs := name, pairs
		insertGroup.Go(func() error {
			return h.insertSeparateTableBatched(ictx, name, pairs)
		})
	}
	return insertGroup.Wait()
}

func (h *storeHandle) deletePKsBatched(ctx context.Context, pks []string) error {
	for _, batch := range chunkStrings(pks, maxHostParams) {
		db := h.flavor().NewDeleteBuilder()
		db.DeleteFrom(storeTable(h.schema.Name)).Where(db.In(pkColumn, toAnySlice(batch)...))
		q, args := db.Build()
		if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "replacing rows in store %q", h.schema.Name)
		}
	}
	return nil
}

func (h *storeHandle) deleteSeparateTableByPKs(ctx context.Context, ix schema.IndexSchema, pks []string) error {
	for _, batch := range chunkStrings(pks, maxHostParams) {
		db := h.flavor().NewDeleteBuilder()
		db.DeleteFrom(separateIndexTable(h.schema.Name, ix.Name)).Where(db.In(refPkColumn, toAnySlice(batch)...))
		q, args := db.Build()
		if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "replacing index %q entries", ix.Name)
		}
	}
	return nil
}

// rowValues is the put-time shape of one main-table row: primary key,
// serialized document, and index column values (indexColumn(name) ->
// value or nil).
type rowValues struct {
	pk   string
	data string
	cols map[string]any
}

func (h *storeHandle) insertRowsBatched(ctx context.Context, rows []rowValues) error {
	if len(rows) == 0 {
		return nil
	}
	colNames := []string{pkColumn, dataColumn}
	for _, ix := range h.schema.Indexes {
		if !ix.SeparateTable() {
			colNames = append(colNames, indexColumn(ix.Name))
		}
	}
	fieldsPerRow := len(colNames)
	batchSize := maxHostParams / fieldsPerRow
	if batchSize < 1 {
		batchSize = 1
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		ib := h.flavor().NewInsertBuilder()
		ib.InsertInto(storeTable(h.schema.Name)).Cols(colNames...)
		for _, r := range rows[start:end] {
			vals := make([]any, 0, fieldsPerRow)
			vals = append(vals, r.pk, r.data)
			for _, ix := range h.schema.Indexes {
				if !ix.SeparateTable() {
					vals = append(vals, r.cols[indexColumn(ix.Name)])
				}
			}
			ib.Values(vals...)
		}
		q, args := ib.Build()
		if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "writing rows to store %q", h.schema.Name)
		}
	}
	return nil
}

func (h *storeHandle) insertSeparateTableBatched(ctx context.Context, indexName string, pairs [][2]string) error {
	if len(pairs) == 0 {
		return nil
	}
	batchSize := maxHostParams / 2
	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		ib := h.flavor().NewInsertBuilder()
		ib.InsertInto(separateIndexTable(h.schema.Name, indexName)).Cols(keyColumn, refPkColumn)
		for _, p := range pairs[start:end] {
			ib.Values(p[1], p[0])
		}
		q, args := ib.Build()
		if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "writing index %q entries", indexName)
		}
	}
	return nil
}

func (h *storeHandle) Remove(ctx context.Context, keys ...any) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "remove requires a write transaction")
	}
	pks := make([]string, len(keys))
	for i, k := range keys {
		pk, err := encodeKeyArg(h.schema.PrimaryKeyPath, k)
		if err != nil {
			return err
		}
		pks[i] = pk
	}
	for _, ix := range h.schema.Indexes {
		if !ix.SeparateTable() {
			continue
		}
		if err := h.deleteSeparateTableByPKs(ctx, ix, pks); err != nil {
			return err
		}
	}
	return h.deletePKsBatched(ctx, pks)
}

func (h *storeHandle) ClearAllData(ctx context.Context) error {
	if !h.txn.write {
		return kvdoc.NewError(kvdoc.StorageError, "clear_all_data requires a write transaction")
	}
	db := h.flavor().NewDeleteBuilder()
	db.DeleteFrom(storeTable(h.schema.Name))
	q, args := db.Build()
	if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "clearing store %q", h.schema.Name)
	}
	for _, ix := range h.schema.Indexes {
		if !ix.SeparateTable() {
			continue
		}
		db := h.flavor().NewDeleteBuilder()
		db.DeleteFrom(separateIndexTable(h.schema.Name, ix.Name))
		q, args := db.Build()
		if _, err := h.txn.tx.ExecContext(ctx, q, args...); err != nil {
			return kvdoc.WrapError(kvdoc.StorageError, err, "clearing index %q", ix.Name)
		}
	}
	return nil
}

func (h *storeHandle) OpenPrimaryKey() (storage.Index, error) {
	return &indexHandle{handle: h}, nil
}

func (h *storeHandle) OpenIndex(name string) (storage.Index, error) {
	ix, ok := h.schema.Index(name)
	if !ok {
		return nil, kvdoc.NewError(kvdoc.IndexNotFound, "store %q has no index %q", h.schema.Name, name)
	}
	return &indexHandle{handle: h, index: &ix}, nil
}

func chunkStrings(items []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
