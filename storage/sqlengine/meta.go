// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/huandu/go-sqlbuilder"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/schema"
)

// indexMetaRow is the JSON value persisted in metadata for key
// "<store>_<index>": the ground truth the migrator diffs the desired
// schema against.
type indexMetaRow struct {
	Key       string            `json:"key"`
	StoreName string            `json:"store_name"`
	Index     schema.IndexSchema `json:"index"`
}

func ensureMetaTable(ctx context.Context, db *sql.DB, d Dialect) error {
	ctb := d.flavor.NewCreateTableBuilder()
	ctb.CreateTable(metaTable).IfNotExists()
	ctb.Define("name", "TEXT", "PRIMARY KEY")
	ctb.Define("value", "TEXT")
	q, args := ctb.Build()
	_, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "creating metadata table")
	}
	return nil
}

func metaGet(ctx context.Context, q queryer, d Dialect, name string) (string, bool, error) {
	sb := d.flavor.NewSelectBuilder()
	sb.Select("value").From(metaTable).Where(sb.Equal("name", name))
	query, args := sb.Build()
	row := q.QueryRowContext(ctx, query, args...)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, kvdoc.WrapError(kvdoc.StorageError, err, "reading metadata %q", name)
	}
	return v, true, nil
}

func metaSet(ctx context.Context, ex execer, d Dialect, name, value string) error {
	if err := metaDelete(ctx, ex, d, name); err != nil {
		return err
	}
	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto(metaTable).Cols("name", "value").Values(name, value)
	query, args := ib.Build()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "writing metadata %q", name)
	}
	return nil
}

func metaDelete(ctx context.Context, ex execer, d Dialect, name string) error {
	db := d.flavor.NewDeleteBuilder()
	db.DeleteFrom(metaTable).Where(db.Equal("name", name))
	query, args := db.Build()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "deleting metadata %q", name)
	}
	return nil
}

// driverCapsRow is the JSON value persisted under driverCapsKey, recording
// what Open's driver-name probe last found. It is re-derived and
// overwritten on every Open rather than trusted as authoritative, so a
// database file copied onto a different machine (different compiled-in
// driver behavior) never runs on a stale assumption; the persisted copy
// exists for operators inspecting the metadata table, not as a cache.
type driverCapsRow struct {
	RequiresUnicodeReplacement bool `json:"requires_unicode_replacement"`
}

func setDriverCaps(ctx context.Context, ex execer, d Dialect, caps driverCapsRow) error {
	bs, err := json.Marshal(caps)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "encoding driver capabilities")
	}
	return metaSet(ctx, ex, d, driverCapsKey, string(bs))
}

func getSchemaVersion(ctx context.Context, q queryer, d Dialect) (uint32, error) {
	v, ok, err := metaGet(ctx, q, d, schemaVerKey)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, kvdoc.WrapError(kvdoc.ParseError, err, "parsing schemaVersion")
	}
	return uint32(n), nil
}

func setSchemaVersion(ctx context.Context, ex execer, d Dialect, version uint32) error {
	return metaSet(ctx, ex, d, schemaVerKey, strconv.FormatUint(uint64(version), 10))
}

func getIndexMeta(ctx context.Context, q queryer, d Dialect, store, index string) (indexMetaRow, bool, error) {
	v, ok, err := metaGet(ctx, q, d, metaKey(store, index))
	if err != nil || !ok {
		return indexMetaRow{}, ok, err
	}
	var row indexMetaRow
	if err := json.Unmarshal([]byte(v), &row); err != nil {
		return indexMetaRow{}, false, kvdoc.WrapError(kvdoc.ParseError, err, "parsing index meta %q", index)
	}
	return row, true, nil
}

func putIndexMeta(ctx context.Context, ex execer, d Dialect, store string, ix schema.IndexSchema) error {
	row := indexMetaRow{Key: metaKey(store, ix.Name), StoreName: store, Index: ix}
	bs, err := json.Marshal(row)
	if err != nil {
		return kvdoc.WrapError(kvdoc.StorageError, err, "encoding index meta %q", ix.Name)
	}
	return metaSet(ctx, ex, d, row.Key, string(bs))
}

func deleteIndexMeta(ctx context.Context, ex execer, d Dialect, store, index string) error {
	return metaDelete(ctx, ex, d, metaKey(store, index))
}

// queryer and execer narrow *sql.DB/*sql.Tx to what meta/migrator code
// needs, so the same helpers work against either.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type execQueryer interface {
	queryer
	execer
}
