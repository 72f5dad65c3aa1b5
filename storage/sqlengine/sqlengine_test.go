// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
	"github.com/kvdoc/kvdoc/storage/sqlengine"
)

func petSchema() schema.DbSchema {
	return schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:              "pets",
				PrimaryKeyPath:    schema.Single("id"),
				EstimatedObjBytes: 256,
				Indexes: []schema.IndexSchema{
					{Name: "by_species", KeyPath: schema.Single("species")},
					{Name: "by_species_name", KeyPath: schema.Compound("species", "name")},
					{Name: "by_tag", KeyPath: schema.Single("tags"), MultiEntry: true},
					{Name: "by_bio", KeyPath: schema.Single("bio"), FullText: true},
				},
			},
		},
	}
}

func openSQLite(t *testing.T, sch schema.DbSchema) *sqlengine.Store {
	t.Helper()
	st := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st.Open(context.Background(), ":memory:", sch, false))
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func put(t *testing.T, st *sqlengine.Store, store string, docs ...schema.Document) {
	t.Helper()
	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{store}, true)
	require.NoError(t, err)
	sh, err := txn.GetStore(store)
	require.NoError(t, err)
	require.NoError(t, sh.Put(ctx, docs...))
	require.NoError(t, txn.MarkCompleted(ctx))
}

func TestPrimaryKeyGetAndRange(t *testing.T) {
	st := openSQLite(t, petSchema())
	put(t, st, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex"},
		schema.Document{"id": "b", "species": "cat", "name": "Tom"},
		schema.Document{"id": "c", "species": "dog", "name": "Fido"},
	)

	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)

	doc, err := sh.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Rex", doc["name"])

	pk, err := sh.OpenPrimaryKey()
	require.NoError(t, err)
	all, err := pk.GetAll(ctx, storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, txn.MarkCompleted(ctx))
}

func TestCompoundKeyGetOnlyAndRange(t *testing.T) {
	st := openSQLite(t, petSchema())
	put(t, st, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex"},
		schema.Document{"id": "b", "species": "dog", "name": "Ajax"},
		schema.Document{"id": "c", "species": "cat", "name": "Tom"},
	)

	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	ix, err := sh.OpenIndex("by_species_name")
	require.NoError(t, err)

	docs, err := ix.GetOnly(ctx, []any{"dog", "Rex"}, storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["id"])

	rangeDocs, err := ix.GetRange(ctx, []any{"dog", ""}, []any{"dog", "~"}, false, false, storage.QueryOpts{Sort: storage.SortForward})
	require.NoError(t, err)
	require.Len(t, rangeDocs, 2)
	require.Equal(t, "Ajax", rangeDocs[0]["name"])
	require.Equal(t, "Rex", rangeDocs[1]["name"])

	require.NoError(t, txn.MarkCompleted(ctx))
}

func TestMultiEntryIndexPutAndRemove(t *testing.T) {
	st := openSQLite(t, petSchema())
	put(t, st, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex", "tags": []any{"fast", "loud"}},
		schema.Document{"id": "b", "species": "cat", "name": "Tom", "tags": []any{"quiet"}},
	)

	ctx := context.Background()
	countTagged := func() int {
		txn, err := st.NewTransaction(ctx, []string{"pets"}, false)
		require.NoError(t, err)
		sh, err := txn.GetStore("pets")
		require.NoError(t, err)
		ix, err := sh.OpenIndex("by_tag")
		require.NoError(t, err)
		n, err := ix.CountOnly(ctx, "loud")
		require.NoError(t, err)
		require.NoError(t, txn.MarkCompleted(ctx))
		return n
	}
	require.Equal(t, 1, countTagged())

	txn, err := st.NewTransaction(ctx, []string{"pets"}, true)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	require.NoError(t, sh.Remove(ctx, "a"))
	require.NoError(t, txn.MarkCompleted(ctx))

	require.Equal(t, 0, countTagged())
}

func TestFullTextSearchAndOrResolution(t *testing.T) {
	st := openSQLite(t, petSchema())
	put(t, st, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex", "bio": "the quick brown fox"},
		schema.Document{"id": "b", "species": "dog", "name": "Fido", "bio": "a lazy dog sleeps"},
		schema.Document{"id": "c", "species": "cat", "name": "Tom", "bio": "quick lazy cat"},
	)

	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	ix, err := sh.OpenIndex("by_bio")
	require.NoError(t, err)

	andDocs, err := ix.FullTextSearch(ctx, "quick lazy", fts.And, 0)
	require.NoError(t, err)
	require.Len(t, andDocs, 1)
	require.Equal(t, "c", andDocs[0]["id"])

	orDocs, err := ix.FullTextSearch(ctx, "quick lazy", fts.Or, 0)
	require.NoError(t, err)
	require.Len(t, orDocs, 3)

	require.NoError(t, txn.MarkCompleted(ctx))
}

func TestClearAllDataEmptiesIndexes(t *testing.T) {
	st := openSQLite(t, petSchema())
	put(t, st, "pets", schema.Document{"id": "a", "species": "dog", "name": "Rex"})

	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{"pets"}, true)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	require.NoError(t, sh.ClearAllData(ctx))
	require.NoError(t, txn.MarkCompleted(ctx))

	readTxn, err := st.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	rsh, err := readTxn.GetStore("pets")
	require.NoError(t, err)
	pk, err := rsh.OpenPrimaryKey()
	require.NoError(t, err)
	n, err := pk.CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, readTxn.MarkCompleted(ctx))
}

// TestReopenSameSchemaIsNoOp exercises the migrator's per-store diff on an
// unchanged schema: reopening with an identical schema must not lose data
// or error.
func TestReopenSameSchemaIsNoOp(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "reopen-same-schema.db")
	sch := petSchema()

	st1 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st1.Open(ctx, dsn, sch, false))
	put(t, st1, "pets", schema.Document{"id": "a", "species": "dog", "name": "Rex"})
	require.NoError(t, st1.Close(ctx))

	st2 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st2.Open(ctx, dsn, sch, false))
	defer st2.Close(ctx)

	txn, err := st2.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	doc, err := sh.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Rex", doc["name"])
	require.NoError(t, txn.MarkCompleted(ctx))
}

// TestSchemaUpgradeAddsIndexWithBackfill exercises the migrator's additive
// path: bumping the version and adding a new index must backfill it from
// documents written under the old schema.
func TestSchemaUpgradeAddsIndexWithBackfill(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "upgrade-adds-index.db")

	v1 := schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_species", KeyPath: schema.Single("species")},
				},
			},
		},
	}
	st1 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st1.Open(ctx, dsn, v1, false))
	put(t, st1, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex"},
		schema.Document{"id": "b", "species": "dog", "name": "Ajax"},
	)
	require.NoError(t, st1.Close(ctx))

	v2 := schema.DbSchema{
		Version: 2,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_species", KeyPath: schema.Single("species")},
					{Name: "by_name", KeyPath: schema.Single("name")},
				},
			},
		},
	}
	st2 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st2.Open(ctx, dsn, v2, false))
	defer st2.Close(ctx)

	txn, err := st2.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	ix, err := sh.OpenIndex("by_name")
	require.NoError(t, err)
	docs, err := ix.GetOnly(ctx, "Rex", storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["id"])
	require.NoError(t, txn.MarkCompleted(ctx))
}

// TestSchemaUpgradeRedefinesColumnIndex exercises the migrator's full-store
// recreate path for a column-based index whose declaration changes (here,
// its key_path) while remaining column-based: the old nsp_i_by_name column
// must not collide with a fresh ALTER TABLE ADD COLUMN, and the rebuilt
// column must reflect the new declaration for documents written under the
// old schema.
func TestSchemaUpgradeRedefinesColumnIndex(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "upgrade-redefines-index.db")

	v1 := schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_name", KeyPath: schema.Single("name")},
				},
			},
		},
	}
	st1 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st1.Open(ctx, dsn, v1, false))
	put(t, st1, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex"},
		schema.Document{"id": "b", "species": "cat", "name": "Tom"},
	)
	require.NoError(t, st1.Close(ctx))

	v2 := schema.DbSchema{
		Version: 2,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_name", KeyPath: schema.Single("species")},
				},
			},
		},
	}
	st2 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st2.Open(ctx, dsn, v2, false))
	defer st2.Close(ctx)

	txn, err := st2.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	ix, err := sh.OpenIndex("by_name")
	require.NoError(t, err)
	docs, err := ix.GetOnly(ctx, "dog", storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["id"])
	require.NoError(t, txn.MarkCompleted(ctx))
}

// TestSchemaUpgradeRemovesColumnIndex exercises the migrator's full-store
// recreate path when a column-based index is dropped from the schema: the
// rebuilt table must not carry the stale nsp_i_by_name column, and the
// store's data and surviving index must remain intact.
func TestSchemaUpgradeRemovesColumnIndex(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "upgrade-removes-index.db")

	v1 := schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_species", KeyPath: schema.Single("species")},
					{Name: "by_name", KeyPath: schema.Single("name")},
				},
			},
		},
	}
	st1 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st1.Open(ctx, dsn, v1, false))
	put(t, st1, "pets",
		schema.Document{"id": "a", "species": "dog", "name": "Rex"},
		schema.Document{"id": "b", "species": "cat", "name": "Tom"},
	)
	require.NoError(t, st1.Close(ctx))

	v2 := schema.DbSchema{
		Version: 2,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
				Indexes: []schema.IndexSchema{
					{Name: "by_species", KeyPath: schema.Single("species")},
				},
			},
		},
	}
	st2 := sqlengine.New(sqlengine.SQLite, nil)
	require.NoError(t, st2.Open(ctx, dsn, v2, false))
	defer st2.Close(ctx)

	txn, err := st2.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)

	_, err = sh.OpenIndex("by_name")
	require.Error(t, err)

	ix, err := sh.OpenIndex("by_species")
	require.NoError(t, err)
	docs, err := ix.GetOnly(ctx, "dog", storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["id"])
	require.NoError(t, txn.MarkCompleted(ctx))
}
