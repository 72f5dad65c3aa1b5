package mem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
	"github.com/kvdoc/kvdoc/storage/mem"
)

func petSchema() schema.DbSchema {
	return schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:           "pets",
				PrimaryKeyPath: schema.Single("id"),
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

func openMem(t *testing.T, sch schema.DbSchema) *mem.Store {
	t.Helper()
	st := mem.New()
	require.NoError(t, st.Open(context.Background(), "pets-db", sch, false))
	return st
}

func put(t *testing.T, st *mem.Store, store string, docs ...schema.Document) {
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
	st := openMem(t, petSchema())
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
	st := openMem(t, petSchema())
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
	st := openMem(t, petSchema())
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
	st := openMem(t, petSchema())
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

func TestWriteTransactionAbortLeavesIndexesUnchanged(t *testing.T) {
	st := openMem(t, petSchema())
	put(t, st, "pets", schema.Document{"id": "a", "species": "dog", "name": "Rex"})

	ctx := context.Background()
	txn, err := st.NewTransaction(ctx, []string{"pets"}, true)
	require.NoError(t, err)
	sh, err := txn.GetStore("pets")
	require.NoError(t, err)
	require.NoError(t, sh.Put(ctx, schema.Document{"id": "b", "species": "cat", "name": "Tom"}))
	txn.Abort(ctx)

	readTxn, err := st.NewTransaction(ctx, []string{"pets"}, false)
	require.NoError(t, err)
	rsh, err := readTxn.GetStore("pets")
	require.NoError(t, err)
	pk, err := rsh.OpenPrimaryKey()
	require.NoError(t, err)
	all, err := pk.GetAll(ctx, storage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NoError(t, readTxn.MarkCompleted(ctx))
}

func TestDisjointWritersRunConcurrentlyAgainstRealEngine(t *testing.T) {
	sch := schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{Name: "a", PrimaryKeyPath: schema.Single("id")},
			{Name: "b", PrimaryKeyPath: schema.Single("id")},
		},
	}
	st := openMem(t, sch)
	ctx := context.Background()

	txnA, err := st.NewTransaction(ctx, []string{"a"}, true)
	require.NoError(t, err)
	txnB, err := st.NewTransaction(ctx, []string{"b"}, true)
	require.NoError(t, err)

	shA, err := txnA.GetStore("a")
	require.NoError(t, err)
	require.NoError(t, shA.Put(ctx, schema.Document{"id": "1"}))
	require.NoError(t, txnA.MarkCompleted(ctx))

	shB, err := txnB.GetStore("b")
	require.NoError(t, err)
	require.NoError(t, shB.Put(ctx, schema.Document{"id": "2"}))
	require.NoError(t, txnB.MarkCompleted(ctx))
}

func TestClearAllDataEmptiesIndexes(t *testing.T) {
	st := openMem(t, petSchema())
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
