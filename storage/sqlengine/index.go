// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import (
	"context"
	"strings"

	"github.com/huandu/go-sqlbuilder"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/fts"
	"github.com/kvdoc/kvdoc/schema"
	"github.com/kvdoc/kvdoc/storage"
)

// indexHandle implements storage.Index. index is nil for the primary-key
// index.
type indexHandle struct {
	handle *storeHandle
	index  *schema.IndexSchema
}

// view describes which table and column an index reads from, following
// the view-selection rules: primary key and column-based indexes (now
// including full-text, under the non-FTS3 LIKE fallback) read the main
// table; multi-entry indexes read their own table, left-joined back to
// the main table for the document body.
type view struct {
	table       string
	queryColumn string
}

func (ix *indexHandle) view() view {
	if ix.index == nil {
		return view{table: storeTable(ix.handle.schema.Name), queryColumn: pkColumn}
	}
	if ix.index.SeparateTable() {
		return view{table: separateIndexTable(ix.handle.schema.Name, ix.index.Name), queryColumn: keyColumn}
	}
	return view{table: storeTable(ix.handle.schema.Name), queryColumn: indexColumn(ix.index.Name)}
}

func (ix *indexHandle) keyPath() schema.KeyPath {
	if ix.index == nil {
		return ix.handle.schema.PrimaryKeyPath
	}
	if ix.index.MultiEntry || ix.index.FullText {
		return schema.Single("")
	}
	return ix.index.KeyPath
}

// selectBuilder returns a SELECT of the document body (by join, when the
// view's own table doesn't carry nsp_data) constrained to v and the
// caller-supplied where clauses.
func (ix *indexHandle) selectBuilder(v view) *sqlbuilder.SelectBuilder {
	sb := ix.handle.flavor().NewSelectBuilder()
	if v.table == storeTable(ix.handle.schema.Name) {
		sb.Select(dataColumn).From(v.table)
		return sb
	}
	main := storeTable(ix.handle.schema.Name)
	sb.Select(main + "." + dataColumn).
		From(v.table).
		JoinWithOption(sqlbuilder.LeftJoin, main, v.table+"."+refPkColumn+" = "+main+"."+pkColumn)
	return sb
}

func (ix *indexHandle) GetAll(ctx context.Context, opts storage.QueryOpts) ([]schema.Document, error) {
	return ix.GetRange(ctx, nil, nil, false, false, opts)
}

func (ix *indexHandle) GetOnly(ctx context.Context, key any, opts storage.QueryOpts) ([]schema.Document, error) {
	return ix.GetRange(ctx, key, key, false, false, opts)
}

func (ix *indexHandle) GetRange(ctx context.Context, low, high any, lowExcl, highExcl bool, opts storage.QueryOpts) ([]schema.Document, error) {
	v := ix.view()
	sb := ix.selectBuilder(v)
	col := v.queryColumn
	if v.table != storeTable(ix.handle.schema.Name) {
		col = v.table + "." + col
	}

	if err := ix.applyBounds(sb, col, low, high, lowExcl, highExcl); err != nil {
		return nil, err
	}

	switch opts.Sort {
	case storage.SortForward:
		sb.OrderBy(col).Asc()
	case storage.SortReverse:
		sb.OrderBy(col).Desc()
	}
	if opts.Limit > 0 {
		sb.Limit(clampLimit(opts.Limit))
	}
	if opts.Offset > 0 {
		sb.Offset(opts.Offset)
	}

	q, args := sb.Build()
	rows, err := ix.handle.txn.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kvdoc.WrapError(kvdoc.StorageError, err, "querying index")
	}
	var docs []schema.Document
	if err := scanDocs(rows, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (ix *indexHandle) applyBounds(sb *sqlbuilder.SelectBuilder, col string, low, high any, lowExcl, highExcl bool) error {
	kp := ix.keyPath()
	var conds []string
	if low != nil {
		s, err := encodeKeyArg(kp, low)
		if err != nil {
			return err
		}
		if lowExcl {
			conds = append(conds, sb.GreaterThan(col, s))
		} else {
			conds = append(conds, sb.GreaterEqualThan(col, s))
		}
	}
	if high != nil {
		s, err := encodeKeyArg(kp, high)
		if err != nil {
			return err
		}
		if highExcl {
			conds = append(conds, sb.LessThan(col, s))
		} else {
			conds = append(conds, sb.LessEqualThan(col, s))
		}
	}
	if len(conds) > 0 {
		sb.Where(conds...)
	}
	return nil
}

func clampLimit(n int) int {
	const maxLimit = 1<<32 - 1
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func (ix *indexHandle) count(ctx context.Context, low, high any, lowExcl, highExcl bool) (int, error) {
	v := ix.view()
	sb := ix.handle.flavor().NewSelectBuilder()
	sb.Select("COUNT(*)").From(v.table)
	col := v.queryColumn
	if err := ix.applyBounds(sb, col, low, high, lowExcl, highExcl); err != nil {
		return 0, err
	}
	q, args := sb.Build()
	var n int
	if err := ix.handle.txn.tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, kvdoc.WrapError(kvdoc.StorageError, err, "counting index")
	}
	return n, nil
}

func (ix *indexHandle) CountAll(ctx context.Context) (int, error) {
	return ix.count(ctx, nil, nil, false, false)
}

func (ix *indexHandle) CountOnly(ctx context.Context, key any) (int, error) {
	return ix.count(ctx, key, key, false, false)
}

func (ix *indexHandle) CountRange(ctx context.Context, low, high any, lowExcl, highExcl bool) (int, error) {
	return ix.count(ctx, low, high, lowExcl, highExcl)
}

func (ix *indexHandle) FullTextSearch(ctx context.Context, phrase string, resolution fts.Resolution, limit int) ([]schema.Document, error) {
	if ix.index == nil || !ix.index.FullText {
		return nil, kvdoc.NewError(kvdoc.IndexNotFound, "index is not a full-text index")
	}
	terms := fts.TermsOf(phrase)
	if len(terms) == 0 {
		return nil, nil
	}

	col := indexColumn(ix.index.Name)
	sb := ix.handle.flavor().NewSelectBuilder()
	sb.Select(dataColumn).From(storeTable(ix.handle.schema.Name))

	likeConds := make([]string, len(terms))
	for i, t := range terms {
		likeConds[i] = sb.Like(col, "%"+ftsJoinToken+strings.ReplaceAll(t, "%", "")+"%")
	}
	switch resolution {
	case fts.And:
		sb.Where(sb.And(likeConds...))
	case fts.Or:
		sb.Where(sb.Or(likeConds...))
	}
	if limit > 0 {
		sb.Limit(clampLimit(limit))
	}

	q, args := sb.Build()
	rows, err := ix.handle.txn.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kvdoc.WrapError(kvdoc.StorageError, err, "full-text search")
	}
	var docs []schema.Document
	if err := scanDocs(rows, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
