package mem

import "github.com/google/btree"

// treeEntry is one row of an index's ordered tree: an encoded key paired
// with the primary key of the document that produced it. Pairing with PK
// lets a single index key map to several documents (a non-unique index)
// while keeping the tree's total order well defined.
type treeEntry struct {
	Key string
	PK  string
}

func lessEntry(a, b treeEntry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.PK < b.PK
}

func newTree() *btree.BTreeG[treeEntry] {
	return btree.NewG(32, lessEntry)
}

// rangeScan iterates entries of t whose Key satisfies the (low, high)
// bounds (inclusive unless excluded), forward or reverse, honoring offset
// then limit. A nil bound means unbounded on that side.
func rangeScan(t *btree.BTreeG[treeEntry], low, high *string, lowExcl, highExcl, reverse bool, offset, limit int, visit func(treeEntry) bool) {
	skipped := 0
	taken := 0

	emit := func(e treeEntry) bool {
		if skipped < offset {
			skipped++
			return true
		}
		if limit > 0 && taken >= limit {
			return false
		}
		taken++
		return visit(e)
	}

	if !reverse {
		pivot := treeEntry{}
		if low != nil {
			pivot.Key = *low
		}
		t.AscendGreaterOrEqual(pivot, func(e treeEntry) bool {
			if lowExcl && low != nil && e.Key == *low {
				return true
			}
			if high != nil {
				if e.Key > *high || (highExcl && e.Key == *high) {
					return false
				}
			}
			return emit(e)
		})
		return
	}

	pivot := treeEntry{Key: maxSentinel, PK: maxSentinel}
	if high != nil {
		pivot.Key = *high
		pivot.PK = maxSentinel
	}
	t.DescendLessOrEqual(pivot, func(e treeEntry) bool {
		if highExcl && high != nil && e.Key == *high {
			return true
		}
		if low != nil {
			if e.Key < *low || (lowExcl && e.Key == *low) {
				return false
			}
		}
		return emit(e)
	})
}

// maxSentinel sorts after any key keycodec can produce (its alphabet is
// restricted to ASCII prefixes "A"/"B"/"C" plus mantissa/date/string
// content), used as a reverse-scan starting pivot when no upper bound is
// given.
const maxSentinel = "￿￿￿￿"
