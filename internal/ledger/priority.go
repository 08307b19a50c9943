package ledger

import (
	"github.com/tidwall/btree"

	"tradesim/internal/common"
)

// Price-time priority. Ids are handed out in creation order, so they settle
// ties between orders stamped with the same clock reading.

func bidLess(a, b common.Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price // Highest bid first
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func askLess(a, b common.Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price // Lowest ask first
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func completedLess(a, b common.Order) bool {
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.Before(b.CompletedAt)
	}
	return a.ID < b.ID
}

// ranked collects orders into a btree under less and yields at most limit of
// them in order. A negative limit means no cap.
type ranked struct {
	tree *btree.BTreeG[common.Order]
}

func newRanked(less func(a, b common.Order) bool) ranked {
	return ranked{tree: btree.NewBTreeG(less)}
}

func (r ranked) add(order common.Order) {
	r.tree.Set(order)
}

func (r ranked) take(limit int) []common.Order {
	n := r.tree.Len()
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]common.Order, 0, n)
	r.tree.Scan(func(order common.Order) bool {
		if len(out) == n {
			return false
		}
		out = append(out, order)
		return true
	})
	return out
}
