package orderbook

import (
	"github.com/google/btree"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Side is one half of the aggregated book. Implementations keep at most
// maxDepth levels, ordered best first, with one slot per (price, venue).
type Side interface {
	// Update upserts the level at its (price, venue) slot. A zero quantity
	// removes the slot if present. When the side is over depth, the worst
	// levels are evicted.
	Update(lvl transport.Level)
	// Best returns the top level, ordered by the side's predicate.
	Best() (transport.Level, bool)
	// BestN returns up to n levels, best first.
	BestN(n int) []transport.Level
	Len() int
}

// bidBetter orders bids: highest price first, then highest quantity, then
// venue tag for a stable order between venues quoting the same level.
func bidBetter(a, b transport.Level) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.Quantity.Equal(b.Quantity) {
		return a.Quantity.GreaterThan(b.Quantity)
	}
	return a.Venue < b.Venue
}

// askBetter orders asks: lowest price first, then highest quantity, then
// venue tag.
func askBetter(a, b transport.Level) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.Quantity.Equal(b.Quantity) {
		return a.Quantity.GreaterThan(b.Quantity)
	}
	return a.Venue < b.Venue
}

type slot struct {
	venue transport.Venue
	price string
}

// treeSide is the baseline Side: a btree ordered best-first plus an index by
// (price, venue) so a re-quote replaces its old entry instead of duplicating
// it. The btree key includes the quantity, so replacing a level means
// deleting the stale item first.
type treeSide struct {
	tree     *btree.BTreeG[transport.Level]
	index    map[slot]transport.Level
	maxDepth int
}

const btreeDegree = 8

// NewBidSide returns a bid Side bounded to maxDepth levels.
func NewBidSide(maxDepth int) Side {
	return &treeSide{
		tree:     btree.NewG(btreeDegree, bidBetter),
		index:    make(map[slot]transport.Level),
		maxDepth: maxDepth,
	}
}

// NewAskSide returns an ask Side bounded to maxDepth levels.
func NewAskSide(maxDepth int) Side {
	return &treeSide{
		tree:     btree.NewG(btreeDegree, askBetter),
		index:    make(map[slot]transport.Level),
		maxDepth: maxDepth,
	}
}

func (s *treeSide) Update(lvl transport.Level) {
	key := slot{venue: lvl.Venue, price: lvl.Price.String()}

	if old, ok := s.index[key]; ok {
		s.tree.Delete(old)
		delete(s.index, key)
	}
	if lvl.Quantity.IsZero() {
		return
	}

	s.tree.ReplaceOrInsert(lvl)
	s.index[key] = lvl

	// The tree is ordered best-first, so Max is the worst level.
	for s.tree.Len() > s.maxDepth {
		worst, ok := s.tree.DeleteMax()
		if !ok {
			break
		}
		delete(s.index, slot{venue: worst.Venue, price: worst.Price.String()})
	}
}

func (s *treeSide) Best() (transport.Level, bool) {
	return s.tree.Min()
}

func (s *treeSide) BestN(n int) []transport.Level {
	levels := make([]transport.Level, 0, n)
	s.tree.Ascend(func(lvl transport.Level) bool {
		levels = append(levels, lvl)
		return len(levels) < n
	})
	return levels
}

func (s *treeSide) Len() int {
	return s.tree.Len()
}
