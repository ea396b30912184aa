package transport

import (
	"github.com/shopspring/decimal"
)

// Level is a single price level as reported by one venue. A zero Quantity
// means the level at (Price, Venue) is gone.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Venue    Venue
}

// Update is an atomic batch of price level changes from one venue. Levels
// are absolute: each carries the new quantity at its price, not a delta.
// Updates from the same venue arrive in the order the venue emitted them.
type Update struct {
	Venue Venue
	Bids  []Level
	Asks  []Level
}

// Summary is the published view of the aggregated book: the spread plus the
// best N levels of each side. Both slices always have length N; missing
// levels are padded with zero-valued entries tagged VenueNone so the wire
// shape stays fixed.
type Summary struct {
	Spread decimal.Decimal
	Bids   []Level
	Asks   []Level
}
