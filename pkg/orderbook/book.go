package orderbook

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftmarkets/bookfeed/pkg/broadcast"
	"github.com/driftmarkets/bookfeed/pkg/latency"
	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Book merges the update streams of every venue adapter into one cross-venue
// order book of bounded depth and derives a Summary after each applied
// update. It is driven by a single goroutine (Run), so the sides need no
// locking.
type Book struct {
	bids  Side
	asks  Side
	bestN int

	out     *broadcast.Broadcaster
	log     *zap.Logger
	applied *latency.Sampler
}

// New builds an empty aggregated book. maxDepth bounds each side; bestN is
// the per-side arity of published summaries.
func New(maxDepth, bestN int, out *broadcast.Broadcaster, log *zap.Logger) *Book {
	return &Book{
		bids:    NewBidSide(maxDepth),
		asks:    NewAskSide(maxDepth),
		bestN:   bestN,
		out:     out,
		log:     log,
		applied: latency.NewSampler(log, "book apply", 1000),
	}
}

// Run consumes updates until the channel closes or ctx is cancelled. A
// closed channel is a clean shutdown: the broadcaster is closed so every
// subscriber stream ends with EOF. Publishing never blocks, so a slow or
// absent subscriber cannot slow the book down.
func (b *Book) Run(ctx context.Context, updates <-chan transport.Update) error {
	defer b.out.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				b.log.Info("update channel closed, stopping aggregator")
				return nil
			}
			start := time.Now()
			b.Apply(u)
			summary := b.Summary()
			b.applied.Observe(time.Since(start))
			b.out.Send(summary)
		}
	}
}

// Apply folds one venue batch into the book.
func (b *Book) Apply(u transport.Update) {
	for _, lvl := range u.Bids {
		b.bids.Update(lvl)
	}
	for _, lvl := range u.Asks {
		b.asks.Update(lvl)
	}
}

// Summary derives the published view: spread plus the best N levels per
// side, padded to fixed arity. The spread is zero while either side is
// empty; it can be negative in a fast market and is emitted as-is.
func (b *Book) Summary() transport.Summary {
	bids := b.bids.BestN(b.bestN)
	asks := b.asks.BestN(b.bestN)

	spread := decimal.Zero
	if len(bids) > 0 && len(asks) > 0 {
		spread = asks[0].Price.Sub(bids[0].Price)
	}

	for len(bids) < b.bestN {
		bids = append(bids, transport.Level{})
	}
	for len(asks) < b.bestN {
		asks = append(asks, transport.Level{})
	}

	return transport.Summary{Spread: spread, Bids: bids, Asks: asks}
}

// Depths reports the current per-side sizes.
func (b *Book) Depths() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}
