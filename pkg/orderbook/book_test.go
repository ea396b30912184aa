package orderbook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftmarkets/bookfeed/pkg/broadcast"
	"github.com/driftmarkets/bookfeed/pkg/transport"
)

func newTestBook(depth, bestN int) (*Book, *broadcast.Broadcaster) {
	bcast := broadcast.New(16)
	return New(depth, bestN, bcast, zap.NewNop()), bcast
}

// Two venues quoting different bid prices merge into one ordered view with
// fixed-arity padding on the empty side.
func TestMergeAcrossVenues(t *testing.T) {
	book, _ := newTestBook(5, 2)
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "1", transport.VenueBinance)},
	})
	book.Apply(transport.Update{
		Venue: transport.VenueBitstamp,
		Bids:  []transport.Level{lvl("101", "2", transport.VenueBitstamp)},
	})

	s := book.Summary()
	if len(s.Bids) != 2 || len(s.Asks) != 2 {
		t.Fatalf("summary must have fixed arity 2, got %d/%d", len(s.Bids), len(s.Asks))
	}
	if s.Bids[0].Venue != transport.VenueBitstamp || s.Bids[0].Price.String() != "101" {
		t.Fatalf("best bid should be (bitstamp, 101), got %+v", s.Bids[0])
	}
	if s.Bids[1].Venue != transport.VenueBinance || s.Bids[1].Price.String() != "100" {
		t.Fatalf("second bid should be (binance, 100), got %+v", s.Bids[1])
	}
	for _, ask := range s.Asks {
		if ask.Venue != transport.VenueNone || !ask.Price.IsZero() {
			t.Fatalf("ask side should be empty padding, got %+v", ask)
		}
	}
	if !s.Spread.IsZero() {
		t.Fatalf("spread must be zero while one side is empty, got %s", s.Spread)
	}
}

// A zero-quantity level removes that venue's entry and the padding returns.
func TestRemovalLeavesPadding(t *testing.T) {
	book, _ := newTestBook(5, 2)
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "1", transport.VenueBinance)},
	})
	book.Apply(transport.Update{
		Venue: transport.VenueBitstamp,
		Bids:  []transport.Level{lvl("101", "2", transport.VenueBitstamp)},
	})
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "0", transport.VenueBinance)},
	})

	s := book.Summary()
	if s.Bids[0].Venue != transport.VenueBitstamp || s.Bids[0].Price.String() != "101" {
		t.Fatalf("best bid should be (bitstamp, 101), got %+v", s.Bids[0])
	}
	if s.Bids[1].Venue != transport.VenueNone {
		t.Fatalf("second slot should be padding after removal, got %+v", s.Bids[1])
	}
}

func TestSpread(t *testing.T) {
	book, _ := newTestBook(5, 1)
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "1", transport.VenueBinance)},
		Asks:  []transport.Level{lvl("100.5", "1", transport.VenueBinance)},
	})
	if s := book.Summary(); s.Spread.String() != "0.5" {
		t.Fatalf("expected spread 0.5, got %s", s.Spread)
	}

	// A crossed market yields a negative spread, emitted as-is.
	book.Apply(transport.Update{
		Venue: transport.VenueBitstamp,
		Bids:  []transport.Level{lvl("101", "1", transport.VenueBitstamp)},
	})
	if s := book.Summary(); s.Spread.String() != "-0.5" {
		t.Fatalf("expected spread -0.5, got %s", s.Spread)
	}
}

// Later updates from the same venue win over earlier ones.
func TestPerVenueFIFO(t *testing.T) {
	book, _ := newTestBook(5, 1)
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "1", transport.VenueBinance)},
	})
	book.Apply(transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "7", transport.VenueBinance)},
	})

	s := book.Summary()
	if s.Bids[0].Quantity.String() != "7" {
		t.Fatalf("summary should reflect the later update, got qty %s", s.Bids[0].Quantity)
	}
}

// Run consumes the channel, publishes a summary per update, and closes the
// broadcaster when the channel closes.
func TestRunLifecycle(t *testing.T) {
	book, bcast := newTestBook(5, 1)
	updates := make(chan transport.Update, 4)
	sub := bcast.Subscribe()

	done := make(chan error, 1)
	go func() {
		done <- book.Run(context.Background(), updates)
	}()

	updates <- transport.Update{
		Venue: transport.VenueBinance,
		Bids:  []transport.Level{lvl("100", "1", transport.VenueBinance)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("expected a summary: %v", err)
	}
	if s.Bids[0].Price.String() != "100" {
		t.Fatalf("wrong summary: %+v", s.Bids[0])
	}

	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("closed channel should be a clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after channel close")
	}

	if _, err := sub.Recv(ctx); !errors.Is(err, broadcast.ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

// Invariant: both sides stay within depth whatever the update sequence.
func TestDepthInvariant(t *testing.T) {
	book, _ := newTestBook(3, 2)
	for i := 0; i < 20; i++ {
		book.Apply(transport.Update{
			Venue: transport.VenueBinance,
			Bids:  []transport.Level{lvl(decimalFromInt(100+i), "1", transport.VenueBinance)},
			Asks:  []transport.Level{lvl(decimalFromInt(200+i), "1", transport.VenueBinance)},
		})
		bids, asks := book.Depths()
		if bids > 3 || asks > 3 {
			t.Fatalf("depth invariant violated: bids=%d asks=%d", bids, asks)
		}
	}
}

func decimalFromInt(n int) string {
	return decimal.NewFromInt(int64(n)).String()
}
