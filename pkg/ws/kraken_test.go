package ws

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

func startKrakenHandler(t *testing.T, depth int) (chan<- frame, <-chan transport.Update, func()) {
	t.Helper()

	out := make(chan transport.Update, 16)
	frames := make(chan frame, 16)
	h := &krakenHandler{
		cfg: Config{
			Depth: depth,
			Out:   out,
			Log:   zap.NewNop(),
		},
		resync: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.run(ctx, frames)
	}()
	return frames, out, func() {
		cancel()
		<-done
	}
}

func TestKrakenSnapshotMessage(t *testing.T) {
	frames, out, stop := startKrakenHandler(t, 25)
	defer stop()

	// Status events are JSON objects and must be ignored.
	frames <- frame{data: []byte(`{"event":"systemStatus","status":"online","version":"1.9.0"}`)}
	frames <- frame{data: []byte(`{"event":"heartbeat"}`)}
	expectNoUpdate(t, out)

	snapshot := `[640,{"bs":[["0.068000","10.0","1700000000.0"]],` +
		`"as":[["0.069000","5.0","1700000000.0"]]},"book-25","ETH/BTC"]`
	frames <- frame{data: []byte(snapshot)}

	u := recvUpdate(t, out)
	if u.Venue != transport.VenueKraken {
		t.Fatalf("wrong venue: %s", u.Venue)
	}
	if u.Bids[0].Price.String() != "0.068" || u.Asks[0].Price.String() != "0.069" {
		t.Fatalf("snapshot not normalized: %+v", u)
	}
}

func TestKrakenDeltaMessage(t *testing.T) {
	frames, out, stop := startKrakenHandler(t, 25)
	defer stop()

	delta := `[640,{"b":[["0.068500","3.0","1700000001.0"]]},"book-25","ETH/BTC"]`
	frames <- frame{data: []byte(delta)}

	u := recvUpdate(t, out)
	if len(u.Bids) != 1 || len(u.Asks) != 0 {
		t.Fatalf("expected one bid and no asks, got %+v", u)
	}
	if u.Bids[0].Price.String() != "0.0685" {
		t.Fatalf("wrong price: %s", u.Bids[0].Price)
	}
}

// Kraken can split bids and asks into two payload objects in one message.
func TestKrakenSplitPayloads(t *testing.T) {
	frames, out, stop := startKrakenHandler(t, 25)
	defer stop()

	msg := `[640,{"b":[["0.068500","3.0","1700000001.0"]]},` +
		`{"a":[["0.069500","2.0","1700000001.0"]]},"book-25","ETH/BTC"]`
	frames <- frame{data: []byte(msg)}

	u := recvUpdate(t, out)
	if len(u.Bids) != 1 || len(u.Asks) != 1 {
		t.Fatalf("expected both sides populated, got %+v", u)
	}
}

func TestKrakenSubscribeDepth(t *testing.T) {
	cases := map[int]int{1: 10, 10: 10, 11: 25, 25: 25, 200: 500, 5000: 1000}
	for depth, want := range cases {
		if got := krakenSubscribeDepth(depth); got != want {
			t.Fatalf("depth %d: expected subscription depth %d, got %d", depth, want, got)
		}
	}
}
