package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

const bitstampTestSnapshot = `{"timestamp":"1700000000","microtimestamp":"1700000000000000",` +
	`"bids":[["0.068","10.0"]],"asks":[["0.069","5.0"]]}`

func bitstampData(micro int64, bidPrice, bidQty string) string {
	return fmt.Sprintf(`{"event":"data","channel":"diff_order_book_ethbtc",`+
		`"data":{"microtimestamp":"%d","bids":[["%s","%s"]],"asks":[]}}`,
		micro, bidPrice, bidQty)
}

func startBitstampHandler(t *testing.T) (chan<- frame, <-chan transport.Update, chan struct{}, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, bitstampTestSnapshot)
	}))

	out := make(chan transport.Update, 16)
	frames := make(chan frame, 16)
	resync := make(chan struct{}, 1)

	h := &bitstampHandler{
		cfg: Config{
			Depth: 25,
			Out:   out,
			Log:   zap.NewNop(),
		},
		resync:      resync,
		client:      srv.Client(),
		snapshotURL: srv.URL,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.run(ctx, frames)
	}()

	stop := func() {
		cancel()
		<-done
		srv.Close()
	}
	return frames, out, resync, stop
}

func TestBitstampSnapshotAndDedup(t *testing.T) {
	frames, out, _, stop := startBitstampHandler(t)
	defer stop()

	frames <- frame{snapshot: true}
	snap := recvUpdate(t, out)
	if snap.Venue != transport.VenueBitstamp {
		t.Fatalf("wrong venue: %s", snap.Venue)
	}
	if snap.Bids[0].Price.String() != "0.068" || snap.Asks[0].Price.String() != "0.069" {
		t.Fatalf("snapshot not normalized: %+v", snap)
	}

	// Frame older than the snapshot is dropped.
	frames <- frame{data: []byte(bitstampData(1700000000000000, "0.067", "1.0"))}
	expectNoUpdate(t, out)

	// Newer frame applies.
	frames <- frame{data: []byte(bitstampData(1700000000000001, "0.0685", "1.0"))}
	u := recvUpdate(t, out)
	if u.Bids[0].Price.String() != "0.0685" {
		t.Fatalf("expected newer frame applied, got %+v", u)
	}

	// Replay of the same microtimestamp is dropped.
	frames <- frame{data: []byte(bitstampData(1700000000000001, "0.9", "1.0"))}
	expectNoUpdate(t, out)
}

func TestBitstampReconnectRequest(t *testing.T) {
	frames, out, resync, stop := startBitstampHandler(t)
	defer stop()

	frames <- frame{snapshot: true}
	recvUpdate(t, out)

	frames <- frame{data: []byte(`{"event":"bts:request_reconnect","data":{}}`)}
	select {
	case <-resync:
	case <-time.After(time.Second):
		t.Fatal("no resync after bts:request_reconnect")
	}
}

func TestBitstampIgnoresOtherEvents(t *testing.T) {
	frames, out, _, stop := startBitstampHandler(t)
	defer stop()

	frames <- frame{snapshot: true}
	recvUpdate(t, out)

	frames <- frame{data: []byte(`{"event":"bts:subscription_succeeded","channel":"diff_order_book_ethbtc","data":{}}`)}
	expectNoUpdate(t, out)
}
