package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/driftmarkets/bookfeed/pkg/broadcast"
	"github.com/driftmarkets/bookfeed/pkg/server/pb"
	"github.com/driftmarkets/bookfeed/pkg/transport"
)

func startTestServer(t *testing.T, bcast *broadcast.Broadcaster) (pb.OrderbookAggregatorClient, func()) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ServeListener(ctx, lis, New(bcast, zap.NewNop()), zap.NewNop())
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.DialContext(context.Background())
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	stop := func() {
		conn.Close()
		cancel()
		<-done
	}
	return pb.NewOrderbookAggregatorClient(conn), stop
}

func testSummary(spread string) transport.Summary {
	return transport.Summary{
		Spread: decimal.RequireFromString(spread),
		Bids: []transport.Level{{
			Price:    decimal.RequireFromString("100"),
			Quantity: decimal.RequireFromString("1.5"),
			Venue:    transport.VenueBinance,
		}},
		Asks: []transport.Level{{
			Price:    decimal.RequireFromString("100.5"),
			Quantity: decimal.RequireFromString("2"),
			Venue:    transport.VenueBitstamp,
		}},
	}
}

func TestBookSummaryStreams(t *testing.T) {
	bcast := broadcast.New(8)
	client, stop := startTestServer(t, bcast)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the server a moment to register the subscription before sending;
	// a subscriber only sees summaries produced after it subscribed.
	time.Sleep(100 * time.Millisecond)
	bcast.Send(testSummary("0.5"))

	got, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.GetSpread() != 0.5 {
		t.Fatalf("expected spread 0.5, got %f", got.GetSpread())
	}
	if len(got.GetBids()) != 1 || got.GetBids()[0].GetExchange() != "binance" {
		t.Fatalf("bids not translated: %+v", got.GetBids())
	}
	if got.GetAsks()[0].GetPrice() != 100.5 {
		t.Fatalf("asks not translated: %+v", got.GetAsks())
	}
}

func TestBookSummaryCleanEOFOnClose(t *testing.T) {
	bcast := broadcast.New(8)
	client, stop := startTestServer(t, bcast)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	bcast.Close()
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after broadcaster close, got %v", err)
	}
}

// A lagging subscriber is terminated with an Internal status; a second
// subscriber that kept up keeps receiving.
func TestBookSummaryLaggedSubscriber(t *testing.T) {
	bcast := broadcast.New(2)
	client, stop := startTestServer(t, bcast)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slow, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Overrun the ring. The slow subscriber never reads; its server-side
	// cursor can only fall behind once the stream's send window fills, so
	// push well past ring capacity.
	for i := 0; i < 5000; i++ {
		bcast.Send(testSummary("1"))
	}

	fast, err := client.BookSummary(ctx, &pb.Empty{})
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	bcast.Send(testSummary("2"))

	if got, err := fast.Recv(); err != nil || got.GetSpread() != 2 {
		t.Fatalf("fast subscriber should be unaffected: %v %v", got, err)
	}

	// Drain the slow stream; it must end with the lag status.
	for {
		_, err := slow.Recv()
		if err == nil {
			continue
		}
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.Internal {
			t.Fatalf("expected Internal lag status, got %v", err)
		}
		break
	}
}
