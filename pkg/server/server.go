package server

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/driftmarkets/bookfeed/pkg/broadcast"
	"github.com/driftmarkets/bookfeed/pkg/server/pb"
	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Service streams aggregated book summaries to gRPC subscribers. Every
// BookSummary call gets an independent subscription into the broadcaster;
// a subscriber that falls behind the ring is cut off with an Internal
// status and can simply reconnect. Subscriber trouble never reaches the
// producer side.
type Service struct {
	pb.UnimplementedOrderbookAggregatorServer

	bcast *broadcast.Broadcaster
	log   *zap.Logger
}

func New(bcast *broadcast.Broadcaster, log *zap.Logger) *Service {
	return &Service{bcast: bcast, log: log}
}

func (s *Service) BookSummary(_ *pb.Empty, stream pb.OrderbookAggregator_BookSummaryServer) error {
	id := uuid.NewString()
	sub := s.bcast.Subscribe()
	s.log.Info("subscriber connected", zap.String("subscriber", id))

	for {
		summary, err := sub.Recv(stream.Context())
		if err != nil {
			var lagged *broadcast.LaggedError
			switch {
			case errors.As(err, &lagged):
				s.log.Warn("subscriber lagged, closing stream",
					zap.String("subscriber", id),
					zap.Uint64("skipped", lagged.Skipped))
				return status.Error(codes.Internal, "stream lagged too far behind")
			case errors.Is(err, broadcast.ErrClosed):
				s.log.Info("broadcast closed, ending stream", zap.String("subscriber", id))
				return nil
			default:
				// Client cancelled or deadline passed.
				s.log.Info("subscriber disconnected", zap.String("subscriber", id))
				return nil
			}
		}
		if err := stream.Send(toProto(summary)); err != nil {
			s.log.Info("subscriber send failed",
				zap.String("subscriber", id),
				zap.Error(err))
			return err
		}
	}
}

func toProto(s transport.Summary) *pb.Summary {
	out := &pb.Summary{
		Spread: s.Spread.InexactFloat64(),
		Bids:   make([]*pb.Level, len(s.Bids)),
		Asks:   make([]*pb.Level, len(s.Asks)),
	}
	for i, lvl := range s.Bids {
		out.Bids[i] = toProtoLevel(lvl)
	}
	for i, lvl := range s.Asks {
		out.Asks[i] = toProtoLevel(lvl)
	}
	return out
}

func toProtoLevel(lvl transport.Level) *pb.Level {
	return &pb.Level{
		Exchange: lvl.Venue.String(),
		Price:    lvl.Price.InexactFloat64(),
		Amount:   lvl.Quantity.InexactFloat64(),
	}
}

// Serve binds addr and serves the aggregator service until ctx is
// cancelled, then stops gracefully. Bind and serve failures are fatal and
// propagate to the supervisor.
func Serve(ctx context.Context, addr string, svc *Service, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, svc, log)
}

// ServeListener is Serve for a pre-bound listener.
func ServeListener(ctx context.Context, lis net.Listener, svc *Service, log *zap.Logger) error {
	grpcServer := grpc.NewServer()
	pb.RegisterOrderbookAggregatorServer(grpcServer, svc)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	log.Info("grpc server listening", zap.String("address", lis.Addr().String()))
	return grpcServer.Serve(lis)
}
