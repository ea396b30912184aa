package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/driftmarkets/bookfeed/pkg/broadcast"
	"github.com/driftmarkets/bookfeed/pkg/orderbook"
	"github.com/driftmarkets/bookfeed/pkg/server"
	"github.com/driftmarkets/bookfeed/pkg/transport"
	"github.com/driftmarkets/bookfeed/pkg/ws"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal runtime
// error (first failing task).
const (
	exitOK = iota
	exitConfig
	exitRuntime
)

func main() {
	os.Exit(run())
}

func run() int {
	// An optional .env provides defaults; flags still win.
	_ = godotenv.Load()

	var (
		exchanges     = flag.String("exchanges", envStr("BOOKFEED_EXCHANGES", ""), "Comma separated venues to aggregate, ie. binance,bitstamp,kraken")
		pairArg       = flag.String("pair", envStr("BOOKFEED_PAIR", ""), "Trading pair as two comma separated symbols, base first, ie. eth,btc")
		depth         = flag.Int("order_book_depth", envInt("BOOKFEED_ORDER_BOOK_DEPTH", 25), "Max per-side depth of the aggregated book")
		bestN         = flag.Int("best_n_orders", envInt("BOOKFEED_BEST_N_ORDERS", 10), "Number of best bids and asks in each published summary")
		streamBuffer  = flag.Int("exchange_stream_buffer", envInt("BOOKFEED_EXCHANGE_STREAM_BUFFER", 100), "Per-adapter internal frame buffer size")
		updateBuffer  = flag.Int("price_level_channel_buffer", envInt("BOOKFEED_PRICE_LEVEL_CHANNEL_BUFFER", 100), "Capacity of the adapters-to-aggregator channel")
		summaryBuffer = flag.Int("summary_buffer", envInt("BOOKFEED_SUMMARY_BUFFER", 300), "Capacity of the summary broadcast ring")
		socketAddress = flag.String("socket_address", envStr("BOOKFEED_SOCKET_ADDRESS", "[::1]:50051"), "gRPC bind address")
		level         = flag.String("level", envStr("BOOKFEED_LEVEL", "info"), "Log verbosity: trace, debug, info, warn or error")
		logFilePath   = flag.String("log_file_path", envStr("BOOKFEED_LOG_FILE_PATH", "output.log"), "Log output file")
		refresh       = flag.Duration("snapshot_refresh", envDuration("BOOKFEED_SNAPSHOT_REFRESH", 0), "Periodic snapshot overwrite interval for venues without sequence ids, 0 disables")
	)
	flag.Parse()

	venues, pair, err := parseMarket(*exchanges, *pairArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if *depth < 1 || *bestN < 1 || *bestN > *depth {
		fmt.Fprintf(os.Stderr, "best_n_orders (%d) must be between 1 and order_book_depth (%d)\n", *bestN, *depth)
		return exitConfig
	}
	if *streamBuffer < 1 || *updateBuffer < 1 || *summaryBuffer < 1 {
		fmt.Fprintln(os.Stderr, "channel buffers must be positive")
		return exitConfig
	}

	log, err := buildLogger(*level, *logFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	updates := make(chan transport.Update, *updateBuffer)
	bcast := broadcast.New(*summaryBuffer)
	book := orderbook.New(*depth, *bestN, bcast, log)

	log.Info("starting bookfeed",
		zap.Stringers("venues", venues),
		zap.String("pair", pair.Lower()),
		zap.Int("depth", *depth),
		zap.Int("best_n", *bestN))

	if err := ws.Spawn(ctx, g, venues, ws.Config{
		Pair:            pair,
		Depth:           *depth,
		StreamBuffer:    *streamBuffer,
		RefreshInterval: *refresh,
		Out:             updates,
		Log:             log,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	g.Go(func() error {
		return book.Run(ctx, updates)
	})
	g.Go(func() error {
		return server.Serve(ctx, *socketAddress, server.New(bcast, log), log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fatal task error, shutting down", zap.Error(err))
		return exitRuntime
	}
	log.Info("clean shutdown")
	return exitOK
}

func parseMarket(exchanges, pairArg string) ([]transport.Venue, transport.Pair, error) {
	if exchanges == "" {
		return nil, transport.Pair{}, errors.New("--exchanges is required")
	}
	if pairArg == "" {
		return nil, transport.Pair{}, errors.New("--pair is required")
	}
	venues, err := transport.ParseVenues(exchanges)
	if err != nil {
		return nil, transport.Pair{}, err
	}
	pair, err := transport.ParsePair(pairArg)
	if err != nil {
		return nil, transport.Pair{}, err
	}
	return venues, pair, nil
}

func buildLogger(level, path string) (*zap.Logger, error) {
	// Trace maps onto debug; zap has no finer level.
	if level == "trace" {
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
