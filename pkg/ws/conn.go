package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

const (
	// Reliability knobs
	dialTimeout  = 10 * time.Second
	readTimeout  = 30 * time.Second
	pingInterval = 15 * time.Second
	pingTimeout  = 5 * time.Second

	// Reconnect backoff
	backoffBase = 250 * time.Millisecond
	backoffMax  = 8 * time.Second

	// Consecutive dial failures before the adapter gives up and takes the
	// whole process down.
	maxDialFailures = 20

	closeReasonDone  = "done"
	closeReasonRetry = "reconnect"
)

// frame is one message on the internal stream-to-handler channel. A
// snapshot frame is a sentinel injected by the stream task after each
// (re)connect, telling the handler to rebuild its state from a fresh
// snapshot before applying further deltas.
type frame struct {
	snapshot bool
	data     []byte
}

// dialSpec describes how the stream task reaches one venue.
type dialSpec struct {
	venue    transport.Venue
	endpoint string
	// subscribe, when non-nil, is written to the socket right after dialing.
	subscribe []byte
	// snapshotSentinel injects a snapshot frame after every (re)connect.
	// Venues whose stream carries its own snapshot leave this false.
	snapshotSentinel bool
}

// streamLoop owns the network subscription for one venue. It dials,
// subscribes, and forwards text frames onto the internal channel, keeping
// the connection alive with pings. On any transport error it closes the
// socket, waits an exponential backoff with jitter, and redials from
// scratch. A signal on resync forces the same teardown, which re-runs the
// snapshot handshake. Only context cancellation or a persistent dial
// failure ends the loop.
func streamLoop(ctx context.Context, log *zap.Logger, spec dialSpec, frames chan<- frame, resync <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	dialFailures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := dialAndSubscribe(ctx, spec, attempt, rng)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dialFailures++
			if dialFailures >= maxDialFailures {
				return fmt.Errorf("%s: giving up after %d failed connection attempts: %w", spec.venue, dialFailures, err)
			}
			log.Warn("dial failed",
				zap.Stringer("venue", spec.venue),
				zap.Int("attempt", dialFailures),
				zap.Error(err))
			attempt++
			continue
		}
		attempt = 0
		dialFailures = 0
		log.Info("ws connection established", zap.Stringer("venue", spec.venue))

		if spec.snapshotSentinel {
			select {
			case frames <- frame{snapshot: true}:
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, closeReasonDone)
				return ctx.Err()
			}
		}

		// connCtx scopes this connection: a resync request or a failed ping
		// cancels it, which unblocks the pending read and forces a redial.
		connCtx, connCancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-resync:
				log.Info("resync requested, reconnecting", zap.Stringer("venue", spec.venue))
				connCancel()
			case <-connCtx.Done():
			}
		}()
		go pingLoop(connCtx, connCancel, conn)

		readFrames(connCtx, conn, frames)

		connCancel()
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, closeReasonDone)
			return ctx.Err()
		}
		_ = conn.Close(websocket.StatusNormalClosure, closeReasonRetry)
		log.Warn("ws connection lost, reconnecting", zap.Stringer("venue", spec.venue))
		attempt = 1
	}
}

// readFrames forwards text messages until the connection dies or connCtx is
// cancelled.
func readFrames(connCtx context.Context, conn *websocket.Conn, frames chan<- frame) {
	for {
		readCtx, cancel := context.WithTimeout(connCtx, readTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case frames <- frame{data: data}:
		case <-connCtx.Done():
			return
		}
	}
}

func dialAndSubscribe(ctx context.Context, spec dialSpec, attempt int, rng *rand.Rand) (*websocket.Conn, error) {
	if attempt > 0 {
		delay := computeBackoff(attempt, rng)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, spec.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if spec.subscribe != nil {
		writeCtx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		if err := conn.Write(writeCtx, websocket.MessageText, spec.subscribe); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			return nil, fmt.Errorf("subscribe write: %w", err)
		}
	}
	return conn, nil
}

func pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func computeBackoff(attempt int, rng *rand.Rand) time.Duration {
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	delay := backoffBase * time.Duration(1<<exp)
	if delay > backoffMax {
		delay = backoffMax
	}
	jitter := time.Duration(rng.Intn(150)) * time.Millisecond
	return delay + jitter
}

// requestResync asks the stream task for a fresh handshake without blocking;
// a request is already pending when the channel is full, which is the same
// outcome.
func requestResync(resync chan<- struct{}) {
	select {
	case resync <- struct{}{}:
	default:
	}
}

// fetchJSON performs a GET with the backoff schedule of the stream loop,
// retrying transient HTTP failures and malformed bodies until ctx is done.
func fetchJSON(ctx context.Context, client *http.Client, url string, v any) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(computeBackoff(attempt, rng))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := fetchJSONOnce(ctx, client, url, v); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

func fetchJSONOnce(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot request returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// parseLevels converts venue [price, quantity] string pairs into levels.
func parseLevels(raw [][2]string, venue transport.Venue) ([]transport.Level, error) {
	levels := make([]transport.Level, 0, len(raw))
	for _, pq := range raw {
		lvl, err := parseLevel(pq[0], pq[1], venue)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func parseLevel(price, qty string, venue transport.Venue) (transport.Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return transport.Level{}, fmt.Errorf("bad price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return transport.Level{}, fmt.Errorf("bad quantity %q: %w", qty, err)
	}
	return transport.Level{Price: p, Quantity: q, Venue: venue}, nil
}

// truncateBids keeps the top depth bids by descending price, capping the
// traffic an adapter pushes toward the aggregator.
func truncateBids(levels []transport.Level, depth int) []transport.Level {
	if len(levels) <= depth {
		return levels
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	return levels[:depth]
}

// truncateAsks keeps the top depth asks by ascending price.
func truncateAsks(levels []transport.Level, depth int) []transport.Level {
	if len(levels) <= depth {
		return levels
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels[:depth]
}
