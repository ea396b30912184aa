package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Bitstamp's diff stream has no sequence ids, only microsecond timestamps.
// Frames that do not advance the timestamp are dropped, and the adapter can
// optionally overwrite its view from a REST snapshot on a fixed interval to
// bound drift (off by default; the venue is tolerated as best-effort).
const (
	bitstampWSEndpoint    = "wss://ws.bitstamp.net/"
	bitstampSnapshotBase  = "https://www.bitstamp.net/api/v2/order_book/"
	bitstampSubscribe     = "bts:subscribe"
	bitstampDataEvent     = "data"
	bitstampReconnectWant = "bts:request_reconnect"
)

type bitstampSubscribeMessage struct {
	Event string                `json:"event"`
	Data  bitstampSubscribeData `json:"data"`
}

type bitstampSubscribeData struct {
	Channel string `json:"channel"`
}

type bitstampEvent struct {
	Event string           `json:"event"`
	Data  bitstampBookData `json:"data"`
}

type bitstampBookData struct {
	Microtimestamp string      `json:"microtimestamp"`
	Bids           [][2]string `json:"bids"`
	Asks           [][2]string `json:"asks"`
}

type bitstampSnapshot struct {
	Microtimestamp string      `json:"microtimestamp"`
	Bids           [][2]string `json:"bids"`
	Asks           [][2]string `json:"asks"`
}

func spawnBitstamp(ctx context.Context, g *errgroup.Group, cfg Config) {
	frames := make(chan frame, cfg.StreamBuffer)
	resync := make(chan struct{}, 1)

	sub, _ := json.Marshal(bitstampSubscribeMessage{
		Event: bitstampSubscribe,
		Data:  bitstampSubscribeData{Channel: "diff_order_book_" + cfg.Pair.Lower()},
	})
	spec := dialSpec{
		venue:            transport.VenueBitstamp,
		endpoint:         bitstampWSEndpoint,
		subscribe:        sub,
		snapshotSentinel: true,
	}
	g.Go(func() error {
		return streamLoop(ctx, cfg.Log, spec, frames, resync)
	})

	h := &bitstampHandler{
		cfg:         cfg,
		resync:      resync,
		client:      http.DefaultClient,
		snapshotURL: bitstampSnapshotBase + cfg.Pair.Lower() + "/",
	}
	g.Go(func() error {
		return h.run(ctx, frames)
	})
}

type bitstampHandler struct {
	cfg         Config
	resync      chan struct{}
	client      *http.Client
	snapshotURL string

	lastMicro int64
	badFrames int
}

func (h *bitstampHandler) run(ctx context.Context, frames <-chan frame) error {
	var refresh <-chan time.Time
	if h.cfg.RefreshInterval > 0 {
		t := time.NewTicker(h.cfg.RefreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh:
			if err := h.applySnapshot(ctx); err != nil {
				return err
			}
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.snapshot {
				if err := h.applySnapshot(ctx); err != nil {
					return err
				}
				continue
			}
			if err := h.handleFrame(ctx, f.data); err != nil {
				return err
			}
		}
	}
}

func (h *bitstampHandler) applySnapshot(ctx context.Context) error {
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
		var snap bitstampSnapshot
		if err := fetchJSON(ctx, h.client, h.snapshotURL, &snap); err != nil {
			return err
		}

		micro, bids, asks, err := parseBitstampBook(snap.Microtimestamp, snap.Bids, snap.Asks)
		if err != nil {
			h.cfg.Log.Warn("malformed snapshot, retrying",
				zap.Stringer("venue", transport.VenueBitstamp),
				zap.Error(err))
			continue
		}
		if err := h.emit(ctx, bids, asks); err != nil {
			return err
		}
		h.lastMicro = micro
		h.badFrames = 0
		h.cfg.Log.Info("snapshot applied",
			zap.Stringer("venue", transport.VenueBitstamp),
			zap.Int64("microtimestamp", micro))
		return nil
	}
}

func (h *bitstampHandler) handleFrame(ctx context.Context, data []byte) error {
	var evt bitstampEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return h.badFrame(err)
	}

	switch evt.Event {
	case bitstampDataEvent:
	case bitstampReconnectWant:
		// The venue asks clients to reconnect before maintenance.
		requestResync(h.resync)
		return nil
	default:
		return nil
	}

	micro, bids, asks, err := parseBitstampBook(evt.Data.Microtimestamp, evt.Data.Bids, evt.Data.Asks)
	if err != nil {
		return h.badFrame(err)
	}
	h.badFrames = 0

	// Out of order or replayed frame.
	if micro <= h.lastMicro {
		return nil
	}
	if err := h.emit(ctx, bids, asks); err != nil {
		return err
	}
	h.lastMicro = micro
	return nil
}

func (h *bitstampHandler) badFrame(err error) error {
	h.badFrames++
	h.cfg.Log.Warn("dropping undecodable frame",
		zap.Stringer("venue", transport.VenueBitstamp),
		zap.Int("consecutive", h.badFrames),
		zap.Error(err))
	if h.badFrames >= maxBadFrames {
		h.badFrames = 0
		requestResync(h.resync)
	}
	return nil
}

func (h *bitstampHandler) emit(ctx context.Context, bids, asks []transport.Level) error {
	u := transport.Update{
		Venue: transport.VenueBitstamp,
		Bids:  truncateBids(bids, h.cfg.Depth),
		Asks:  truncateAsks(asks, h.cfg.Depth),
	}
	select {
	case h.cfg.Out <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseBitstampBook(microStr string, rawBids, rawAsks [][2]string) (int64, []transport.Level, []transport.Level, error) {
	micro, err := strconv.ParseInt(microStr, 10, 64)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("bad microtimestamp %q: %w", microStr, err)
	}
	bids, err := parseLevels(rawBids, transport.VenueBitstamp)
	if err != nil {
		return 0, nil, nil, err
	}
	asks, err := parseLevels(rawAsks, transport.VenueBitstamp)
	if err != nil {
		return 0, nil, nil, err
	}
	return micro, bids, asks, nil
}
