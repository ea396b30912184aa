package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Binance streams sequenced depth deltas. Every delta carries a first (U)
// and final (u) update id; the REST snapshot carries lastUpdateId. The
// handler reconciles the two exactly as the venue documents: deltas that
// end at or before the snapshot are dropped, the first applied delta must
// straddle lastUpdateId+1, and every later delta must continue the sequence
// or the whole handshake is restarted.
const (
	binanceWSBase       = "wss://stream.binance.com:9443/ws/"
	binanceSnapshotBase = "https://api.binance.com/api/v3/depth"
	binanceDepthEvent   = "depthUpdate"
)

type binanceDepthUpdate struct {
	Event   string      `json:"e"`
	FirstID int64       `json:"U"`
	FinalID int64       `json:"u"`
	Bids    [][2]string `json:"b"`
	Asks    [][2]string `json:"a"`
}

type binanceSnapshot struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func spawnBinance(ctx context.Context, g *errgroup.Group, cfg Config) {
	frames := make(chan frame, cfg.StreamBuffer)
	resync := make(chan struct{}, 1)

	spec := dialSpec{
		venue:            transport.VenueBinance,
		endpoint:         binanceWSBase + cfg.Pair.Lower() + "@depth",
		snapshotSentinel: true,
	}
	g.Go(func() error {
		return streamLoop(ctx, cfg.Log, spec, frames, resync)
	})

	h := &binanceHandler{
		cfg:         cfg,
		resync:      resync,
		client:      http.DefaultClient,
		snapshotURL: fmt.Sprintf("%s?symbol=%s&limit=%d", binanceSnapshotBase, cfg.Pair.Upper(), cfg.Depth),
	}
	g.Go(func() error {
		return h.run(ctx, frames)
	})
}

type binanceHandler struct {
	cfg         Config
	resync      chan struct{}
	client      *http.Client
	snapshotURL string

	lastID int64
	// synced is set once the first post-snapshot delta has been verified to
	// straddle lastUpdateId+1; from then on the sequence must be contiguous.
	synced bool
	// awaitSnapshot drops deltas between a detected gap and the snapshot
	// frame of the forced reconnect.
	awaitSnapshot bool
	badFrames     int
}

// Consecutive undecodable frames tolerated before forcing a resync.
const maxBadFrames = 10

func (h *binanceHandler) run(ctx context.Context, frames <-chan frame) error {
	h.awaitSnapshot = true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
			if err := h.handleDelta(ctx, f.data); err != nil {
				return err
			}
		}
	}
}

func (h *binanceHandler) applySnapshot(ctx context.Context) error {
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
		var snap binanceSnapshot
		if err := fetchJSON(ctx, h.client, h.snapshotURL, &snap); err != nil {
			return err
		}

		bids, err := parseLevels(snap.Bids, transport.VenueBinance)
		if err == nil {
			var asks []transport.Level
			asks, err = parseLevels(snap.Asks, transport.VenueBinance)
			if err == nil {
				if err := h.emit(ctx, bids, asks); err != nil {
					return err
				}
				h.lastID = snap.LastUpdateID
				h.synced = false
				h.awaitSnapshot = false
				h.badFrames = 0
				h.cfg.Log.Info("snapshot applied",
					zap.Stringer("venue", transport.VenueBinance),
					zap.Int64("last_update_id", snap.LastUpdateID))
				return nil
			}
		}
		h.cfg.Log.Warn("malformed snapshot, retrying",
			zap.Stringer("venue", transport.VenueBinance),
			zap.Error(err))
	}
}

func (h *binanceHandler) handleDelta(ctx context.Context, data []byte) error {
	if h.awaitSnapshot {
		return nil
	}

	var upd binanceDepthUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return h.badFrame(err)
	}
	if upd.Event != binanceDepthEvent {
		return nil
	}

	// Buffered delta fully covered by the snapshot.
	if upd.FinalID <= h.lastID {
		return nil
	}

	if !h.synced {
		// The first applied delta must contain lastUpdateId+1.
		if upd.FirstID > h.lastID+1 {
			h.gap(upd.FirstID)
			return nil
		}
		h.synced = true
	} else if upd.FirstID != h.lastID+1 {
		h.gap(upd.FirstID)
		return nil
	}

	bids, err := parseLevels(upd.Bids, transport.VenueBinance)
	if err != nil {
		return h.badFrame(err)
	}
	asks, err := parseLevels(upd.Asks, transport.VenueBinance)
	if err != nil {
		return h.badFrame(err)
	}
	h.badFrames = 0

	if err := h.emit(ctx, bids, asks); err != nil {
		return err
	}
	h.lastID = upd.FinalID
	return nil
}

// gap restarts the snapshot handshake; the gapped delta is never emitted.
func (h *binanceHandler) gap(firstID int64) {
	h.cfg.Log.Warn("sequence gap, resyncing",
		zap.Stringer("venue", transport.VenueBinance),
		zap.Int64("expected", h.lastID+1),
		zap.Int64("got", firstID))
	h.awaitSnapshot = true
	h.synced = false
	requestResync(h.resync)
}

func (h *binanceHandler) badFrame(err error) error {
	h.badFrames++
	h.cfg.Log.Warn("dropping undecodable frame",
		zap.Stringer("venue", transport.VenueBinance),
		zap.Int("consecutive", h.badFrames),
		zap.Error(err))
	if h.badFrames >= maxBadFrames {
		h.badFrames = 0
		h.awaitSnapshot = true
		h.synced = false
		requestResync(h.resync)
	}
	return nil
}

func (h *binanceHandler) emit(ctx context.Context, bids, asks []transport.Level) error {
	u := transport.Update{
		Venue: transport.VenueBinance,
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
