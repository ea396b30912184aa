package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Kraken pushes the book snapshot as the first message on the subscribed
// channel ("bs"/"as" keys), then deltas ("b"/"a"), so no REST snapshot is
// needed: every reconnect re-delivers a snapshot. There are no sequence
// ids; the venue is handled best-effort like Bitstamp.
const (
	krakenWSEndpoint = "wss://ws.kraken.com"
	krakenBookName   = "book"
)

type krakenSubscribeMessage struct {
	Event        string             `json:"event"`
	Pair         []string           `json:"pair"`
	Subscription krakenSubscription `json:"subscription"`
}

type krakenSubscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// krakenBookPayload matches both snapshot and delta payload objects.
type krakenBookPayload struct {
	SnapshotBids [][]string `json:"bs"`
	SnapshotAsks [][]string `json:"as"`
	Bids         [][]string `json:"b"`
	Asks         [][]string `json:"a"`
}

// Kraken constrains book depth to a fixed set of subscription sizes.
var krakenDepths = []int{10, 25, 100, 500, 1000}

func krakenSubscribeDepth(depth int) int {
	for _, d := range krakenDepths {
		if depth <= d {
			return d
		}
	}
	return krakenDepths[len(krakenDepths)-1]
}

func spawnKraken(ctx context.Context, g *errgroup.Group, cfg Config) {
	frames := make(chan frame, cfg.StreamBuffer)
	resync := make(chan struct{}, 1)

	sub, _ := json.Marshal(krakenSubscribeMessage{
		Event: "subscribe",
		Pair:  []string{cfg.Pair.Slash()},
		Subscription: krakenSubscription{
			Name:  krakenBookName,
			Depth: krakenSubscribeDepth(cfg.Depth),
		},
	})
	spec := dialSpec{
		venue:     transport.VenueKraken,
		endpoint:  krakenWSEndpoint,
		subscribe: sub,
		// The channel itself delivers a snapshot after subscribing.
		snapshotSentinel: false,
	}
	g.Go(func() error {
		return streamLoop(ctx, cfg.Log, spec, frames, resync)
	})

	h := &krakenHandler{cfg: cfg, resync: resync}
	g.Go(func() error {
		return h.run(ctx, frames)
	})
}

type krakenHandler struct {
	cfg       Config
	resync    chan struct{}
	badFrames int
}

func (h *krakenHandler) run(ctx context.Context, frames <-chan frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := h.handleFrame(ctx, f.data); err != nil {
				return err
			}
		}
	}
}

func (h *krakenHandler) handleFrame(ctx context.Context, data []byte) error {
	// Event messages (systemStatus, subscriptionStatus, heartbeat) are JSON
	// objects; book messages are arrays of
	// [channelID, payload..., channelName, pair].
	if len(data) == 0 || data[0] != '[' {
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return h.badFrame(err)
	}
	if len(elems) < 4 {
		return h.badFrame(fmt.Errorf("book message with %d elements", len(elems)))
	}

	var bids, asks []transport.Level
	// A message can carry one or two payload objects (bids and asks split).
	for _, raw := range elems[1 : len(elems)-2] {
		var payload krakenBookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return h.badFrame(err)
		}
		for _, rows := range [2][][]string{payload.SnapshotBids, payload.Bids} {
			parsed, err := parseKrakenLevels(rows)
			if err != nil {
				return h.badFrame(err)
			}
			bids = append(bids, parsed...)
		}
		for _, rows := range [2][][]string{payload.SnapshotAsks, payload.Asks} {
			parsed, err := parseKrakenLevels(rows)
			if err != nil {
				return h.badFrame(err)
			}
			asks = append(asks, parsed...)
		}
	}
	h.badFrames = 0

	if len(bids) == 0 && len(asks) == 0 {
		return nil
	}

	u := transport.Update{
		Venue: transport.VenueKraken,
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

func (h *krakenHandler) badFrame(err error) error {
	h.badFrames++
	h.cfg.Log.Warn("dropping undecodable frame",
		zap.Stringer("venue", transport.VenueKraken),
		zap.Int("consecutive", h.badFrames),
		zap.Error(err))
	if h.badFrames >= maxBadFrames {
		h.badFrames = 0
		requestResync(h.resync)
	}
	return nil
}

// parseKrakenLevels converts ["price", "volume", "timestamp", ...] rows.
func parseKrakenLevels(rows [][]string) ([]transport.Level, error) {
	levels := make([]transport.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row with %d fields", len(row))
		}
		lvl, err := parseLevel(row[0], row[1], transport.VenueKraken)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}
