package ws

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftmarkets/bookfeed/pkg/transport"
)

// Config carries everything a venue adapter needs: the pair, the per-side
// depth each emitted update is truncated to, the internal stream buffer
// size, and the shared channel into the aggregator.
type Config struct {
	Pair         transport.Pair
	Depth        int
	StreamBuffer int
	// RefreshInterval forces a periodic snapshot overwrite on venues
	// without sequence ids. Zero disables it.
	RefreshInterval time.Duration
	Out             chan<- transport.Update
	Log             *zap.Logger
}

// Each adapter spawns two tasks on the group: a stream task owning the
// socket and a handler task normalizing frames into transport.Updates.
type spawnFunc func(ctx context.Context, g *errgroup.Group, cfg Config)

var adapters = map[transport.Venue]spawnFunc{
	transport.VenueBinance:  spawnBinance,
	transport.VenueBitstamp: spawnBitstamp,
	transport.VenueKraken:   spawnKraken,
}

// Spawn starts the adapter tasks for every requested venue on g. It fails
// up front if a venue has no adapter registered.
func Spawn(ctx context.Context, g *errgroup.Group, venues []transport.Venue, cfg Config) error {
	for _, v := range venues {
		spawn, ok := adapters[v]
		if !ok {
			return fmt.Errorf("no adapter registered for venue %q", v)
		}
		spawn(ctx, g, cfg)
	}
	return nil
}
