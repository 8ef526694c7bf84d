// depthcache.go maintains a full local order book from the exchange diff
// stream: seed from a REST snapshot, apply diffs gated by update ids, and
// reseed whenever the stream skips ahead or the resync interval elapses.
//
// Sequencing follows the exchange contract. The diff stream is opened
// before the snapshot is fetched so no update can fall between them; a
// diff with u <= lastSeq was already covered by the snapshot and is
// skipped; a diff with U > lastSeq+1 means updates were missed and the
// book must be rebuilt from REST.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// depthSeedLimit is the REST snapshot depth used for seeding and resyncs.
const depthSeedLimit = 1000

var errOutOfSync = errors.New("depth diff stream out of sync")

type depthCache struct {
	driver  DiffStreamer
	symbol  string
	resync  time.Duration
	logger  *slog.Logger
	lastSeq int64
}

// newDepthCacheStream opens the diff stream, seeds the book from REST, and
// returns the event channel. Failures before the first event are returned
// synchronously so the caller can fall back to another source; after that,
// resyncs are handled internally and only a dead diff socket or a failed
// reseed ends the stream.
func newDepthCacheStream(ctx context.Context, driver DiffStreamer, symbol string, resyncInterval time.Duration, logger *slog.Logger) (<-chan BookEvent, error) {
	dc := &depthCache{
		driver: driver,
		symbol: symbol,
		resync: resyncInterval,
		logger: logger,
	}
	diffs, err := driver.WatchDepthDiff(ctx, symbol)
	if err != nil {
		return nil, err
	}
	seed, err := dc.seed(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan BookEvent, eventBuffer)
	go dc.run(ctx, diffs, seed, out)
	return out, nil
}

func (dc *depthCache) run(ctx context.Context, diffs <-chan DepthDiff, seed BookEvent, out chan<- BookEvent) {
	defer close(out)
	if !emit(ctx, out, seed) {
		return
	}

	resync := time.NewTicker(dc.resync)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-resync.C:
			ev, err := dc.seed(ctx)
			if err != nil {
				// The diff stream is still in sequence, so the book has not
				// drifted; try again next interval.
				dc.logger.Warn("scheduled resync failed", "symbol", dc.symbol, "error", err)
				continue
			}
			if !emit(ctx, out, ev) {
				return
			}

		case diff, ok := <-diffs:
			if !ok {
				return
			}
			ev, err := dc.apply(diff)
			if err != nil {
				dc.logger.Warn("depth stream out of sync, reseeding", "symbol", dc.symbol)
				seedEv, serr := dc.seed(ctx)
				if serr != nil {
					dc.logger.Warn("reseed failed", "symbol", dc.symbol, "error", serr)
					return
				}
				if !emit(ctx, out, seedEv) {
					return
				}
				continue
			}
			if ev == nil {
				continue
			}
			if !emit(ctx, out, *ev) {
				return
			}
		}
	}
}

// seed fetches a fresh snapshot and resets the sequence watermark.
func (dc *depthCache) seed(ctx context.Context) (BookEvent, error) {
	snap, err := dc.driver.FetchDepthSnapshot(ctx, dc.symbol, depthSeedLimit)
	if err != nil {
		return BookEvent{}, fmt.Errorf("seed depth snapshot: %w", err)
	}
	dc.lastSeq = snap.LastUpdateID
	return BookEvent{
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp,
		Snapshot:  true,
	}, nil
}

// apply gates one diff against the sequence watermark. A nil event with a
// nil error means the diff was already covered and should be skipped.
func (dc *depthCache) apply(diff DepthDiff) (*BookEvent, error) {
	if diff.FinalUpdateID <= dc.lastSeq {
		return nil, nil
	}
	if diff.FirstUpdateID > dc.lastSeq+1 {
		return nil, errOutOfSync
	}
	dc.lastSeq = diff.FinalUpdateID
	return &BookEvent{
		Bids:      diff.Bids,
		Asks:      diff.Asks,
		Timestamp: diff.Timestamp,
		Snapshot:  false,
	}, nil
}

// emit pushes ev, preferring cancellation over a blocked send.
func emit(ctx context.Context, out chan<- BookEvent, ev BookEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
