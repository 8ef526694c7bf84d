package upstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"depthcast/pkg/types"
)

// fakeDiffStreamer scripts the diff stream and REST snapshots behind the
// depth cache.
type fakeDiffStreamer struct {
	mu        sync.Mutex
	diffCh    chan DepthDiff
	watchErr  error
	snapErr   error
	snapCalls int
	snapID    int64
}

func newFakeDiffStreamer() *fakeDiffStreamer {
	return &fakeDiffStreamer{diffCh: make(chan DepthDiff, 16), snapID: 100}
}

func (d *fakeDiffStreamer) WatchDepthDiff(ctx context.Context, symbol string) (<-chan DepthDiff, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watchErr != nil {
		return nil, d.watchErr
	}
	return d.diffCh, nil
}

func (d *fakeDiffStreamer) FetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapErr != nil {
		return nil, d.snapErr
	}
	d.snapCalls++
	return &DepthSnapshot{
		LastUpdateID: d.snapID,
		Bids:         []types.PriceLevel{{Price: 100, Amount: 1}},
		Asks:         []types.PriceLevel{{Price: 101, Amount: 1}},
		Timestamp:    time.Now().UnixMilli(),
	}, nil
}

func (d *fakeDiffStreamer) snapshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapCalls
}

func nextEvent(t *testing.T, events <-chan BookEvent) BookEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
	}
	return BookEvent{}
}

func diffAt(first, final int64, price, amount float64) DepthDiff {
	return DepthDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          []types.PriceLevel{{Price: price, Amount: amount}},
		Timestamp:     time.Now().UnixMilli(),
	}
}

func TestDepthCacheSeedsThenAppliesInSequence(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeDiffStreamer()
	events, err := newDepthCacheStream(ctx, fake, "BTCUSDT", time.Hour, testLogger())
	if err != nil {
		t.Fatalf("newDepthCacheStream: %v", err)
	}

	seed := nextEvent(t, events)
	if !seed.Snapshot {
		t.Error("first event must be the REST seed snapshot")
	}
	if len(seed.Bids) != 1 || seed.Bids[0].Price != 100 {
		t.Errorf("seed bids = %+v", seed.Bids)
	}

	// Covered by the snapshot: skipped.
	fake.diffCh <- diffAt(95, 100, 99.5, 2)
	// Next in sequence: applied.
	fake.diffCh <- diffAt(101, 103, 99.9, 3)

	ev := nextEvent(t, events)
	if ev.Snapshot {
		t.Error("applied diff must not be flagged as a snapshot")
	}
	if len(ev.Bids) != 1 || ev.Bids[0].Price != 99.9 {
		t.Errorf("diff event bids = %+v, the stale diff should have been skipped", ev.Bids)
	}
	if n := fake.snapshots(); n != 1 {
		t.Errorf("snapshots fetched = %d, want 1", n)
	}
}

func TestDepthCacheReseedsOnSequenceGap(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeDiffStreamer()
	events, err := newDepthCacheStream(ctx, fake, "BTCUSDT", time.Hour, testLogger())
	if err != nil {
		t.Fatalf("newDepthCacheStream: %v", err)
	}
	nextEvent(t, events) // seed

	// Jumps past lastSeq+1: updates were lost, expect a reseed.
	fake.diffCh <- diffAt(200, 201, 99, 1)

	ev := nextEvent(t, events)
	if !ev.Snapshot {
		t.Error("sequence gap must be healed with a snapshot event")
	}
	if n := fake.snapshots(); n != 2 {
		t.Errorf("snapshots fetched = %d, want 2 after reseed", n)
	}

	// The reseed reset the watermark; in-sequence diffs flow again.
	fake.diffCh <- diffAt(101, 105, 98.5, 4)
	ev = nextEvent(t, events)
	if ev.Snapshot || ev.Bids[0].Price != 98.5 {
		t.Errorf("post-reseed diff = %+v", ev)
	}
}

func TestDepthCachePeriodicResync(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeDiffStreamer()
	events, err := newDepthCacheStream(ctx, fake, "BTCUSDT", 30*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("newDepthCacheStream: %v", err)
	}
	nextEvent(t, events) // seed

	ev := nextEvent(t, events)
	if !ev.Snapshot {
		t.Error("scheduled resync must emit a snapshot event")
	}
	if n := fake.snapshots(); n < 2 {
		t.Errorf("snapshots fetched = %d, want at least 2", n)
	}
}

func TestDepthCacheSetupFailuresAreSynchronous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	watchBroken := newFakeDiffStreamer()
	watchBroken.watchErr = fmt.Errorf("stream refused")
	if _, err := newDepthCacheStream(ctx, watchBroken, "BTCUSDT", time.Hour, testLogger()); err == nil {
		t.Error("broken diff stream should fail construction")
	}

	seedBroken := newFakeDiffStreamer()
	seedBroken.snapErr = fmt.Errorf("snapshot unavailable")
	if _, err := newDepthCacheStream(ctx, seedBroken, "BTCUSDT", time.Hour, testLogger()); err == nil {
		t.Error("failed seed should fail construction")
	}
}

func TestDepthCacheClosedDiffStreamEndsEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeDiffStreamer()
	events, err := newDepthCacheStream(ctx, fake, "BTCUSDT", time.Hour, testLogger())
	if err != nil {
		t.Fatalf("newDepthCacheStream: %v", err)
	}
	nextEvent(t, events) // seed

	close(fake.diffCh)

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected the event stream to close, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream never closed")
	}
}
