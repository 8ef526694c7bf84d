// Package delta turns successive aggregated book views into incremental
// updates so subscribers only receive levels that changed.
package delta

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

// tracked is the per-connection table of last sent amounts by price.
type tracked struct {
	lastBids  map[float64]float64
	lastAsks  map[float64]float64
	lastFull  time.Time
	updatedAt time.Time
}

// Engine computes per-subscriber deltas. One exclusive lock guards the
// session tables; the sequence counter is process global so every emitted
// message is strictly ordered.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*tracked

	fullInterval  time.Duration
	maxAge        time.Duration
	sweepInterval time.Duration

	sequence atomic.Uint64
	logger   *slog.Logger
}

// NewEngine creates the delta engine.
func NewEngine(cfg config.DeltaConfig, logger *slog.Logger) *Engine {
	return &Engine{
		sessions:      make(map[string]*tracked),
		fullInterval:  cfg.FullSnapshotInterval,
		maxAge:        cfg.MaxSessionAge,
		sweepInterval: cfg.SweepInterval,
		logger:        logger.With("component", "delta_engine"),
	}
}

// Compute diffs agg against the connection's last sent state. The first
// view for a connection, and any view after full_snapshot_interval has
// elapsed, is emitted whole with every level as an add. A view identical
// to the last sent state returns ok=false and nothing is emitted.
func (e *Engine) Compute(connID string, agg *types.AggregatedBook) (*types.DeltaMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[connID]
	if !ok {
		s = &tracked{}
		e.sessions[connID] = s
	}
	now := time.Now()
	s.updatedAt = now

	empty := len(s.lastBids) == 0 && len(s.lastAsks) == 0
	if empty || now.Sub(s.lastFull) > e.fullInterval {
		msg := &types.DeltaMessage{
			Symbol:       agg.Symbol,
			Rounding:     agg.Rounding,
			Timestamp:    agg.Timestamp,
			SequenceID:   e.sequence.Add(1),
			FullSnapshot: true,
			Bids:         allAdds(agg.Bids),
			Asks:         allAdds(agg.Asks),
		}
		s.lastBids = toTable(agg.Bids)
		s.lastAsks = toTable(agg.Asks)
		s.lastFull = now
		return msg, true
	}

	bidOps := sideOps(agg.Bids, s.lastBids)
	askOps := sideOps(agg.Asks, s.lastAsks)
	if len(bidOps) == 0 && len(askOps) == 0 {
		return nil, false
	}

	s.lastBids = toTable(agg.Bids)
	s.lastAsks = toTable(agg.Asks)
	return &types.DeltaMessage{
		Symbol:     agg.Symbol,
		Rounding:   agg.Rounding,
		Timestamp:  agg.Timestamp,
		SequenceID: e.sequence.Add(1),
		Bids:       bidOps,
		Asks:       askOps,
	}, true
}

// sideOps compares one side against its table: new prices are adds,
// changed amounts are updates, vanished prices are removes. Ops travel
// high price first like the views they patch.
func sideOps(levels []types.AggregatedLevel, table map[float64]float64) []types.DeltaLevel {
	var ops []types.DeltaLevel
	seen := make(map[float64]struct{}, len(levels))
	for _, lv := range levels {
		seen[lv.Price] = struct{}{}
		old, ok := table[lv.Price]
		if !ok {
			ops = append(ops, types.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Op: types.DeltaAdd})
			continue
		}
		if math.Abs(lv.Amount-old) > types.FloatTolerance {
			ops = append(ops, types.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Op: types.DeltaUpdate})
		}
	}
	for price := range table {
		if _, ok := seen[price]; !ok {
			ops = append(ops, types.DeltaLevel{Price: price, Op: types.DeltaRemove})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Price > ops[j].Price })
	return ops
}

func allAdds(levels []types.AggregatedLevel) []types.DeltaLevel {
	out := make([]types.DeltaLevel, 0, len(levels))
	for _, lv := range levels {
		out = append(out, types.DeltaLevel{Price: lv.Price, Amount: lv.Amount, Op: types.DeltaAdd})
	}
	return out
}

func toTable(levels []types.AggregatedLevel) map[float64]float64 {
	table := make(map[float64]float64, len(levels))
	for _, lv := range levels {
		table[lv.Price] = lv.Amount
	}
	return table
}

// Reset clears the connection's tables so its next view is emitted as a
// full snapshot. Called when session parameters change, since amounts at
// one rounding are not comparable to amounts at another.
func (e *Engine) Reset(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[connID]; ok {
		s.lastBids = nil
		s.lastAsks = nil
	}
}

// Unregister drops the connection's state.
func (e *Engine) Unregister(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, connID)
}

// Len returns the number of tracked sessions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// LastSequence returns the most recently issued sequence id.
func (e *Engine) LastSequence() uint64 {
	return e.sequence.Load()
}

// Run garbage collects sessions idle past max_age until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.sweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.sweep(); n > 0 {
				e.logger.Debug("swept stale delta sessions", "removed", n, "sessions", e.Len())
			}
		}
	}
}

func (e *Engine) sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for connID, s := range e.sessions {
		if time.Since(s.updatedAt) > e.maxAge {
			delete(e.sessions, connID)
			removed++
		}
	}
	return removed
}
