// Package book maintains per-symbol order books, their aggregated views,
// and the registry that ties subscriber sessions to both.
//
// A Book holds one symbol's live depth in two ordered trees. The Aggregator
// buckets a book into fixed-depth views, the AggCache memoizes those views,
// and the Manager owns the book/session registry that the hub and the
// upstream feeds talk to.
package book

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"depthcast/pkg/types"
)

// ErrSymbolMismatch is returned when a snapshot is applied to a book for a
// different symbol.
var ErrSymbolMismatch = errors.New("snapshot symbol does not match book")

// Book is one symbol's live order book. Both sides are ordered trees keyed
// by price: bids descending, asks ascending. Amounts inside the trees are
// always positive; zero-amount rows are removals.
type Book struct {
	symbol string
	logger *slog.Logger

	mu         sync.RWMutex
	bids       *btree.BTreeG[types.PriceLevel]
	asks       *btree.BTreeG[types.PriceLevel]
	lastUpdate time.Time
	timestamp  int64  // upstream exchange time, unix ms
	epoch      uint64 // incremented on every successful apply
}

func bidLess(a, b types.PriceLevel) bool { return a.Price > b.Price }
func askLess(a, b types.PriceLevel) bool { return a.Price < b.Price }

// NewBook creates an empty book for a symbol. The epoch is seeded from
// the clock so cache entries from an earlier incarnation of the same
// symbol can never match a recreated book.
func NewBook(symbol string, logger *slog.Logger) *Book {
	return &Book{
		symbol: symbol,
		logger: logger.With("component", "book", "symbol", symbol),
		bids:   btree.NewBTreeG(bidLess),
		asks:   btree.NewBTreeG(askLess),
		epoch:  uint64(time.Now().UnixNano()),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot replaces both sides atomically. Zero-amount rows are
// dropped. Snapshots for another symbol are rejected.
func (b *Book) ApplySnapshot(snap types.BookSnapshot) error {
	if snap.Symbol != b.symbol {
		return fmt.Errorf("apply snapshot for %q: %w", snap.Symbol, ErrSymbolMismatch)
	}

	bids := btree.NewBTreeG(bidLess)
	asks := btree.NewBTreeG(askLess)
	for _, row := range snap.Bids {
		if row.Amount > 0 && row.Price > 0 {
			bids.Set(row)
		}
	}
	for _, row := range snap.Asks {
		if row.Amount > 0 && row.Price > 0 {
			asks.Set(row)
		}
	}

	b.mu.Lock()
	b.bids = bids
	b.asks = asks
	b.lastUpdate = time.Now()
	if snap.Timestamp > 0 {
		b.timestamp = snap.Timestamp
	} else {
		b.timestamp = b.lastUpdate.UnixMilli()
	}
	b.epoch++
	b.warnIfCrossedLocked()
	b.mu.Unlock()
	return nil
}

// ApplyDelta merges incremental rows into both sides. A zero amount removes
// the price if present; a positive amount inserts or overwrites it.
func (b *Book) ApplyDelta(bids, asks []types.PriceLevel, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, row := range bids {
		applyRow(b.bids, row)
	}
	for _, row := range asks {
		applyRow(b.asks, row)
	}
	b.lastUpdate = time.Now()
	if ts > 0 {
		b.timestamp = ts
	} else {
		b.timestamp = b.lastUpdate.UnixMilli()
	}
	b.epoch++
	b.warnIfCrossedLocked()
}

func applyRow(side *btree.BTreeG[types.PriceLevel], row types.PriceLevel) {
	if row.Price <= 0 {
		return
	}
	if row.Amount == 0 {
		side.Delete(types.PriceLevel{Price: row.Price})
		return
	}
	if row.Amount > 0 {
		side.Set(row)
	}
}

// warnIfCrossedLocked logs when best bid >= best ask. A crossed book is
// upstream's problem; aggregation still proceeds.
func (b *Book) warnIfCrossedLocked() {
	bid, okBid := b.bids.Min()
	ask, okAsk := b.asks.Min()
	if okBid && okAsk && bid.Price >= ask.Price {
		b.logger.Warn("crossed book",
			"best_bid", bid.Price,
			"best_ask", ask.Price,
		)
	}
}

// Snapshot materializes both sides in order (bids high to low, asks low to
// high), truncating each side to limit when limit > 0.
func (b *Book) Snapshot(limit int) (bids, asks []types.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = collect(b.bids, limit)
	asks = collect(b.asks, limit)
	return bids, asks
}

func collect(side *btree.BTreeG[types.PriceLevel], limit int) []types.PriceLevel {
	n := side.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.PriceLevel, 0, n)
	side.Scan(func(row types.PriceLevel) bool {
		out = append(out, row)
		return len(out) < n
	})
	return out
}

// BestBidAsk returns the heads of both sides. ok is false unless both
// sides are non-empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bestBid, okBid := b.bids.Min()
	bestAsk, okAsk := b.asks.Min()
	if !okBid || !okAsk {
		return 0, 0, false
	}
	return bestBid.Price, bestAsk.Price, true
}

// LevelCounts returns the number of levels on each side.
func (b *Book) LevelCounts() (bidLevels, askLevels int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}

// Age returns the time since the last successful apply.
func (b *Book) Age() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastUpdate.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(b.lastUpdate)
}

// IsEmpty reports whether both sides are empty.
func (b *Book) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len() == 0 && b.asks.Len() == 0
}

// Epoch returns the apply counter. Downstream caches key correctness on it.
func (b *Book) Epoch() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epoch
}

// Timestamp returns the upstream exchange time of the last apply, unix ms.
func (b *Book) Timestamp() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timestamp
}
