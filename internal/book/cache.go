package book

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"depthcast/internal/config"
	"depthcast/internal/format"
	"depthcast/pkg/types"
)

// AggCache holds recently built aggregated views so identical
// (symbol, depth, rounding, source) requests inside the TTL reuse one
// bucketing pass. Entries remember the book epoch they were built from;
// a later write to the book makes them unreachable without an explicit
// invalidation.
type AggCache struct {
	mu            sync.Mutex
	entries       map[uint64]*list.Element
	order         *list.List
	maxSize       int
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	hits          uint64
	misses        uint64
	invalidations uint64
}

type cacheEntry struct {
	key      uint64
	keyStr   string
	symbol   string
	epoch    uint64
	value    *types.AggregatedBook
	storedAt time.Time
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Invalidations uint64  `json:"invalidations"`
}

// NewAggCache creates a cache sized and aged per cfg.
func NewAggCache(cfg config.CacheConfig, logger *slog.Logger) *AggCache {
	return &AggCache{
		entries:       make(map[uint64]*list.Element),
		order:         list.New(),
		maxSize:       cfg.MaxSize,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		logger:        logger.With("component", "aggcache"),
	}
}

func cacheKey(symbol string, depth int, rounding float64, source types.Source) (uint64, string) {
	keyStr := fmt.Sprintf("%s|%d|%g|%s", symbol, depth, rounding, source)
	h := fnv.New64a()
	h.Write([]byte(keyStr))
	return h.Sum64(), keyStr
}

// Get returns the cached view for the request, or nil on a miss. epoch is
// the current write epoch of the underlying book; an entry built from an
// older epoch is stale and does not count as a hit. Hits return a copy
// with the timestamp refreshed to now, leaving the stored record intact.
func (c *AggCache) Get(symbol string, depth int, rounding float64, source types.Source, epoch uint64) *types.AggregatedBook {
	key, keyStr := cacheKey(symbol, depth, rounding, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if entry.keyStr != keyStr || entry.epoch != epoch || time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(el)
		c.misses++
		return nil
	}

	c.order.MoveToFront(el)
	c.hits++

	out := *entry.value
	now := time.Now().UnixMilli()
	out.Timestamp = now
	out.TimeFormatted = format.ClockTime(now)
	return &out
}

// Put stores a freshly built view under the request key, evicting the
// least recently used entry when full.
func (c *AggCache) Put(symbol string, depth int, rounding float64, source types.Source, epoch uint64, value *types.AggregatedBook) {
	key, keyStr := cacheKey(symbol, depth, rounding, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.keyStr = keyStr
		entry.symbol = symbol
		entry.epoch = epoch
		entry.value = value
		entry.storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	for c.maxSize > 0 && len(c.entries) >= c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}

	entry := &cacheEntry{
		key:      key,
		keyStr:   keyStr,
		symbol:   symbol,
		epoch:    epoch,
		value:    value,
		storedAt: time.Now(),
	}
	c.entries[key] = c.order.PushFront(entry)
}

// InvalidateSymbol removes every entry for symbol and returns how many
// were dropped. Called when a book is destroyed or resynced from scratch.
func (c *AggCache) InvalidateSymbol(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*cacheEntry).symbol == symbol {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	c.invalidations += uint64(removed)
	return removed
}

// Run sweeps expired entries until ctx is done.
func (c *AggCache) Run(ctx context.Context) {
	interval := c.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.logger.Debug("swept expired entries", "removed", n, "size", c.Len())
			}
		}
	}
}

func (c *AggCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if time.Since(el.Value.(*cacheEntry).storedAt) > c.ttl {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of live entries.
func (c *AggCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and eviction counters.
func (c *AggCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       rate,
		Size:          len(c.entries),
		MaxSize:       c.maxSize,
		Invalidations: c.invalidations,
	}
}

func (c *AggCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(el)
}
