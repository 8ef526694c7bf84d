// Package format renders prices, amounts and totals as display strings.
//
// Rendering rules are driven by per-symbol precision metadata when it is
// available and fall back to two decimals when it is not. Results are
// memoized in an optional TTL+size-capped cache because the same handful
// of values is re-rendered on every broadcast tick.
package format

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

const (
	scientificBelow = 1e-5 // below this, prices/amounts switch to scientific notation
	maxPrecision    = 8    // decimals are capped here regardless of metadata
)

// Formatter renders display strings for one process. The zero value works
// without caching; New wires the cache from config.
type Formatter struct {
	cache *displayCache // nil when caching is disabled
}

// New creates a formatter. Caching is optional and controlled by config.
func New(cfg config.FormatterConfig) *Formatter {
	f := &Formatter{}
	if cfg.CacheEnabled && cfg.CacheMaxSize > 0 {
		f.cache = newDisplayCache(cfg.CacheMaxSize, cfg.CacheTTL)
	}
	return f
}

// Price renders an order book price.
func (f *Formatter) Price(v float64, meta *types.SymbolInfo) string {
	return f.render("price", v, meta, formatPrice)
}

// Amount renders a level amount (base asset quantity).
func (f *Formatter) Amount(v float64, meta *types.SymbolInfo) string {
	return f.render("amount", v, meta, formatAmount)
}

// Total renders a cumulative or monetary total.
func (f *Formatter) Total(v float64, meta *types.SymbolInfo) string {
	return f.render("total", v, meta, formatTotal)
}

// Stats returns cache counters. Zeroes when caching is disabled.
func (f *Formatter) Stats() CacheStats {
	if f.cache == nil {
		return CacheStats{}
	}
	return f.cache.stats()
}

func (f *Formatter) render(method string, v float64, meta *types.SymbolInfo, fn func(float64, *types.SymbolInfo) string) string {
	if f.cache == nil {
		return fn(v, meta)
	}
	key := cacheKey(method, v, meta)
	if s, ok := f.cache.get(key); ok {
		return s
	}
	s := fn(v, meta)
	f.cache.put(key, s)
	return s
}

func cacheKey(method string, v float64, meta *types.SymbolInfo) string {
	symbol := ""
	pp, ap := 0, 0
	if meta != nil {
		symbol = meta.Symbol
		pp = meta.PricePrecision
		ap = meta.AmountPrecision
	}
	return method + "|" + symbol + "|" +
		strconv.Itoa(pp) + ":" + strconv.Itoa(ap) + "|" +
		strconv.FormatFloat(v, 'g', -1, 64)
}

func formatPrice(v float64, meta *types.SymbolInfo) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.00"
	}
	if math.Abs(v) < scientificBelow {
		return fmt.Sprintf("%.2e", v)
	}
	prec := 2
	if meta != nil && meta.PricePrecision > 0 {
		prec = meta.PricePrecision
	}
	if prec > maxPrecision {
		prec = maxPrecision
	}
	return decimal.NewFromFloat(v).StringFixed(int32(prec))
}

func formatAmount(v float64, meta *types.SymbolInfo) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.00"
	}
	av := math.Abs(v)
	switch {
	case av < scientificBelow:
		return fmt.Sprintf("%.2e", v)
	case av >= 1e6:
		return decimal.NewFromFloat(v / 1e6).StringFixed(2) + "M"
	case av >= 1e3:
		return decimal.NewFromFloat(v / 1e3).StringFixed(2) + "K"
	}
	prec := 2
	if meta != nil && meta.AmountPrecision > prec {
		prec = meta.AmountPrecision
	}
	if prec > maxPrecision {
		prec = maxPrecision
	}
	return decimal.NewFromFloat(v).StringFixed(int32(prec))
}

// formatTotal is formatAmount with the magnitude suffixes checked first
// and a 4-decimal floor for sub-cent totals instead of scientific form.
func formatTotal(v float64, meta *types.SymbolInfo) string {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.00"
	}
	av := math.Abs(v)
	switch {
	case av >= 1e6:
		return decimal.NewFromFloat(v / 1e6).StringFixed(2) + "M"
	case av >= 1e3:
		return decimal.NewFromFloat(v / 1e3).StringFixed(2) + "K"
	case av < 0.01:
		return decimal.NewFromFloat(v).StringFixed(4)
	}
	prec := 2
	if meta != nil && meta.AmountPrecision > prec {
		prec = meta.AmountPrecision
	}
	if prec > maxPrecision {
		prec = maxPrecision
	}
	return decimal.NewFromFloat(v).StringFixed(int32(prec))
}

// ClockTime renders a unix-millisecond timestamp as HH:MM:SS (UTC).
// Returns the literal "Invalid" for non-positive timestamps; never panics.
func ClockTime(ms int64) string {
	if ms <= 0 {
		return "Invalid"
	}
	return time.UnixMilli(ms).UTC().Format("15:04:05")
}

// ---------------------------------------------------------------------------
// Display cache
// ---------------------------------------------------------------------------

// CacheStats are the formatter cache counters.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type cacheEntry struct {
	value      string
	insertedAt time.Time
}

// displayCache is a TTL+size-capped string cache. On overflow it first
// expires stale entries, then drops the oldest 20% by insertion time.
type displayCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

func newDisplayCache(maxSize int, ttl time.Duration) *displayCache {
	return &displayCache{
		entries: make(map[string]cacheEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *displayCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return e.value, true
}

func (c *displayCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{value: value, insertedAt: time.Now()}
}

// evictLocked makes room: expire first, and if the cache is still full
// drop the oldest 20% of entries by insertion time.
func (c *displayCache) evictLocked() {
	if c.ttl > 0 {
		now := time.Now()
		for k, e := range c.entries {
			if now.Sub(e.insertedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	drop := len(c.entries) / 5
	if drop < 1 {
		drop = 1
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < drop && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

func (c *displayCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries), HitRate: rate}
}
