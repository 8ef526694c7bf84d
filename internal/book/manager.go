package book

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

var (
	// ErrSessionUnknown is returned for connection ids with no session.
	ErrSessionUnknown = errors.New("session unknown")
	// ErrBookNotFound is returned when no book exists for a symbol.
	ErrBookNotFound = errors.New("book not found")
)

// memoMaxSize caps the sub-second result memo. Past the cap the single
// oldest entry is dropped, not a batch.
const memoMaxSize = 100

// warmDepths and warmRoundings form the grid precomputed when a book is
// created, so the first real queries land on cache hits.
var (
	warmDepths    = []int{5, 10, 20, 50}
	warmRoundings = []float64{0.01, 0.1, 1.0}
)

// SessionParams is one subscriber's view configuration.
type SessionParams struct {
	Symbol        string
	Depth         int
	Rounding      float64
	UseDepthCache bool
	Aggregate     bool
	ConnectedAt   time.Time
	UpdatedAt     time.Time
}

// ManagerStats is a point-in-time registry summary.
type ManagerStats struct {
	Books          int        `json:"books"`
	Sessions       int        `json:"sessions"`
	TotalLevels    int        `json:"total_levels"`
	MemoryBytes    int64      `json:"memory_bytes"`
	PersistentMode bool       `json:"persistent_mode"`
	Cache          CacheStats `json:"cache"`
}

type memoEntry struct {
	symbol string
	value  *types.AggregatedBook
	at     time.Time
}

// Manager owns the book registry and subscriber sessions. Every method
// takes the one exclusive lock; books, the aggregation cache, and the
// warming pool are called while holding it, never the other way around.
type Manager struct {
	mu          sync.Mutex
	books       map[string]*Book
	sessions    map[string]*SessionParams
	subscribers map[string]map[string]struct{}
	symbolMeta  map[string]*types.SymbolInfo
	sources     map[string]types.Source
	memo        map[string]memoEntry

	aggregator *Aggregator
	cache      *AggCache
	warmPool   *ants.Pool

	maxBooks         int
	cleanupThreshold float64
	persistent       bool
	defaultDepthSrc  bool

	logger *slog.Logger
}

// NewManager wires the registry with its aggregator, result cache, and
// warming pool.
func NewManager(cfg config.BooksConfig, warmWorkers int, useDepthCache bool, aggregator *Aggregator, cache *AggCache, logger *slog.Logger) (*Manager, error) {
	if warmWorkers <= 0 {
		warmWorkers = 1
	}
	pool, err := ants.NewPool(warmWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("creating warming pool: %w", err)
	}
	return &Manager{
		books:            make(map[string]*Book),
		sessions:         make(map[string]*SessionParams),
		subscribers:      make(map[string]map[string]struct{}),
		symbolMeta:       make(map[string]*types.SymbolInfo),
		sources:          make(map[string]types.Source),
		memo:             make(map[string]memoEntry),
		aggregator:       aggregator,
		cache:            cache,
		warmPool:         pool,
		maxBooks:         cfg.MaxBooks,
		cleanupThreshold: cfg.CleanupThreshold,
		persistent:       cfg.PersistentMode,
		defaultDepthSrc:  useDepthCache,
		logger:           logger.With("component", "book_manager"),
	}, nil
}

// Close releases the warming pool.
func (m *Manager) Close() {
	m.warmPool.Release()
}

// Register creates the session and, if absent, the symbol's book. New
// books get their common views warmed in the background. When the
// registry grows past cleanup_threshold of max_books, unsubscribed books
// are destroyed.
func (m *Manager) Register(connID, symbol string, depth int, rounding float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[connID]; ok {
		m.unregisterLocked(connID)
	}

	now := time.Now()
	m.sessions[connID] = &SessionParams{
		Symbol:        symbol,
		Depth:         depth,
		Rounding:      rounding,
		UseDepthCache: m.defaultDepthSrc,
		Aggregate:     true,
		ConnectedAt:   now,
		UpdatedAt:     now,
	}

	subs, ok := m.subscribers[symbol]
	if !ok {
		subs = make(map[string]struct{})
		m.subscribers[symbol] = subs
	}
	subs[connID] = struct{}{}

	if _, ok := m.books[symbol]; !ok {
		b := NewBook(symbol, m.logger)
		m.books[symbol] = b
		m.scheduleWarmingLocked(b)
		m.logger.Info("book created", "symbol", symbol, "books", len(m.books))
	}

	if float64(len(m.books)) > m.cleanupThreshold*float64(m.maxBooks) {
		m.cleanupLocked()
	}
	return nil
}

// Unregister drops the session. The last subscriber leaving a symbol
// destroys its book and cache entries unless persistent mode is on.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(connID)
}

func (m *Manager) unregisterLocked(connID string) {
	session, ok := m.sessions[connID]
	if !ok {
		return
	}
	delete(m.sessions, connID)

	subs := m.subscribers[session.Symbol]
	delete(subs, connID)
	if len(subs) > 0 {
		return
	}
	delete(m.subscribers, session.Symbol)

	if m.persistent {
		return
	}
	m.destroyBookLocked(session.Symbol)
}

func (m *Manager) destroyBookLocked(symbol string) {
	if _, ok := m.books[symbol]; !ok {
		return
	}
	delete(m.books, symbol)
	delete(m.sources, symbol)
	removed := m.cache.InvalidateSymbol(symbol)
	for key, entry := range m.memo {
		if entry.symbol == symbol {
			delete(m.memo, key)
		}
	}
	m.logger.Info("book destroyed", "symbol", symbol, "cache_entries_dropped", removed, "books", len(m.books))
}

func (m *Manager) cleanupLocked() {
	if m.persistent {
		return
	}
	var idle []string
	for symbol := range m.books {
		if len(m.subscribers[symbol]) == 0 {
			idle = append(idle, symbol)
		}
	}
	for _, symbol := range idle {
		m.destroyBookLocked(symbol)
	}
	if len(idle) > 0 {
		m.logger.Info("cleanup removed idle books", "removed", len(idle), "books", len(m.books))
	}
}

// UpdateParams applies a partial session update. Nil fields keep their
// current value.
func (m *Manager) UpdateParams(connID string, depth *int, rounding *float64, useDepthCache, aggregate *bool) (SessionParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[connID]
	if !ok {
		return SessionParams{}, ErrSessionUnknown
	}
	if depth != nil {
		session.Depth = *depth
	}
	if rounding != nil {
		session.Rounding = *rounding
	}
	if useDepthCache != nil {
		session.UseDepthCache = *useDepthCache
	}
	if aggregate != nil {
		session.Aggregate = *aggregate
	}
	session.UpdatedAt = time.Now()
	return *session, nil
}

// Session returns a copy of the connection's parameters.
func (m *Manager) Session(connID string) (SessionParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[connID]
	if !ok {
		return SessionParams{}, false
	}
	return *session, true
}

// Subscribers returns a copied list of connection ids watching symbol, so
// callers can fan out without holding the registry lock.
func (m *Manager) Subscribers(symbol string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[symbol]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// GetAggregated builds the book view for the connection's current
// parameters. Aggregated requests go through the sub-second memo and the
// result cache; raw requests bypass both.
func (m *Manager) GetAggregated(connID string) (*types.AggregatedBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[connID]
	if !ok {
		return nil, ErrSessionUnknown
	}
	b, ok := m.books[session.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, session.Symbol)
	}

	meta := m.symbolMeta[session.Symbol]
	source := m.sourceLocked(session.Symbol)

	if !session.Aggregate {
		return m.aggregator.Raw(b, session.Depth, source, meta), nil
	}

	memoKey := fmt.Sprintf("%s|%d|%g|%d", session.Symbol, session.Depth, session.Rounding, time.Now().Unix())
	if entry, ok := m.memo[memoKey]; ok {
		return entry.value, nil
	}

	epoch := b.Epoch()
	if cached := m.cache.Get(session.Symbol, session.Depth, session.Rounding, source, epoch); cached != nil {
		m.memoPutLocked(memoKey, session.Symbol, cached)
		return cached, nil
	}

	agg := m.aggregator.Aggregate(b, session.Depth, session.Rounding, source, meta)
	m.cache.Put(session.Symbol, session.Depth, session.Rounding, source, epoch, agg)
	m.memoPutLocked(memoKey, session.Symbol, agg)
	return agg, nil
}

func (m *Manager) memoPutLocked(key, symbol string, value *types.AggregatedBook) {
	m.memo[key] = memoEntry{symbol: symbol, value: value, at: time.Now()}
	if len(m.memo) <= memoMaxSize {
		return
	}
	oldestKey := ""
	var oldestAt time.Time
	for k, entry := range m.memo {
		if oldestKey == "" || entry.at.Before(oldestAt) {
			oldestKey = k
			oldestAt = entry.at
		}
	}
	delete(m.memo, oldestKey)
}

func (m *Manager) sourceLocked(symbol string) types.Source {
	if src, ok := m.sources[symbol]; ok {
		return src
	}
	return types.SourcePush
}

// UpdateSymbolData records exchange metadata used for formatted output.
func (m *Manager) UpdateSymbolData(symbol string, meta *types.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolMeta[symbol] = meta
}

// SymbolMeta returns the stored metadata for symbol, if any.
func (m *Manager) SymbolMeta(symbol string) (*types.SymbolInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.symbolMeta[symbol]
	return meta, ok
}

// SetPersistentMode toggles whether idle books survive their last
// subscriber.
func (m *Manager) SetPersistentMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistent = on
	m.logger.Info("persistent mode updated", "persistent", on)
}

// ApplyUpstream feeds one upstream message into the symbol's book and
// records which source produced it.
func (m *Manager) ApplyUpstream(symbol string, source types.Source, bids, asks []types.PriceLevel, ts int64, isSnapshot bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBookNotFound, symbol)
	}
	m.sources[symbol] = source

	if isSnapshot {
		return b.ApplySnapshot(types.BookSnapshot{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: ts})
	}
	b.ApplyDelta(bids, asks, ts)
	return nil
}

// Stats summarizes the registry, including a rough memory estimate of
// 32 bytes per resting level.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalLevels := 0
	for _, b := range m.books {
		bids, asks := b.LevelCounts()
		totalLevels += bids + asks
	}
	return ManagerStats{
		Books:          len(m.books),
		Sessions:       len(m.sessions),
		TotalLevels:    totalLevels,
		MemoryBytes:    int64(totalLevels) * 32,
		PersistentMode: m.persistent,
		Cache:          m.cache.Stats(),
	}
}

// scheduleWarmingLocked precomputes the common depth and rounding grid
// for a new book off the registry lock. Overload and pool errors are
// swallowed; warming is advisory.
func (m *Manager) scheduleWarmingLocked(b *Book) {
	source := m.sourceLocked(b.Symbol())
	meta := m.symbolMeta[b.Symbol()]

	for _, depth := range warmDepths {
		for _, rounding := range warmRoundings {
			err := m.warmPool.Submit(func() {
				epoch := b.Epoch()
				agg := m.aggregator.Aggregate(b, depth, rounding, source, meta)
				m.cache.Put(b.Symbol(), depth, rounding, source, epoch, agg)
			})
			if err != nil {
				m.logger.Debug("warming task skipped", "symbol", b.Symbol(), "depth", depth, "rounding", rounding, "error", err)
			}
		}
	}
}
