package book

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"depthcast/internal/config"
	"depthcast/internal/format"
	"depthcast/pkg/types"
)

func newTestManager(t *testing.T, cfg config.BooksConfig) *Manager {
	t.Helper()
	if cfg.MaxBooks == 0 {
		cfg.MaxBooks = 200
	}
	if cfg.CleanupThreshold == 0 {
		cfg.CleanupThreshold = 0.8
	}
	formatter := format.New(config.FormatterConfig{})
	aggregator := NewAggregator(formatter, testLogger())
	cache := NewAggCache(config.CacheConfig{MaxSize: 100, TTL: time.Minute, SweepInterval: time.Minute}, testLogger())

	m, err := NewManager(cfg, 2, false, aggregator, cache, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func seedBook(t *testing.T, m *Manager, symbol string) {
	t.Helper()
	err := m.ApplyUpstream(symbol, types.SourcePush, []types.PriceLevel{
		{Price: 100.25, Amount: 1},
		{Price: 100.00, Amount: 0.5},
		{Price: 100.75, Amount: 2},
		{Price: 99.25, Amount: 3},
	}, []types.PriceLevel{
		{Price: 101.10, Amount: 1},
	}, 0, true)
	if err != nil {
		t.Fatalf("ApplyUpstream: %v", err)
	}
}

func TestRegisterCreatesBookAndSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}

	session, ok := m.Session("conn-1")
	if !ok {
		t.Fatal("session not recorded")
	}
	if session.Symbol != testSymbol || session.Depth != 10 || session.Rounding != 0.5 {
		t.Errorf("session = %+v, want BTCUSDT/10/0.5", session)
	}
	if !session.Aggregate {
		t.Error("aggregate should default to true")
	}

	subs := m.Subscribers(testSymbol)
	if len(subs) != 1 || subs[0] != "conn-1" {
		t.Errorf("subscribers = %v, want [conn-1]", subs)
	}
	if stats := m.Stats(); stats.Books != 1 || stats.Sessions != 1 {
		t.Errorf("books/sessions = %d/%d, want 1/1", stats.Books, stats.Sessions)
	}
}

func TestRegisterTwiceMovesSubscription(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("conn-1", "ETHUSDT", 20, 0.1); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	if subs := m.Subscribers(testSymbol); len(subs) != 0 {
		t.Errorf("old symbol subscribers = %v, want none", subs)
	}
	session, _ := m.Session("conn-1")
	if session.Symbol != "ETHUSDT" {
		t.Errorf("session symbol = %q, want ETHUSDT", session.Symbol)
	}
	if stats := m.Stats(); stats.Books != 1 {
		t.Errorf("books = %d, want 1 after moving", stats.Books)
	}
}

func TestUnregisterDestroysIdleBook(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("conn-2", testSymbol, 20, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.Unregister("conn-1")
	if stats := m.Stats(); stats.Books != 1 {
		t.Fatalf("books = %d, want 1 while a subscriber remains", stats.Books)
	}

	m.Unregister("conn-2")
	if stats := m.Stats(); stats.Books != 0 {
		t.Errorf("books = %d, want 0 after last unregister", stats.Books)
	}

	// Double unregister is a no-op.
	m.Unregister("conn-2")
}

func TestPersistentModeKeepsBook(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{PersistentMode: true})

	if err := m.Register("conn-1", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.Unregister("conn-1")

	if stats := m.Stats(); stats.Books != 1 {
		t.Errorf("books = %d, want 1 in persistent mode", stats.Books)
	}
}

func TestCleanupRemovesIdleBooks(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{MaxBooks: 4, CleanupThreshold: 0.5, PersistentMode: true})

	for i := 0; i < 3; i++ {
		symbol := fmt.Sprintf("SYM%dUSDT", i)
		connID := fmt.Sprintf("conn-%d", i)
		if err := m.Register(connID, symbol, 10, 0.5); err != nil {
			t.Fatalf("Register %s: %v", symbol, err)
		}
		m.Unregister(connID)
	}
	if stats := m.Stats(); stats.Books != 3 {
		t.Fatalf("books = %d, want 3 idle books before cleanup", stats.Books)
	}

	m.SetPersistentMode(false)
	if err := m.Register("conn-live", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stats := m.Stats()
	if stats.Books != 1 {
		t.Errorf("books = %d, want only the subscribed book after cleanup", stats.Books)
	}
	if subs := m.Subscribers(testSymbol); len(subs) != 1 {
		t.Errorf("subscribed book lost its subscriber: %v", subs)
	}
}

func TestUpdateParamsPartial(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 10, 0.5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	before, _ := m.Session("conn-1")

	depth := 50
	updated, err := m.UpdateParams("conn-1", &depth, nil, nil, nil)
	if err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}
	if updated.Depth != 50 {
		t.Errorf("depth = %d, want 50", updated.Depth)
	}
	if updated.Rounding != 0.5 {
		t.Errorf("rounding = %v, want unchanged 0.5", updated.Rounding)
	}
	if !updated.UpdatedAt.After(before.UpdatedAt) && !updated.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("updated_at = %v, want >= %v", updated.UpdatedAt, before.UpdatedAt)
	}

	aggregate := false
	if updated, err = m.UpdateParams("conn-1", nil, nil, nil, &aggregate); err != nil {
		t.Fatalf("UpdateParams aggregate: %v", err)
	}
	if updated.Aggregate {
		t.Error("aggregate should be false after update")
	}
}

func TestUpdateParamsUnknownSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if _, err := m.UpdateParams("ghost", nil, nil, nil, nil); !errors.Is(err, ErrSessionUnknown) {
		t.Errorf("err = %v, want ErrSessionUnknown", err)
	}
}

func TestGetAggregatedUnknownSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if _, err := m.GetAggregated("ghost"); !errors.Is(err, ErrSessionUnknown) {
		t.Errorf("err = %v, want ErrSessionUnknown", err)
	}
}

func TestGetAggregatedBucketsBook(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 3, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedBook(t, m, testSymbol)

	agg, err := m.GetAggregated("conn-1")
	if err != nil {
		t.Fatalf("GetAggregated: %v", err)
	}
	want := []types.AggregatedLevel{
		{Price: 100, Amount: 3.5, Cumulative: 3.5},
		{Price: 99, Amount: 3.0, Cumulative: 6.5},
	}
	if len(agg.Bids) != len(want) {
		t.Fatalf("bids = %+v, want %+v", agg.Bids, want)
	}
	for i := range want {
		if agg.Bids[i] != want[i] {
			t.Errorf("bids[%d] = %+v, want %+v", i, agg.Bids[i], want[i])
		}
	}
	if agg.Source != types.SourcePush {
		t.Errorf("source = %q, want push", agg.Source)
	}

	// Repeated queries serve the same data.
	again, err := m.GetAggregated("conn-1")
	if err != nil {
		t.Fatalf("second GetAggregated: %v", err)
	}
	if len(again.Bids) != len(want) {
		t.Errorf("second call bids = %+v, want %+v", again.Bids, want)
	}
}

func TestGetAggregatedRawPath(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 10, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedBook(t, m, testSymbol)

	aggregate := false
	if _, err := m.UpdateParams("conn-1", nil, nil, nil, &aggregate); err != nil {
		t.Fatalf("UpdateParams: %v", err)
	}

	raw, err := m.GetAggregated("conn-1")
	if err != nil {
		t.Fatalf("GetAggregated: %v", err)
	}
	if raw.Aggregated {
		t.Error("raw view should have aggregated=false")
	}
	if len(raw.Bids) == 0 || raw.Bids[0].Price != 100.75 {
		t.Errorf("bids = %+v, want raw best bid 100.75", raw.Bids)
	}
}

func TestGetAggregatedFormatsWithMeta(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	m.UpdateSymbolData(testSymbol, &types.SymbolInfo{Symbol: testSymbol, PricePrecision: 2, AmountPrecision: 3})
	if err := m.Register("conn-1", testSymbol, 3, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedBook(t, m, testSymbol)

	agg, err := m.GetAggregated("conn-1")
	if err != nil {
		t.Fatalf("GetAggregated: %v", err)
	}
	if agg.Bids[0].PriceFormatted != "100.00" {
		t.Errorf("price_formatted = %q, want \"100.00\"", agg.Bids[0].PriceFormatted)
	}
}

func TestApplyUpstreamUnknownSymbol(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	err := m.ApplyUpstream("NOSUCH", types.SourcePush, nil, nil, 0, true)
	if !errors.Is(err, ErrBookNotFound) {
		t.Errorf("err = %v, want ErrBookNotFound", err)
	}
}

func TestApplyUpstreamDelta(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 5, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedBook(t, m, testSymbol)

	err := m.ApplyUpstream(testSymbol, types.SourceDepthCache, []types.PriceLevel{
		{Price: 99.25, Amount: 0},
		{Price: 98.50, Amount: 4},
	}, nil, 0, false)
	if err != nil {
		t.Fatalf("ApplyUpstream delta: %v", err)
	}

	agg, err := m.GetAggregated("conn-1")
	if err != nil {
		t.Fatalf("GetAggregated: %v", err)
	}
	if agg.Source != types.SourceDepthCache {
		t.Errorf("source = %q, want depth_cache", agg.Source)
	}
	for _, level := range agg.Bids {
		if level.Price == 99 {
			t.Errorf("bucket 99 should be gone after removal, got %+v", agg.Bids)
		}
	}
}

func TestMemoCapDropsSingleOldest(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	base := time.Now().Add(-time.Hour)
	m.mu.Lock()
	for i := 0; i < memoMaxSize; i++ {
		key := fmt.Sprintf("k%d", i)
		m.memo[key] = memoEntry{symbol: testSymbol, at: base.Add(time.Duration(i) * time.Second)}
	}
	m.memoPutLocked("fresh", testSymbol, &types.AggregatedBook{})
	size := len(m.memo)
	_, oldestAlive := m.memo["k0"]
	_, freshAlive := m.memo["fresh"]
	m.mu.Unlock()

	if size != memoMaxSize {
		t.Errorf("memo size = %d, want %d", size, memoMaxSize)
	}
	if oldestAlive {
		t.Error("oldest entry should have been dropped")
	}
	if !freshAlive {
		t.Error("new entry should be present")
	}
}

func TestStatsMemoryEstimate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, config.BooksConfig{})

	if err := m.Register("conn-1", testSymbol, 5, 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	seedBook(t, m, testSymbol)

	stats := m.Stats()
	if stats.TotalLevels != 5 {
		t.Errorf("total levels = %d, want 5", stats.TotalLevels)
	}
	if stats.MemoryBytes != 5*32 {
		t.Errorf("memory = %d, want %d", stats.MemoryBytes, 5*32)
	}
}
