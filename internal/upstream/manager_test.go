package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testUpstreamConfig() config.UpstreamConfig {
	return config.UpstreamConfig{
		ProbeTimeout:   time.Second,
		ResyncInterval: time.Hour,
	}
}

// fakeDriver scripts the watch streams and the reachability probe.
// Everything it does not override falls through to the mock.
type fakeDriver struct {
	*MockDriver

	mu        sync.Mutex
	statusErr error
	bookErr   error
	bookCalls int
	books     []chan types.BookSnapshot
	tickers   []chan types.Ticker
	candles   []chan types.Candle
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{MockDriver: NewMockDriver(testLogger())}
}

func (d *fakeDriver) FetchStatus(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusErr
}

func (d *fakeDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bookCalls++
	if d.bookErr != nil {
		return nil, d.bookErr
	}
	ch := make(chan types.BookSnapshot, 16)
	d.books = append(d.books, ch)
	return ch, nil
}

func (d *fakeDriver) WatchTicker(ctx context.Context, symbol string) (<-chan types.Ticker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan types.Ticker, 16)
	d.tickers = append(d.tickers, ch)
	return ch, nil
}

func (d *fakeDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan types.Candle, 16)
	d.candles = append(d.candles, ch)
	return ch, nil
}

func (d *fakeDriver) watchBookCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bookCalls
}

func (d *fakeDriver) lastBookCh(t *testing.T) chan types.BookSnapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		n := len(d.books)
		var ch chan types.BookSnapshot
		if n > 0 {
			ch = d.books[n-1]
		}
		d.mu.Unlock()
		if ch != nil {
			return ch
		}
		select {
		case <-deadline:
			t.Fatal("book stream never opened")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (d *fakeDriver) lastTickerCh(t *testing.T) chan types.Ticker {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		n := len(d.tickers)
		var ch chan types.Ticker
		if n > 0 {
			ch = d.tickers[n-1]
		}
		d.mu.Unlock()
		if ch != nil {
			return ch
		}
		select {
		case <-deadline:
			t.Fatal("ticker stream never opened")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// sinkRecorder counts applied book updates and can be told to reject them.
type sinkRecorder struct {
	mu      sync.Mutex
	applied int
	fail    bool
}

func (s *sinkRecorder) ApplyUpstream(symbol string, source types.Source, bids, asks []types.PriceLevel, ts int64, isSnapshot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++
	if s.fail {
		return fmt.Errorf("no book registered for %s", symbol)
	}
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func newTestManager(t *testing.T, driver Driver, sink BookUpdateSink) *Manager {
	t.Helper()
	m := New(testUpstreamConfig(), driver, sink, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func bookParams() StreamParams {
	return StreamParams{Depth: 20, Rounding: 0.01, Aggregate: true}
}

func TestConnectRequiresStart(t *testing.T) {
	t.Parallel()
	m := New(testUpstreamConfig(), newFakeDriver(), &sinkRecorder{}, testLogger())

	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{})
	if err == nil {
		t.Error("Connect before Start should fail")
	}
}

func TestConnectRejectsUnmanagedStreamTypes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newFakeDriver(), &sinkRecorder{})

	err := m.Connect("conn-1", "BTCUSDT", types.StreamLiquidation, StreamParams{}, Callbacks{})
	if err == nil {
		t.Error("liquidation streams are owned elsewhere and must be rejected")
	}
}

func TestCandleStreamKeyNeedsTimeframe(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newFakeDriver(), &sinkRecorder{})

	if err := m.Connect("conn-1", "BTCUSDT", types.StreamCandles, StreamParams{}, Callbacks{}); err == nil {
		t.Error("candle stream without a timeframe suffix should fail")
	}
	if err := m.Connect("conn-1", "BTCUSDT:1m", types.StreamCandles, StreamParams{}, Callbacks{}); err != nil {
		t.Errorf("candle stream with timeframe failed: %v", err)
	}
}

func TestBookUpdatesFlowThroughSinkThenBroadcast(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	sink := &sinkRecorder{}
	m := newTestManager(t, driver, sink)

	books := make(chan types.Source, 4)
	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{
		OnBook: func(symbol string, source types.Source) {
			if symbol != "BTCUSDT" {
				t.Errorf("broadcast symbol = %q, want BTCUSDT", symbol)
			}
			books <- source
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	driver.lastBookCh(t) <- types.BookSnapshot{
		Symbol:    "BTCUSDT",
		Bids:      []types.PriceLevel{{Price: 100, Amount: 1}},
		Asks:      []types.PriceLevel{{Price: 101, Amount: 1}},
		Timestamp: time.Now().UnixMilli(),
	}

	select {
	case source := <-books:
		if source != types.SourcePush {
			t.Errorf("source = %s, want push", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
	if sink.count() != 1 {
		t.Errorf("sink applied %d updates, want 1", sink.count())
	}

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("got %d streams, want 1", len(stats))
	}
	if stats[0].Key != "BTCUSDT" || stats[0].Source != types.SourcePush || stats[0].Subscribers != 1 {
		t.Errorf("stats = %+v", stats[0])
	}
}

func TestRejectedSinkUpdateSkipsBroadcast(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	sink := &sinkRecorder{fail: true}
	m := newTestManager(t, driver, sink)

	var broadcasts sync.Map
	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{
		OnBook: func(string, types.Source) { broadcasts.Store("hit", true) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch := driver.lastBookCh(t)
	ch <- types.BookSnapshot{Symbol: "BTCUSDT", Timestamp: 1}
	ch <- types.BookSnapshot{Symbol: "BTCUSDT", Timestamp: 2}

	waitFor(t, "both updates reaching the sink", func() bool { return sink.count() == 2 })
	if _, ok := broadcasts.Load("hit"); ok {
		t.Error("rejected updates must not be broadcast")
	}
	if got := m.Reconnects(); got != 0 {
		t.Errorf("reconnects = %d, a rejected update is not a stream failure", got)
	}
}

func TestSubscribersShareOneStreamTask(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	for _, conn := range []string{"conn-1", "conn-2", "conn-3"} {
		if err := m.Connect(conn, "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{}); err != nil {
			t.Fatalf("Connect(%s): %v", conn, err)
		}
	}
	waitFor(t, "the shared stream to open", func() bool { return driver.watchBookCalls() == 1 })

	stats := m.Stats()
	if len(stats) != 1 || stats[0].Subscribers != 3 {
		t.Fatalf("stats = %+v, want one stream with 3 subscribers", stats)
	}

	m.Disconnect("conn-1", "BTCUSDT")
	m.Disconnect("conn-2", "BTCUSDT")
	if stats := m.Stats(); len(stats) != 1 || stats[0].Subscribers != 1 {
		t.Fatalf("stats after partial disconnect = %+v", stats)
	}

	m.Disconnect("conn-3", "BTCUSDT")
	if stats := m.Stats(); len(stats) != 0 {
		t.Errorf("stats after last disconnect = %+v, want empty", stats)
	}

	// Disconnecting an unknown subscriber or key is harmless.
	m.Disconnect("conn-3", "BTCUSDT")
	m.Disconnect("conn-9", "NOPE")
}

func TestProbeFailureFallsBackToMock(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.statusErr = fmt.Errorf("exchange unreachable")
	m := newTestManager(t, driver, &sinkRecorder{})

	sources := make(chan types.Source, 4)
	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{
		OnBook: func(_ string, source types.Source) { sources <- source },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case source := <-sources:
		if source != types.SourceMock {
			t.Errorf("source = %s, want mock", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mock stream never produced a book")
	}
	if calls := driver.watchBookCalls(); calls != 0 {
		t.Errorf("exchange watch called %d times despite failed probe", calls)
	}
}

func TestPushFailureFallsBackToMock(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.bookErr = fmt.Errorf("subscription refused")
	m := newTestManager(t, driver, &sinkRecorder{})

	sources := make(chan types.Source, 4)
	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{
		OnBook: func(_ string, source types.Source) { sources <- source },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case source := <-sources:
		if source != types.SourceMock {
			t.Errorf("source = %s, want mock", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mock fallback never produced a book")
	}
}

func TestUpdateParamsRestartsOnlyOnChange(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	params := bookParams()
	if err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, params, Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "the stream to open", func() bool { return driver.watchBookCalls() == 1 })

	// Identical parameters are a no-op.
	m.UpdateParams("BTCUSDT", params)
	if stats := m.Stats(); stats[0].Restarts != 0 {
		t.Errorf("restarts = %d after identical params, want 0", stats[0].Restarts)
	}

	params.Rounding = 0.5
	m.UpdateParams("BTCUSDT", params)
	waitFor(t, "the stream to reopen", func() bool { return driver.watchBookCalls() == 2 })

	if stats := m.Stats(); len(stats) != 1 || stats[0].Restarts != 1 {
		t.Errorf("stats after param change = %+v, want 1 restart", stats)
	}
}

func TestStreamFailureNotifiesAndCountsReconnect(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	errs := make(chan string, 4)
	err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{
		OnError: func(message string) { errs <- message },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	close(driver.lastBookCh(t))

	select {
	case msg := <-errs:
		if msg == "" {
			t.Error("error broadcast carried no message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribers were never told about the failure")
	}
	waitFor(t, "the reconnect counter", func() bool { return m.Reconnects() >= 1 })
}

func TestTickerStreamBroadcasts(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	ticks := make(chan types.Ticker, 4)
	err := m.Connect("conn-1", "BTCUSDT:ticker", types.StreamTicker, StreamParams{}, Callbacks{
		OnTicker: func(tk types.Ticker) { ticks <- tk },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	driver.lastTickerCh(t) <- types.Ticker{Symbol: "BTCUSDT", Last: 100.5}

	select {
	case tk := <-ticks:
		if tk.Last != 100.5 {
			t.Errorf("ticker last = %g, want 100.5", tk.Last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker broadcast never arrived")
	}
}

func TestCandleStreamBroadcasts(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	candles := make(chan types.Candle, 4)
	err := m.Connect("conn-1", "BTCUSDT:1m", types.StreamCandles, StreamParams{}, Callbacks{
		OnCandle: func(c types.Candle) { candles <- c },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "the candle stream to open", func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return len(driver.candles) == 1
	})
	driver.mu.Lock()
	ch := driver.candles[0]
	driver.mu.Unlock()
	ch <- types.Candle{Symbol: "BTCUSDT", Timeframe: "1m", Close: 42}

	select {
	case c := <-candles:
		if c.Timeframe != "1m" || c.Close != 42 {
			t.Errorf("candle = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("candle broadcast never arrived")
	}
}

func TestTickerAndBookStreamsAreSeparateTasks(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	m := newTestManager(t, driver, &sinkRecorder{})

	if err := m.Connect("conn-1", "BTCUSDT", types.StreamOrderBook, bookParams(), Callbacks{}); err != nil {
		t.Fatalf("Connect book: %v", err)
	}
	if err := m.Connect("conn-1", "BTCUSDT:ticker", types.StreamTicker, StreamParams{}, Callbacks{}); err != nil {
		t.Fatalf("Connect ticker: %v", err)
	}

	if stats := m.Stats(); len(stats) != 2 {
		t.Errorf("got %d streams, want 2 independent tasks", len(stats))
	}

	// Dropping the book keeps the ticker task alive.
	m.Disconnect("conn-1", "BTCUSDT")
	if stats := m.Stats(); len(stats) != 1 || stats[0].Key != "BTCUSDT:ticker" {
		t.Errorf("stats = %+v, want only the ticker task", stats)
	}
}
