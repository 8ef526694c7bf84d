// mock.go provides a synthetic market data driver. The stream manager
// falls back to it when the exchange fails its reachability probe, and
// tests use it directly. Prices follow a per-symbol random walk seeded
// from the symbol name, so the same symbol always replays the same tape.
package upstream

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"depthcast/pkg/types"
)

const mockBookLevels = 50

// MockDriver generates synthetic books, tickers, candles, and forced
// orders. Interval is the emit period for watch streams; zero means the
// 250ms default.
type MockDriver struct {
	Interval time.Duration
	logger   *slog.Logger
}

// NewMockDriver creates a synthetic driver.
func NewMockDriver(logger *slog.Logger) *MockDriver {
	return &MockDriver{logger: logger.With("component", "mock")}
}

func (d *MockDriver) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return 250 * time.Millisecond
}

// mockWalk is a random walk around a mid price derived from the symbol.
type mockWalk struct {
	rng  *rand.Rand
	mid  float64
	tick float64
}

func newMockWalk(symbol string) *mockWalk {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	seed := h.Sum64()
	mid := 50 + float64(seed%9000)/10
	return &mockWalk{
		rng:  rand.New(rand.NewSource(int64(seed))),
		mid:  mid,
		tick: mid / 10000,
	}
}

func (w *mockWalk) step() {
	w.mid += (w.rng.Float64() - 0.5) * w.tick * 20
	if w.mid < w.tick*100 {
		w.mid = w.tick * 100
	}
}

// book renders the current walk state as a two-sided book. Bids sit below
// the mid, asks above, so the book can never cross.
func (w *mockWalk) book() ([]types.PriceLevel, []types.PriceLevel) {
	bids := make([]types.PriceLevel, 0, mockBookLevels)
	asks := make([]types.PriceLevel, 0, mockBookLevels)
	for i := 0; i < mockBookLevels; i++ {
		offset := w.tick * float64(i+1)
		bids = append(bids, types.PriceLevel{Price: w.mid - offset, Amount: 1 + w.rng.Float64()*10})
		asks = append(asks, types.PriceLevel{Price: w.mid + offset, Amount: 1 + w.rng.Float64()*10})
	}
	return bids, asks
}

func (w *mockWalk) ticker(symbol string, now int64) types.Ticker {
	spread := w.tick
	return types.Ticker{
		Symbol:      symbol,
		Last:        w.mid,
		Bid:         w.mid - spread,
		Ask:         w.mid + spread,
		High:        w.mid * 1.02,
		Low:         w.mid * 0.98,
		Open:        w.mid * 0.995,
		Close:       w.mid,
		Change:      w.mid * 0.005,
		Percentage:  0.5,
		Volume:      1000 + w.rng.Float64()*9000,
		QuoteVolume: w.mid * (1000 + w.rng.Float64()*9000),
		Timestamp:   now,
	}
}

// mockTimeframeMs maps candle timeframes to bar lengths for bucket math.
// Unknown timeframes fall back to one minute.
func mockTimeframeMs(tf string) int64 {
	if ms, ok := types.LiquidationTimeframes[tf]; ok {
		return ms
	}
	switch tf {
	case "3m":
		return 180_000
	case "2h":
		return 7_200_000
	case "6h":
		return 21_600_000
	case "8h":
		return 28_800_000
	case "12h":
		return 43_200_000
	case "3d":
		return 259_200_000
	case "1w":
		return 604_800_000
	case "1M":
		return 2_592_000_000
	}
	return 60_000
}

// emitLoop runs fn immediately and then on every interval tick until ctx
// ends. The immediate call gives subscribers data without waiting a full
// period.
func (d *MockDriver) emitLoop(ctx context.Context, fn func()) {
	fn()
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (d *MockDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	out := make(chan types.BookSnapshot, eventBuffer)
	walk := newMockWalk(symbol)
	go func() {
		defer close(out)
		d.emitLoop(ctx, func() {
			walk.step()
			bids, asks := walk.book()
			snap := types.BookSnapshot{
				Symbol:    symbol,
				Bids:      bids,
				Asks:      asks,
				Timestamp: time.Now().UnixMilli(),
			}
			select {
			case out <- snap:
			default:
			}
		})
	}()
	return out, nil
}

func (d *MockDriver) WatchTicker(ctx context.Context, symbol string) (<-chan types.Ticker, error) {
	out := make(chan types.Ticker, eventBuffer)
	walk := newMockWalk(symbol)
	go func() {
		defer close(out)
		d.emitLoop(ctx, func() {
			walk.step()
			select {
			case out <- walk.ticker(symbol, time.Now().UnixMilli()):
			default:
			}
		})
	}()
	return out, nil
}

func (d *MockDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error) {
	out := make(chan types.Candle, eventBuffer)
	walk := newMockWalk(symbol)
	tfMs := mockTimeframeMs(timeframe)
	var bar types.Candle
	go func() {
		defer close(out)
		d.emitLoop(ctx, func() {
			walk.step()
			now := time.Now().UnixMilli()
			open := now - now%tfMs
			if bar.Timestamp != open {
				bar = types.Candle{
					Symbol:    symbol,
					Timeframe: timeframe,
					Timestamp: open,
					Open:      walk.mid,
					High:      walk.mid,
					Low:       walk.mid,
				}
			}
			if walk.mid > bar.High {
				bar.High = walk.mid
			}
			if walk.mid < bar.Low {
				bar.Low = walk.mid
			}
			bar.Close = walk.mid
			bar.Volume += walk.rng.Float64() * 10
			select {
			case out <- bar:
			default:
			}
		})
	}()
	return out, nil
}

func (d *MockDriver) WatchForceOrders(ctx context.Context, symbol string) (<-chan ForceOrderEvent, error) {
	out := make(chan ForceOrderEvent, eventBuffer)
	walk := newMockWalk(symbol)
	go func() {
		defer close(out)
		d.emitLoop(ctx, func() {
			walk.step()
			// Liquidations are sparse; fire on roughly one tick in four.
			if walk.rng.Intn(4) != 0 {
				return
			}
			side := "BUY"
			if walk.rng.Intn(2) == 0 {
				side = "SELL"
			}
			qty := walk.rng.Float64() * 5
			ev := ForceOrderEvent{
				EventType: "forceOrder",
				EventTime: time.Now().UnixMilli(),
				Order: ForceOrderFill{
					Symbol:   symbol,
					Side:     side,
					Quantity: strconv.FormatFloat(qty, 'f', 3, 64),
					AvgPrice: strconv.FormatFloat(walk.mid, 'f', 2, 64),
				},
			}
			select {
			case out <- ev:
			default:
			}
		})
	}()
	return out, nil
}

// FetchStatus always reports healthy; the mock has nothing to probe.
func (d *MockDriver) FetchStatus(ctx context.Context) error {
	return nil
}

func (d *MockDriver) FetchOrderBook(ctx context.Context, symbol string, limit int) (*types.BookSnapshot, error) {
	walk := newMockWalk(symbol)
	walk.step()
	bids, asks := walk.book()
	if limit > 0 && limit < len(bids) {
		bids = bids[:limit]
		asks = asks[:limit]
	}
	return &types.BookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (d *MockDriver) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	walk := newMockWalk(symbol)
	walk.step()
	tk := walk.ticker(symbol, time.Now().UnixMilli())
	return &tk, nil
}

func (d *MockDriver) FetchTickers(ctx context.Context) ([]types.Ticker, error) {
	markets, _ := d.LoadMarkets(ctx)
	out := make([]types.Ticker, 0, len(markets))
	for _, mkt := range markets {
		tk, err := d.FetchTicker(ctx, mkt.Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, *tk)
	}
	return out, nil
}

func (d *MockDriver) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	walk := newMockWalk(symbol)
	tfMs := mockTimeframeMs(timeframe)
	now := time.Now().UnixMilli()
	start := now - now%tfMs - int64(limit-1)*tfMs
	out := make([]types.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		open := walk.mid
		high, low := open, open
		for j := 0; j < 4; j++ {
			walk.step()
			if walk.mid > high {
				high = walk.mid
			}
			if walk.mid < low {
				low = walk.mid
			}
		}
		out = append(out, types.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: start + int64(i)*tfMs,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     walk.mid,
			Volume:    100 + walk.rng.Float64()*900,
		})
	}
	return out, nil
}

// LoadMarkets returns a small static market table for development runs.
func (d *MockDriver) LoadMarkets(ctx context.Context) ([]Market, error) {
	return []Market{
		{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", PricePrecision: 2, AmountPrecision: 3, Active: true},
		{Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT", PricePrecision: 2, AmountPrecision: 3, Active: true},
		{Symbol: "SOLUSDT", Base: "SOL", Quote: "USDT", PricePrecision: 3, AmountPrecision: 1, Active: true},
		{Symbol: "XRPUSDT", Base: "XRP", Quote: "USDT", PricePrecision: 4, AmountPrecision: 1, Active: true},
		{Symbol: "DOGEUSDT", Base: "DOGE", Quote: "USDT", PricePrecision: 5, AmountPrecision: 0, Active: true},
	}, nil
}
