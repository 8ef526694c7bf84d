package upstream

import (
	"context"
	"strings"

	"depthcast/pkg/types"
)

// eventBuffer is the depth of every stream channel handed to consumers.
// Writers block when it fills, so a stalled consumer backpressures the
// upstream read loop instead of growing memory.
const eventBuffer = 256

// Driver is the exchange abstraction the stream manager runs on. Watch
// methods open one upstream subscription each and return a channel that is
// closed when the subscription dies; reconnecting is the caller's job.
// Fetch methods are one-shot REST calls used for probes, fallbacks, and
// metadata.
type Driver interface {
	WatchOrderBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error)
	WatchTicker(ctx context.Context, symbol string) (<-chan types.Ticker, error)
	WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error)
	WatchForceOrders(ctx context.Context, symbol string) (<-chan ForceOrderEvent, error)

	FetchStatus(ctx context.Context) error
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*types.BookSnapshot, error)
	FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)
	FetchTickers(ctx context.Context) ([]types.Ticker, error)
	LoadMarkets(ctx context.Context) ([]Market, error)
}

// DiffStreamer is the optional driver extension behind the depth-cache
// source: the raw diff stream plus the REST snapshot used to seed and
// resync it. Drivers that cannot provide it (the mock) simply omit it.
type DiffStreamer interface {
	WatchDepthDiff(ctx context.Context, symbol string) (<-chan DepthDiff, error)
	FetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error)
}

// Market is one tradable instrument from the exchange metadata endpoint.
type Market struct {
	Symbol          string
	Base            string
	Quote           string
	PricePrecision  int
	AmountPrecision int
	Active          bool
}

// DepthDiff is one increment of the diff stream, bounded by update ids.
type DepthDiff struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []types.PriceLevel
	Asks          []types.PriceLevel
	Timestamp     int64
}

// DepthSnapshot is a REST book snapshot with its update id watermark.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []types.PriceLevel
	Asks         []types.PriceLevel
	Timestamp    int64
}

// BookEvent is one upstream book message in source-neutral form: a full
// replacement when Snapshot is set, an incremental change otherwise.
type BookEvent struct {
	Bids      []types.PriceLevel
	Asks      []types.PriceLevel
	Timestamp int64
	Snapshot  bool
}

// splitStreamKey splits "SYM" or "SYM:suffix" into the base symbol and the
// suffix ("ticker" for ticker streams, the timeframe for candle streams).
func splitStreamKey(key string) (string, string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
