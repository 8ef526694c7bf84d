// binance.go implements the exchange Driver over native WebSocket streams
// and the REST client in rest.go.
//
// Each Watch* call dials one dedicated stream socket and returns a channel
// fed by a read pump. The pump answers server pings, refreshes the read
// deadline per message, and closes the channel when the socket dies or the
// context ends. It never reconnects on its own: the stream manager owns
// the backoff ladder and decides when a dead stream is worth retrying.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

const (
	pingInterval = 50 * time.Second // keepalive ping cadence
	readTimeout  = 90 * time.Second // max silence before the socket is considered dead
	writeTimeout = 10 * time.Second // per-control-frame write deadline
	// pushBookLevels is the depth of the plain push subscription. The full
	// fidelity path is the depth cache; push streams carry only the top of
	// the book, which shows up as insufficient raw depth downstream.
	pushBookLevels = 20
)

// BinanceDriver talks to a Binance-style futures API: individual stream
// sockets for market data and the REST endpoints for everything one-shot.
type BinanceDriver struct {
	wsURL  string
	rest   *RESTClient
	logger *slog.Logger
}

// NewBinanceDriver creates a driver for the configured endpoints.
func NewBinanceDriver(cfg config.UpstreamConfig, rest *RESTClient, logger *slog.Logger) *BinanceDriver {
	return &BinanceDriver{
		wsURL:  strings.TrimRight(cfg.WSURL, "/"),
		rest:   rest,
		logger: logger.With("component", "binance"),
	}
}

// dialStream opens the socket for one named stream.
func (d *BinanceDriver) dialStream(ctx context.Context, streamName string) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/%s", d.wsURL, streamName)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", streamName, err)
	}
	return conn, nil
}

// pump reads messages until the socket dies or ctx ends, invoking handle
// for each payload. It owns conn and closes it on exit.
func (d *BinanceDriver) pump(ctx context.Context, conn *websocket.Conn, handle func([]byte)) {
	defer conn.Close()

	// Closing the socket from a watcher goroutine is the only way to
	// unblock ReadMessage when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeTimeout))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		handle(data)
	}
}

// streamName builds the lowercase stream path segment for a symbol.
func streamName(symbol, suffix string) string {
	return strings.ToLower(symbol) + "@" + suffix
}

// WatchOrderBook subscribes to the top-of-book push stream. Every frame is
// a full replacement of the visible depth.
func (d *BinanceDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	name := streamName(symbol, fmt.Sprintf("depth%d@100ms", pushBookLevels))
	conn, err := d.dialStream(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(chan types.BookSnapshot, eventBuffer)
	go func() {
		defer close(out)
		d.pump(ctx, conn, func(data []byte) {
			var msg depthSnapshotMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Warn("drop malformed depth payload", "symbol", symbol, "error", err)
				return
			}
			bids, err := parseLevels(msg.Bids)
			if err != nil {
				d.logger.Warn("drop depth payload", "symbol", symbol, "error", err)
				return
			}
			asks, err := parseLevels(msg.Asks)
			if err != nil {
				d.logger.Warn("drop depth payload", "symbol", symbol, "error", err)
				return
			}
			snap := types.BookSnapshot{
				Symbol:    symbol,
				Bids:      bids,
				Asks:      asks,
				Timestamp: time.Now().UnixMilli(),
			}
			select {
			case out <- snap:
			default:
				d.logger.Warn("book channel full, dropping event", "symbol", symbol)
			}
		})
	}()
	return out, nil
}

// WatchDepthDiff subscribes to the raw diff stream used by the depth cache.
func (d *BinanceDriver) WatchDepthDiff(ctx context.Context, symbol string) (<-chan DepthDiff, error) {
	conn, err := d.dialStream(ctx, streamName(symbol, "depth@100ms"))
	if err != nil {
		return nil, err
	}
	out := make(chan DepthDiff, eventBuffer)
	go func() {
		defer close(out)
		d.pump(ctx, conn, func(data []byte) {
			var msg depthDiffMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Warn("drop malformed depth diff", "symbol", symbol, "error", err)
				return
			}
			bids, err := parseLevels(msg.Bids)
			if err != nil {
				d.logger.Warn("drop depth diff", "symbol", symbol, "error", err)
				return
			}
			asks, err := parseLevels(msg.Asks)
			if err != nil {
				d.logger.Warn("drop depth diff", "symbol", symbol, "error", err)
				return
			}
			diff := DepthDiff{
				Symbol:        symbol,
				FirstUpdateID: msg.FirstUpdateID,
				FinalUpdateID: msg.FinalUpdateID,
				Bids:          bids,
				Asks:          asks,
				Timestamp:     msg.EventTime,
			}
			// Diffs must not be dropped: a skipped diff shows up as a
			// sequence gap and forces a REST reseed. Block until the depth
			// cache takes it or the stream shuts down.
			select {
			case out <- diff:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

// WatchTicker subscribes to the 24h ticker stream.
func (d *BinanceDriver) WatchTicker(ctx context.Context, symbol string) (<-chan types.Ticker, error) {
	conn, err := d.dialStream(ctx, streamName(symbol, "ticker"))
	if err != nil {
		return nil, err
	}
	out := make(chan types.Ticker, eventBuffer)
	go func() {
		defer close(out)
		d.pump(ctx, conn, func(data []byte) {
			var msg wsTickerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Warn("drop malformed ticker payload", "symbol", symbol, "error", err)
				return
			}
			tk, err := msg.ticker()
			if err != nil {
				d.logger.Warn("drop ticker payload", "symbol", symbol, "error", err)
				return
			}
			select {
			case out <- tk:
			default:
				d.logger.Warn("ticker channel full, dropping event", "symbol", symbol)
			}
		})
	}()
	return out, nil
}

// WatchOHLCV subscribes to the kline stream for one timeframe. Each frame
// carries the current bar, so consumers always see the most recent candle.
func (d *BinanceDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error) {
	conn, err := d.dialStream(ctx, streamName(symbol, "kline_"+timeframe))
	if err != nil {
		return nil, err
	}
	out := make(chan types.Candle, eventBuffer)
	go func() {
		defer close(out)
		d.pump(ctx, conn, func(data []byte) {
			var msg klineMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Warn("drop malformed kline payload", "symbol", symbol, "error", err)
				return
			}
			c, err := msg.candle()
			if err != nil {
				d.logger.Warn("drop kline payload", "symbol", symbol, "error", err)
				return
			}
			select {
			case out <- c:
			default:
				d.logger.Warn("candle channel full, dropping event", "symbol", symbol)
			}
		})
	}()
	return out, nil
}

// WatchForceOrders subscribes to the forced-order stream. Frames keep
// their raw field names end to end.
func (d *BinanceDriver) WatchForceOrders(ctx context.Context, symbol string) (<-chan ForceOrderEvent, error) {
	conn, err := d.dialStream(ctx, streamName(symbol, "forceOrder"))
	if err != nil {
		return nil, err
	}
	out := make(chan ForceOrderEvent, eventBuffer)
	go func() {
		defer close(out)
		d.pump(ctx, conn, func(data []byte) {
			var msg ForceOrderEvent
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Warn("drop malformed forced order", "symbol", symbol, "error", err)
				return
			}
			select {
			case out <- msg:
			default:
				d.logger.Warn("forced order channel full, dropping event", "symbol", symbol)
			}
		})
	}()
	return out, nil
}

// FetchStatus probes exchange reachability.
func (d *BinanceDriver) FetchStatus(ctx context.Context) error {
	return d.rest.ping(ctx)
}

// FetchDepthSnapshot fetches a book snapshot with its update id watermark.
func (d *BinanceDriver) FetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	msg, err := d.rest.depth(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot bids: %w", err)
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot asks: %w", err)
	}
	return &DepthSnapshot{
		LastUpdateID: msg.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now().UnixMilli(),
	}, nil
}

// FetchOrderBook fetches a one-shot book snapshot.
func (d *BinanceDriver) FetchOrderBook(ctx context.Context, symbol string, limit int) (*types.BookSnapshot, error) {
	snap, err := d.FetchDepthSnapshot(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	return &types.BookSnapshot{
		Symbol:    symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp,
	}, nil
}

// FetchTicker fetches the 24h ticker for one symbol.
func (d *BinanceDriver) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	msg, err := d.rest.ticker24h(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tk, err := msg.ticker()
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	return &tk, nil
}

// FetchTickers fetches 24h tickers for every symbol. Rows with unparseable
// numbers are skipped rather than failing the whole table.
func (d *BinanceDriver) FetchTickers(ctx context.Context) ([]types.Ticker, error) {
	msgs, err := d.rest.allTickers24h(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Ticker, 0, len(msgs))
	for _, msg := range msgs {
		tk, err := msg.ticker()
		if err != nil {
			d.logger.Warn("skip ticker row", "symbol", msg.Symbol, "error", err)
			continue
		}
		out = append(out, tk)
	}
	return out, nil
}

// FetchOHLCV fetches historical bars for one symbol and timeframe.
func (d *BinanceDriver) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	rows, err := d.rest.klines(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKlineRow(symbol, timeframe, row)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s: %w", symbol, timeframe, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadMarkets fetches the tradable instrument table.
func (d *BinanceDriver) LoadMarkets(ctx context.Context) ([]Market, error) {
	info, err := d.rest.exchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, Market{
			Symbol:          s.Symbol,
			Base:            s.BaseAsset,
			Quote:           s.QuoteAsset,
			PricePrecision:  s.PricePrecision,
			AmountPrecision: s.QuantityPrecision,
			Active:          s.Status == "TRADING",
		})
	}
	return out, nil
}
