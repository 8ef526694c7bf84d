package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"depthcast/internal/batch"
	"depthcast/internal/book"
	"depthcast/internal/delta"
	"depthcast/internal/liquidation"
	"depthcast/internal/monitor"
	"depthcast/internal/symbols"
	"depthcast/internal/upstream"
	"depthcast/internal/wire"
	"depthcast/pkg/types"
)

// Application close codes sent when a session cannot be established.
const (
	closeBadRequest   = 4000
	closeBadTimeframe = 4001
	closeBadSymbol    = 4004
)

// Session parameter bounds. Out-of-range values are clamped at connect
// time and rejected on mid-session updates.
const (
	minDepth        = 5
	maxDepth        = 5000
	minRounding     = 1e-4
	defaultDepth    = 20
	defaultRounding = 0.01
)

// backfillBuckets is how far liquidation volume history reaches back on
// subscribe, in bucket widths.
const backfillBuckets = 60

var errConnUnknown = errors.New("connection unknown")

// Hub tracks live subscriber sessions and routes data between the upstream
// side and each connection. It never holds its own lock while calling into
// another component.
type Hub struct {
	books   *book.Manager
	deltas  *delta.Engine
	streams *upstream.Manager
	liq     *liquidation.Aggregator
	syms    symbols.Service
	metrics *monitor.Metrics
	codec   *wire.PairCodec
	batcher *batch.Batcher
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

func newHub(deps Deps, logger *slog.Logger) *Hub {
	return &Hub{
		books:   deps.Books,
		deltas:  deps.Deltas,
		streams: deps.Streams,
		liq:     deps.Liq,
		syms:    deps.Symbols,
		metrics: deps.Metrics,
		codec:   deps.Codec,
		clients: make(map[string]*client),
		logger:  logger.With("component", "hub"),
	}
}

// Sessions reports the number of live subscriber connections.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register establishes a session for a freshly upgraded connection: resolve
// the symbol, clamp parameters, wire the stream, start the pumps. Rejections
// send one error frame and a close frame; the pumps never start.
func (h *Hub) register(conn *websocket.Conn, r *http.Request) {
	c := newClient(h, conn, h.frameType())
	q := r.URL.Query()

	raw := q.Get("symbol")
	symbol, ok := h.syms.Resolve(raw)
	if !ok {
		sugg := h.syms.Suggestions(raw, 3)
		h.reject(c, closeBadSymbol, fmt.Sprintf("unknown symbol %q", raw), sugg)
		return
	}
	c.symbol = symbol

	depth := defaultDepth
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			depth = v
		}
	}
	rounding := defaultRounding
	if s := q.Get("rounding"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			rounding = v
		}
	}
	depth = clampDepth(depth)
	rounding = clampRounding(rounding)

	streamType := types.StreamOrderBook
	if s := q.Get("type"); s != "" {
		streamType = types.StreamType(s)
	}
	c.streamType = streamType
	c.timeframe = q.Get("timeframe")

	// The client must be routable before the first upstream tick: batcher
	// deliveries look sessions up by id.
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	var err error
	switch streamType {
	case types.StreamOrderBook:
		err = h.registerBook(c, depth, rounding)

	case types.StreamTicker:
		c.streamKey = c.symbol + ":ticker"
		err = h.streams.Connect(c.id, c.streamKey, types.StreamTicker, upstream.StreamParams{}, upstream.Callbacks{
			OnTicker: func(tk types.Ticker) { h.pushTicker(c, tk) },
			OnError:  func(msg string) { h.pushError(c, msg) },
		})

	case types.StreamCandles:
		if !types.ValidCandleTimeframe(c.timeframe) {
			h.reject(c, closeBadTimeframe, fmt.Sprintf("unknown timeframe %q", c.timeframe), nil)
			return
		}
		c.streamKey = c.symbol + ":" + c.timeframe
		err = h.streams.Connect(c.id, c.streamKey, types.StreamCandles, upstream.StreamParams{}, upstream.Callbacks{
			OnCandle: func(cd types.Candle) { h.pushCandle(c, cd) },
			OnError:  func(msg string) { h.pushError(c, msg) },
		})

	case types.StreamLiquidation:
		c.streamKey = c.symbol
		err = h.liq.RegisterRaw(c.id, c.symbol, func(ev types.LiquidationEvent) { h.pushLiquidation(c, ev) })

	case types.StreamLiquidationVolume:
		if _, ok := types.LiquidationTimeframes[c.timeframe]; !ok {
			h.reject(c, closeBadTimeframe, fmt.Sprintf("unknown timeframe %q", c.timeframe), nil)
			return
		}
		c.streamKey = c.symbol + ":" + c.timeframe
		err = h.liq.RegisterVolume(c.id, c.symbol, c.timeframe, func(_, _ string, buckets []types.VolumeBucket) {
			h.pushVolume(c, buckets, true)
		})

	default:
		h.reject(c, closeBadRequest, fmt.Sprintf("unknown stream type %q", streamType), nil)
		return
	}
	if err != nil {
		h.reject(c, closeBadRequest, err.Error(), nil)
		return
	}

	h.mu.RLock()
	sessions := len(h.clients)
	h.mu.RUnlock()

	go c.writePump()
	go c.readPump()

	if streamType == types.StreamLiquidationVolume {
		go h.sendVolumeBackfill(c)
	}

	h.logger.Info("subscriber connected",
		"conn_id", c.id,
		"symbol", c.symbol,
		"stream", string(streamType),
		"sessions", sessions)
}

// registerBook wires an orderbook session: book registry first, then the
// upstream stream, then the initial full update. The initial frame is queued
// before Connect so it precedes any delta produced by the first tick.
func (h *Hub) registerBook(c *client, depth int, rounding float64) error {
	if err := h.books.Register(c.id, c.symbol, depth, rounding); err != nil {
		return err
	}
	if meta, ok := h.syms.Info(c.symbol); ok {
		h.books.UpdateSymbolData(c.symbol, meta)
	}
	c.streamKey = c.symbol

	h.sendBookUpdate(c)

	params, _ := h.books.Session(c.id)
	err := h.streams.Connect(c.id, c.streamKey, types.StreamOrderBook, upstream.StreamParams{
		Depth:         params.Depth,
		Rounding:      params.Rounding,
		UseDepthCache: params.UseDepthCache,
		Aggregate:     params.Aggregate,
	}, upstream.Callbacks{
		OnBook:  func(string, types.Source) { h.pushBookTick(c) },
		OnError: func(msg string) { h.pushError(c, msg) },
	})
	if err != nil {
		h.books.Unregister(c.id)
		return err
	}
	return nil
}

// unregister tears a session down across every component. Idempotent: the
// map check makes sure only the first caller does the work.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	cur, ok := h.clients[c.id]
	if ok && cur == c {
		delete(h.clients, c.id)
	}
	sessions := len(h.clients)
	h.mu.Unlock()
	if !ok || cur != c {
		return
	}

	switch c.streamType {
	case types.StreamOrderBook:
		h.streams.Disconnect(c.id, c.streamKey)
		h.books.Unregister(c.id)
		h.deltas.Unregister(c.id)
	case types.StreamTicker, types.StreamCandles:
		h.streams.Disconnect(c.id, c.streamKey)
	case types.StreamLiquidation, types.StreamLiquidationVolume:
		h.liq.Unregister(c.id)
	}
	h.batcher.Remove(c.id)
	c.close()

	h.logger.Info("subscriber disconnected",
		"conn_id", c.id,
		"symbol", c.symbol,
		"sessions", sessions)
}

// closeAll drops every connection without per-session teardown; used on
// server shutdown when the components are stopping anyway.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// handleInbound processes one frame from a subscriber. Invalid JSON and
// unknown types are logged and dropped; the connection stays open.
func (h *Hub) handleInbound(c *client, data []byte) {
	h.metrics.MessagesIn.Inc()

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("bad inbound frame", "error", err)
		return
	}

	switch msg.Type {
	case "ping":
		h.push(c, pongMessage{Type: msgPong})
	case "update_params":
		h.handleUpdateParams(c, msg)
	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// handleUpdateParams applies a mid-session depth/rounding change. Invalid
// values get an error frame and the previous parameters stay in force; the
// connection is never closed for a bad update.
func (h *Hub) handleUpdateParams(c *client, msg inboundMessage) {
	if c.streamType != types.StreamOrderBook {
		h.push(c, errorMessage{Type: msgError, Message: "params apply to orderbook streams only"})
		return
	}
	if msg.Depth != nil && (*msg.Depth < minDepth || *msg.Depth > maxDepth) {
		h.push(c, errorMessage{Type: msgError, Message: fmt.Sprintf("depth must be between %d and %d", minDepth, maxDepth)})
		return
	}
	if msg.Rounding != nil && *msg.Rounding < minRounding {
		h.push(c, errorMessage{Type: msgError, Message: fmt.Sprintf("rounding must be at least %g", minRounding)})
		return
	}

	params, err := h.books.UpdateParams(c.id, msg.Depth, msg.Rounding, nil, nil)
	if err != nil {
		h.push(c, errorMessage{Type: msgError, Message: err.Error()})
		return
	}

	// Next delta must be a full snapshot against the new view.
	h.deltas.Reset(c.id)
	h.streams.UpdateParams(c.streamKey, upstream.StreamParams{
		Depth:         params.Depth,
		Rounding:      params.Rounding,
		UseDepthCache: params.UseDepthCache,
		Aggregate:     params.Aggregate,
	})

	h.push(c, paramsUpdatedMessage{
		Type:     msgParamsUpdated,
		Depth:    params.Depth,
		Rounding: params.Rounding,
		Success:  true,
	})
	h.sendBookUpdate(c)

	c.logger.Info("params updated", "depth", params.Depth, "rounding", params.Rounding)
}

// pushBookTick runs the delta path for one subscriber after an upstream
// book change: aggregate, diff, enqueue.
func (h *Hub) pushBookTick(c *client) {
	start := time.Now()
	agg, err := h.books.GetAggregated(c.id)
	if err != nil {
		return
	}
	h.metrics.AggregateDuration.Observe(time.Since(start).Seconds())

	msg, ok := h.deltas.Compute(c.id, agg)
	if !ok {
		return
	}
	typ := msgBookDelta
	if msg.FullSnapshot {
		typ = msgBookSnapshot
	}
	h.batcher.Enqueue(c.id, deltaMessage{Type: typ, DeltaMessage: msg})
}

// sendBookUpdate sends a full orderbook_update directly, bypassing the
// batcher. Used for the initial frame and after parameter changes.
func (h *Hub) sendBookUpdate(c *client) {
	start := time.Now()
	agg, err := h.books.GetAggregated(c.id)
	if err != nil {
		c.logger.Warn("aggregate failed", "symbol", c.symbol, "error", err)
		return
	}
	h.metrics.AggregateDuration.Observe(time.Since(start).Seconds())

	var opts []float64
	if meta, ok := h.syms.Info(c.symbol); ok {
		opts = meta.RoundingOptions
	}
	h.push(c, bookMessage{Type: msgBookUpdate, AggregatedBook: agg, RoundingOptions: opts})
}

func (h *Hub) pushTicker(c *client, tk types.Ticker) {
	h.batcher.Enqueue(c.id, tickerMessage{Type: msgTickerUpdate, Ticker: tk})
}

func (h *Hub) pushCandle(c *client, cd types.Candle) {
	h.batcher.Enqueue(c.id, candleMessage{Type: msgCandleUpdate, Candle: cd})
}

func (h *Hub) pushLiquidation(c *client, ev types.LiquidationEvent) {
	h.metrics.LiquidationEvents.Inc()
	h.batcher.Enqueue(c.id, liquidationMessage{Type: msgLiquidation, LiquidationEvent: ev})
}

func (h *Hub) pushVolume(c *client, buckets []types.VolumeBucket, isUpdate bool) {
	h.batcher.Enqueue(c.id, volumeMessage{
		Type:      msgLiquidationVolume,
		Symbol:    c.symbol,
		Timeframe: c.timeframe,
		Data:      buckets,
		Timestamp: time.Now().UnixMilli(),
		IsUpdate:  isUpdate,
	})
}

func (h *Hub) pushError(c *client, message string) {
	h.push(c, errorMessage{Type: msgError, Message: message})
}

// sendVolumeBackfill fetches recent history and sends it as one
// non-update frame. Failures only cost the subscriber the backfill.
func (h *Hub) sendVolumeBackfill(c *client) {
	if !h.liq.HasHistory() {
		return
	}
	tfMs := types.LiquidationTimeframes[c.timeframe]
	end := time.Now().UnixMilli()
	start := end - backfillBuckets*tfMs

	buckets, err := h.liq.History(context.Background(), c.symbol, c.timeframe, start, end)
	if err != nil {
		c.logger.Warn("liquidation backfill failed",
			"symbol", c.symbol, "timeframe", c.timeframe, "error", err)
		return
	}
	h.pushVolume(c, buckets, false)
}

// deliver is the batcher's send function: encode each update in batch order
// and queue it on the connection.
func (h *Hub) deliver(connID string, updates []any) error {
	h.mu.RLock()
	c := h.clients[connID]
	h.mu.RUnlock()
	if c == nil {
		return errConnUnknown
	}

	start := time.Now()
	h.metrics.BatchFlushSize.Observe(float64(len(updates)))
	for _, u := range updates {
		if !h.push(c, u) {
			return fmt.Errorf("conn %s: send queue full", connID)
		}
	}
	h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	return nil
}

// push encodes and queues one frame. A full queue drops the client; an
// encode failure only drops the frame.
func (h *Hub) push(c *client, v any) bool {
	data, err := h.codec.Encode(v)
	if err != nil {
		c.logger.Warn("encode failed", "error", err)
		return true
	}
	if !c.trySend(data) {
		c.logger.Warn("subscriber too slow, dropping", "symbol", c.symbol)
		c.close()
		return false
	}
	h.metrics.MessagesOut.Inc()
	return true
}

// reject answers a session that cannot be established: one error frame,
// then a close frame with the application code. The pumps never start, so
// writing to the connection directly is safe here.
func (h *Hub) reject(c *client, code int, message string, suggestions []string) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	if data, err := h.codec.Encode(errorMessage{Type: msgError, Message: message, Suggestions: suggestions}); err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(c.msgType, data)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	c.conn.Close()
	h.logger.Info("subscriber rejected", "reason", message)
}

// frameType picks the websocket frame kind for the negotiated codec.
// Compressed payloads are not valid UTF-8, so they always travel binary.
func (h *Hub) frameType() int {
	if h.codec.Format() == wire.FormatBinary || h.codec.Compression() != wire.CompressionNone {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func clampDepth(d int) int {
	if d < minDepth {
		return minDepth
	}
	if d > maxDepth {
		return maxDepth
	}
	return d
}

func clampRounding(r float64) float64 {
	if r < minRounding {
		return minRounding
	}
	return r
}
