// Package liquidation consumes forced-order streams and serves two views
// of them: normalized single events for raw subscribers, and time-bucketed
// volume rollups per (symbol, timeframe) for volume subscribers.
//
// One upstream task runs per symbol regardless of how many callbacks are
// attached. Callbacks are reference counted; the stream closes when the
// last one unregisters. Buckets fold the notional value of each event
// (quantity times average fill price), keyed by
// bucket_start = floor(event_ms / tf_ms) * tf_ms.
package liquidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"depthcast/internal/config"
	"depthcast/internal/format"
	"depthcast/internal/upstream"
	"depthcast/pkg/types"
)

// rollupCap bounds how long a rollup waits between emissions even on
// long timeframes, so charts keep moving.
const rollupCap = 5 * time.Second

// reconnectDelays is the backoff ladder for interrupted force-order
// streams. The last step repeats.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// ErrNotStarted is returned when callbacks are registered before Start.
var ErrNotStarted = fmt.Errorf("liquidation: aggregator not started")

// ErrBadTimeframe is returned for a volume timeframe outside the
// supported set.
var ErrBadTimeframe = fmt.Errorf("liquidation: unsupported timeframe")

// MetaFunc resolves symbol metadata for display formatting. It may
// return nil when the symbol is unknown.
type MetaFunc func(symbol string) *types.SymbolInfo

// EventFunc receives normalized liquidation events. It must not block.
type EventFunc func(types.LiquidationEvent)

// VolumeFunc receives rolled-up volume buckets, oldest first. It must
// not block.
type VolumeFunc func(symbol, timeframe string, buckets []types.VolumeBucket)

// Aggregator owns the per-symbol force-order streams and their rollups.
type Aggregator struct {
	cfg       config.LiquidationConfig
	driver    upstream.Driver
	formatter *format.Formatter
	meta      MetaFunc
	history   *historyClient
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	streams map[string]*symbolStream

	wg     sync.WaitGroup
	events atomic.Uint64
}

// symbolStream is one upstream task plus everything hanging off it.
// Guarded by Aggregator.mu.
type symbolStream struct {
	symbol  string
	cancel  context.CancelFunc
	raw     map[string]EventFunc
	rollups map[string]*volumeRollup
}

// volumeRollup buffers events for one (symbol, timeframe) and folds them
// into buckets on a timer.
type volumeRollup struct {
	symbol    string
	timeframe string
	tfMs      int64
	cancel    context.CancelFunc

	mu        sync.Mutex
	events    []types.LiquidationEvent
	callbacks map[string]VolumeFunc
}

// New creates an aggregator. historyURL may be empty, in which case
// History returns ErrNoHistory. meta may be nil.
func New(cfg config.LiquidationConfig, historyURL string, driver upstream.Driver, formatter *format.Formatter, meta MetaFunc, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		cfg:       cfg,
		driver:    driver,
		formatter: formatter,
		meta:      meta,
		logger:    logger.With("component", "liquidation"),
		streams:   make(map[string]*symbolStream),
	}
	if historyURL != "" {
		a.history = newHistoryClient(historyURL, cfg, logger)
	}
	return a
}

// Start makes the aggregator ready to accept registrations. Streams are
// only opened on demand, when the first callback for a symbol arrives.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("liquidation aggregator started")
}

// Stop closes every stream and waits for the workers to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.streams = make(map[string]*symbolStream)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("liquidation aggregator stopped")
}

// RegisterRaw attaches an event callback for symbol, starting the
// upstream task if this is the first callback.
func (a *Aggregator) RegisterRaw(connID, symbol string, cb EventFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return ErrNotStarted
	}

	st := a.ensureStreamLocked(symbol)
	st.raw[connID] = cb
	a.logger.Debug("raw liquidation subscriber added", "conn_id", connID, "symbol", symbol)
	return nil
}

// RegisterVolume attaches a volume callback for (symbol, timeframe),
// starting the upstream task and the rollup as needed.
func (a *Aggregator) RegisterVolume(connID, symbol, timeframe string, cb VolumeFunc) error {
	tfMs, ok := types.LiquidationTimeframes[timeframe]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBadTimeframe, timeframe)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return ErrNotStarted
	}

	st := a.ensureStreamLocked(symbol)
	ru := st.rollups[timeframe]
	if ru == nil {
		ctx, cancel := context.WithCancel(a.ctx)
		ru = &volumeRollup{
			symbol:    symbol,
			timeframe: timeframe,
			tfMs:      tfMs,
			cancel:    cancel,
			callbacks: make(map[string]VolumeFunc),
		}
		st.rollups[timeframe] = ru
		a.wg.Add(1)
		go a.runRollup(ctx, ru)
	}

	ru.mu.Lock()
	ru.callbacks[connID] = cb
	ru.mu.Unlock()

	a.logger.Debug("volume subscriber added", "conn_id", connID, "symbol", symbol, "timeframe", timeframe)
	return nil
}

// Unregister removes connID from every symbol and timeframe it is
// attached to. Streams and rollups with no remaining callbacks are
// stopped. Unknown ids are a no-op.
func (a *Aggregator) Unregister(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, st := range a.streams {
		delete(st.raw, connID)

		for timeframe, ru := range st.rollups {
			ru.mu.Lock()
			delete(ru.callbacks, connID)
			empty := len(ru.callbacks) == 0
			ru.mu.Unlock()
			if empty {
				ru.cancel()
				delete(st.rollups, timeframe)
			}
		}

		if len(st.raw) == 0 && len(st.rollups) == 0 {
			st.cancel()
			delete(a.streams, symbol)
			a.logger.Info("liquidation stream closed", "symbol", symbol)
		}
	}
}

// History returns volume buckets for [start, end] built from the
// external history endpoint, cached per (symbol, timeframe, start, end).
func (a *Aggregator) History(ctx context.Context, symbol, timeframe string, start, end int64) ([]types.VolumeBucket, error) {
	tfMs, ok := types.LiquidationTimeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadTimeframe, timeframe)
	}
	if a.history == nil {
		return nil, ErrNoHistory
	}

	key := fmt.Sprintf("%s|%s|%d|%d", symbol, timeframe, start, end)
	if cached, ok := a.history.cache.Get(key); ok {
		return cached.([]types.VolumeBucket), nil
	}

	events, err := a.history.fetch(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	buckets := reduceBuckets(events, tfMs, a.formatter, a.metaFor(symbol))
	a.history.cache.SetDefault(key, buckets)
	return buckets, nil
}

// HasHistory reports whether a history endpoint is configured.
func (a *Aggregator) HasHistory() bool {
	return a.history != nil
}

// Stats summarizes the live streams for the stats endpoint.
type Stats struct {
	Streams int    `json:"streams"`
	Rollups int    `json:"rollups"`
	Events  uint64 `json:"events"`
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{Streams: len(a.streams), Events: a.events.Load()}
	for _, st := range a.streams {
		s.Rollups += len(st.rollups)
	}
	return s
}

// ensureStreamLocked returns the stream for symbol, creating it and
// starting its worker on first use. Caller holds a.mu.
func (a *Aggregator) ensureStreamLocked(symbol string) *symbolStream {
	if st, ok := a.streams[symbol]; ok {
		return st
	}

	ctx, cancel := context.WithCancel(a.ctx)
	st := &symbolStream{
		symbol:  symbol,
		cancel:  cancel,
		raw:     make(map[string]EventFunc),
		rollups: make(map[string]*volumeRollup),
	}
	a.streams[symbol] = st

	a.wg.Add(1)
	go a.runStream(ctx, symbol)
	a.logger.Info("liquidation stream opened", "symbol", symbol)
	return st
}

// runStream keeps one force-order stream alive, reconnecting with
// backoff. The backoff resets after any delivered event.
func (a *Aggregator) runStream(ctx context.Context, symbol string) {
	defer a.wg.Done()

	attempt := 0
	for {
		delivered, err := a.consume(ctx, symbol)
		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			attempt = 0
		}

		delay := reconnectDelays[min(attempt, len(reconnectDelays)-1)]
		attempt++
		a.logger.Warn("liquidation stream interrupted",
			"symbol", symbol, "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume reads one stream until it fails, returning how many events it
// delivered.
func (a *Aggregator) consume(ctx context.Context, symbol string) (int, error) {
	ch, err := a.driver.WatchForceOrders(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("watch force orders: %w", err)
	}

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return delivered, fmt.Errorf("force order stream closed")
			}
			ev, err := a.normalize(symbol, raw)
			if err != nil {
				a.logger.Warn("dropping malformed liquidation",
					"symbol", symbol, "error", err)
				continue
			}
			a.dispatch(ev)
			delivered++
		}
	}
}

// normalize converts a raw exchange frame into the shared event shape.
// Value is quantity times average fill price.
func (a *Aggregator) normalize(symbol string, raw upstream.ForceOrderEvent) (types.LiquidationEvent, error) {
	qty, err := strconv.ParseFloat(raw.Order.Quantity, 64)
	if err != nil {
		return types.LiquidationEvent{}, types.Classify(types.KindUpstreamProtocol,
			fmt.Errorf("parse quantity %q: %w", raw.Order.Quantity, err))
	}
	price, err := strconv.ParseFloat(raw.Order.AvgPrice, 64)
	if err != nil {
		return types.LiquidationEvent{}, types.Classify(types.KindUpstreamProtocol,
			fmt.Errorf("parse avg price %q: %w", raw.Order.AvgPrice, err))
	}

	side := types.Side(strings.ToUpper(raw.Order.Side))
	if side != types.BUY && side != types.SELL {
		return types.LiquidationEvent{}, types.Classify(types.KindUpstreamProtocol,
			fmt.Errorf("unknown side %q", raw.Order.Side))
	}

	eventTime := raw.EventTime
	if eventTime <= 0 {
		eventTime = time.Now().UnixMilli()
	}
	if raw.Order.Symbol != "" {
		symbol = raw.Order.Symbol
	}

	meta := a.metaFor(symbol)
	ev := types.LiquidationEvent{
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		AvgPrice:    price,
		Value:       qty * price,
		EventTime:   eventTime,
		DisplayTime: format.ClockTime(eventTime),
		BaseAsset:   baseAsset(symbol, meta),
	}
	if a.formatter != nil {
		ev.QuantityFormatted = a.formatter.Amount(qty, meta)
		ev.AvgPriceFormatted = a.formatter.Price(price, meta)
		ev.ValueFormatted = a.formatter.Total(ev.Value, meta)
	}
	return ev, nil
}

// dispatch fans one event out to the raw callbacks and appends it to
// every active rollup buffer for its symbol.
func (a *Aggregator) dispatch(ev types.LiquidationEvent) {
	a.events.Add(1)

	a.mu.Lock()
	st, ok := a.streams[ev.Symbol]
	if !ok {
		a.mu.Unlock()
		return
	}
	raw := make([]EventFunc, 0, len(st.raw))
	for _, cb := range st.raw {
		raw = append(raw, cb)
	}
	rollups := make([]*volumeRollup, 0, len(st.rollups))
	for _, ru := range st.rollups {
		rollups = append(rollups, ru)
	}
	a.mu.Unlock()

	for _, ru := range rollups {
		ru.mu.Lock()
		ru.events = append(ru.events, ev)
		ru.mu.Unlock()
	}
	for _, cb := range raw {
		cb(ev)
	}
}

// runRollup periodically folds one buffer into buckets and emits them.
func (a *Aggregator) runRollup(ctx context.Context, ru *volumeRollup) {
	defer a.wg.Done()

	ticker := time.NewTicker(rollupInterval(ru.tfMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buckets, cbs := ru.collect(time.Now().UnixMilli(), a.formatter, a.metaFor(ru.symbol))
			for _, cb := range cbs {
				cb(ru.symbol, ru.timeframe, buckets)
			}
		}
	}
}

// rollupInterval is the emit period: the timeframe itself, capped at
// rollupCap so long timeframes still update.
func rollupInterval(tfMs int64) time.Duration {
	iv := time.Duration(tfMs) * time.Millisecond
	if iv > rollupCap {
		iv = rollupCap
	}
	return iv
}

// collect prunes events older than the previous bucket, folds the rest,
// and snapshots the callbacks to invoke outside the lock.
func (ru *volumeRollup) collect(nowMs int64, f *format.Formatter, meta *types.SymbolInfo) ([]types.VolumeBucket, []VolumeFunc) {
	current := bucketStart(nowMs, ru.tfMs)
	cutoff := current - ru.tfMs

	ru.mu.Lock()
	kept := ru.events[:0]
	for _, ev := range ru.events {
		if bucketStart(ev.EventTime, ru.tfMs) >= cutoff {
			kept = append(kept, ev)
		}
	}
	ru.events = kept

	snapshot := make([]types.LiquidationEvent, len(kept))
	copy(snapshot, kept)
	cbs := make([]VolumeFunc, 0, len(ru.callbacks))
	for _, cb := range ru.callbacks {
		cbs = append(cbs, cb)
	}
	ru.mu.Unlock()

	return reduceBuckets(snapshot, ru.tfMs, f, meta), cbs
}

func (a *Aggregator) metaFor(symbol string) *types.SymbolInfo {
	if a.meta == nil {
		return nil
	}
	return a.meta(symbol)
}

// bucketStart floors a millisecond timestamp to its bucket boundary.
func bucketStart(ms, tfMs int64) int64 {
	return ms - ms%tfMs
}

// reduceBuckets folds events into per-bucket buy/sell value totals and
// returns the buckets oldest first. The same reduction serves the live
// rollups and the history backfill.
func reduceBuckets(events []types.LiquidationEvent, tfMs int64, f *format.Formatter, meta *types.SymbolInfo) []types.VolumeBucket {
	if tfMs <= 0 {
		return nil
	}

	agg := make(map[int64]*types.VolumeBucket)
	for _, ev := range events {
		start := bucketStart(ev.EventTime, tfMs)
		b, ok := agg[start]
		if !ok {
			b = &types.VolumeBucket{Time: start / 1000, Timestamp: start}
			agg[start] = b
		}
		if ev.Side == types.BUY {
			b.BuyVolume += ev.Value
		} else {
			b.SellVolume += ev.Value
		}
		b.Count++
	}

	out := make([]types.VolumeBucket, 0, len(agg))
	for _, b := range agg {
		b.TotalVolume = b.BuyVolume + b.SellVolume
		b.DeltaVolume = b.BuyVolume - b.SellVolume
		if f != nil {
			b.BuyVolumeFormatted = f.Total(b.BuyVolume, meta)
			b.SellVolumeFormatted = f.Total(b.SellVolume, meta)
			b.TotalVolumeFormatted = f.Total(b.TotalVolume, meta)
			b.DeltaVolumeFormatted = f.Total(b.DeltaVolume, meta)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// baseAsset prefers resolved metadata and falls back to trimming common
// quote suffixes from the symbol.
func baseAsset(symbol string, meta *types.SymbolInfo) string {
	if meta != nil && meta.Base != "" {
		return meta.Base
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "BTC", "ETH", "BNB"} {
		if trimmed, ok := strings.CutSuffix(symbol, quote); ok && trimmed != "" {
			return trimmed
		}
	}
	return symbol
}
