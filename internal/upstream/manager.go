// Package upstream owns the exchange-facing side of the service: one
// worker task per stream key, fanning events out to subscriber callbacks
// and feeding order book data into the book registry through a sink.
//
// A task starts when its first subscriber connects and stops when the last
// one leaves. Between those points it survives every upstream failure,
// walking a fixed backoff ladder and telling its subscribers about each
// retry. Order book tasks pick their source at start time: the depth cache
// when configured and supported, a plain push subscription otherwise, and
// the synthetic generator when the exchange fails its reachability probe.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

// backoffDelays is the reconnect ladder. The last entry repeats until the
// stream recovers or its subscriber count reaches zero.
var backoffDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// StreamState tracks where a stream task is in its lifecycle.
type StreamState string

const (
	StateStarting   StreamState = "starting"
	StateRunning    StreamState = "running"
	StateBackoff    StreamState = "backoff"
	StateStopping   StreamState = "stopping"
	StateRestarting StreamState = "restarting"
)

// BookUpdateSink receives upstream order book data. The book registry
// implements it; the indirection keeps this package from importing the
// registry, so calls flow strictly downward.
type BookUpdateSink interface {
	ApplyUpstream(symbol string, source types.Source, bids, asks []types.PriceLevel, ts int64, isSnapshot bool) error
}

// StreamParams is the upstream configuration a book stream runs under.
// A change in any field restarts the stream task.
type StreamParams struct {
	Depth         int
	Rounding      float64
	UseDepthCache bool
	Aggregate     bool
}

// Callbacks carries one subscriber's per-event send functions. Nil fields
// are skipped. Callbacks run on the stream worker goroutine and must not
// block; slow subscribers are absorbed by their send queues downstream.
type Callbacks struct {
	OnBook   func(symbol string, source types.Source)
	OnTicker func(types.Ticker)
	OnCandle func(types.Candle)
	OnError  func(message string)
}

// streamTask is the registry entry for one stream key. All fields except
// the immutable identity ones are guarded by the manager mutex.
type streamTask struct {
	key        string
	streamType types.StreamType
	symbol     string
	timeframe  string

	params   StreamParams
	subs     map[string]Callbacks
	state    StreamState
	source   types.Source
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
}

// StreamStat describes one live stream task.
type StreamStat struct {
	Key         string           `json:"key"`
	Type        types.StreamType `json:"type"`
	State       StreamState      `json:"state"`
	Source      types.Source     `json:"source,omitempty"`
	Subscribers int              `json:"subscribers"`
	Restarts    int              `json:"restarts"`
}

// Manager owns every upstream stream task.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*streamTask

	driver Driver
	mock   Driver
	sink   BookUpdateSink
	cfg    config.UpstreamConfig
	logger *slog.Logger

	ctx        context.Context
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup
	reconnects atomic.Uint64
}

// New creates a stream manager over the given driver. Book data is pushed
// into sink before each book broadcast.
func New(cfg config.UpstreamConfig, driver Driver, sink BookUpdateSink, logger *slog.Logger) *Manager {
	return &Manager{
		streams: make(map[string]*streamTask),
		driver:  driver,
		mock:    NewMockDriver(logger),
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "upstream"),
	}
}

// Start binds the manager to its lifetime context. Must be called before
// Connect.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancelAll = context.WithCancel(ctx)
}

// Stop cancels every stream task and waits for the workers to exit.
func (m *Manager) Stop() {
	if m.cancelAll != nil {
		m.cancelAll()
	}
	m.wg.Wait()
	m.logger.Info("upstream manager stopped")
}

// Connect subscribes connID to streamKey, starting the upstream task on
// the first subscriber. Stream keys follow the wire convention: "SYM" for
// order books, "SYM:ticker" for tickers, "SYM:<tf>" for candles.
func (m *Manager) Connect(connID, streamKey string, streamType types.StreamType, params StreamParams, cb Callbacks) error {
	switch streamType {
	case types.StreamOrderBook, types.StreamTicker, types.StreamCandles:
	default:
		return fmt.Errorf("stream type %q is not managed here", streamType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return fmt.Errorf("upstream manager not started")
	}

	t, ok := m.streams[streamKey]
	if !ok {
		symbol, suffix := splitStreamKey(streamKey)
		if streamType == types.StreamCandles && suffix == "" {
			return fmt.Errorf("stream key %q has no timeframe", streamKey)
		}
		t = &streamTask{
			key:        streamKey,
			streamType: streamType,
			symbol:     symbol,
			timeframe:  suffix,
			params:     params,
			subs:       make(map[string]Callbacks),
			state:      StateStarting,
		}
		m.streams[streamKey] = t
		m.startLocked(t)
		m.logger.Info("stream started", "key", streamKey, "type", string(streamType))
	}
	t.subs[connID] = cb
	return nil
}

// Disconnect removes connID from streamKey. The task stops when its last
// subscriber leaves; once no stream key references the base symbol, any
// leftover subscriber-less entries for it are swept as well.
func (m *Manager) Disconnect(connID, streamKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.streams[streamKey]
	if !ok {
		return
	}
	delete(t.subs, connID)
	if len(t.subs) > 0 {
		return
	}
	m.stopLocked(t)
	m.cleanupSymbolLocked(t.symbol)
}

// UpdateParams applies a new upstream configuration to a book stream. A
// changed configuration restarts the task so the next tick is produced
// under the new parameters; an identical one is a no-op.
func (m *Manager) UpdateParams(streamKey string, params StreamParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.streams[streamKey]
	if !ok || t.params == params {
		return
	}
	t.params = params
	m.restartLocked(t)
}

// Stats reports every live stream task.
func (m *Manager) Stats() []StreamStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamStat, 0, len(m.streams))
	for _, t := range m.streams {
		out = append(out, StreamStat{
			Key:         t.key,
			Type:        t.streamType,
			State:       t.state,
			Source:      t.source,
			Subscribers: len(t.subs),
			Restarts:    t.restarts,
		})
	}
	return out
}

// Reconnects returns the total number of upstream failures that entered
// the backoff ladder.
func (m *Manager) Reconnects() uint64 {
	return m.reconnects.Load()
}

// startLocked launches the worker goroutine for t under a fresh context.
func (m *Manager) startLocked(t *streamTask) {
	ctx, cancel := context.WithCancel(m.ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	params := t.params
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.run(ctx, t, params)
	}()
}

// stopLocked cancels the task and removes it from the registry. The worker
// exits on its own; Stop waits for it through the wait group.
func (m *Manager) stopLocked(t *streamTask) {
	t.state = StateStopping
	if t.cancel != nil {
		t.cancel()
	}
	delete(m.streams, t.key)
	m.logger.Info("stream stopped", "key", t.key)
}

// cleanupSymbolLocked drops any remaining subscriber-less tasks for symbol
// once the last subscribed stream key for it goes away.
func (m *Manager) cleanupSymbolLocked(symbol string) {
	for _, other := range m.streams {
		if other.symbol == symbol && len(other.subs) > 0 {
			return
		}
	}
	for key, other := range m.streams {
		if other.symbol != symbol {
			continue
		}
		other.state = StateStopping
		if other.cancel != nil {
			other.cancel()
		}
		delete(m.streams, key)
		m.logger.Info("stream swept with symbol", "key", key)
	}
}

// restartLocked bounces the worker: cancel the old run, then start a fresh
// one once it has fully exited, provided the task still has subscribers.
func (m *Manager) restartLocked(t *streamTask) {
	t.state = StateRestarting
	t.restarts++
	oldCancel, oldDone := t.cancel, t.done
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if oldCancel != nil {
			oldCancel()
		}
		if oldDone != nil {
			<-oldDone
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.streams[t.key]
		if !ok || cur != t || len(t.subs) == 0 {
			return
		}
		m.startLocked(t)
	}()
}

// run keeps the stream alive until its context ends, walking the backoff
// ladder between attempts and telling subscribers about each failure.
func (m *Manager) run(ctx context.Context, t *streamTask, params StreamParams) {
	attempt := 0
	for ctx.Err() == nil {
		err := m.serve(ctx, t, params)
		if ctx.Err() != nil {
			return
		}
		if m.stateOf(t) == StateRunning {
			// The stream was up before this failure; start the ladder over.
			attempt = 0
		}
		m.reconnects.Add(1)
		m.logger.Warn("stream task failed", "key", t.key, "error", err)
		m.broadcastError(t, fmt.Sprintf("upstream stream %s failed, reconnecting: %v", t.key, err))
		m.setState(t, StateBackoff)

		delay := backoffDelays[min(attempt, len(backoffDelays)-1)]
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve opens the upstream source for t and consumes it until it ends.
func (m *Manager) serve(ctx context.Context, t *streamTask, params StreamParams) error {
	m.setState(t, StateStarting)
	switch t.streamType {
	case types.StreamOrderBook:
		return m.serveBook(ctx, t, params)
	case types.StreamTicker:
		return m.serveTicker(ctx, t)
	case types.StreamCandles:
		return m.serveCandles(ctx, t)
	default:
		return fmt.Errorf("unsupported stream type %q", t.streamType)
	}
}

func (m *Manager) serveBook(ctx context.Context, t *streamTask, params StreamParams) error {
	source, events, err := m.openBookSource(ctx, t.symbol, params)
	if err != nil {
		return err
	}
	m.setSource(t, source)
	m.setState(t, StateRunning)
	m.logger.Info("book stream running", "symbol", t.symbol, "source", string(source))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("book stream for %s ended", t.symbol)
			}
			if err := m.sink.ApplyUpstream(t.symbol, source, ev.Bids, ev.Asks, ev.Timestamp, ev.Snapshot); err != nil {
				m.logger.Warn("apply book update failed", "symbol", t.symbol, "error", err)
				continue
			}
			m.broadcastBook(t, source)
		}
	}
}

func (m *Manager) serveTicker(ctx context.Context, t *streamTask) error {
	ticks, err := m.driver.WatchTicker(ctx, t.symbol)
	if err != nil {
		return err
	}
	m.setState(t, StateRunning)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tk, ok := <-ticks:
			if !ok {
				return fmt.Errorf("ticker stream for %s ended", t.symbol)
			}
			m.broadcastTicker(t, tk)
		}
	}
}

func (m *Manager) serveCandles(ctx context.Context, t *streamTask) error {
	candles, err := m.driver.WatchOHLCV(ctx, t.symbol, t.timeframe)
	if err != nil {
		return err
	}
	m.setState(t, StateRunning)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-candles:
			if !ok {
				return fmt.Errorf("candle stream for %s %s ended", t.symbol, t.timeframe)
			}
			m.broadcastCandle(t, c)
		}
	}
}

// openBookSource picks the book source in the configured order: depth
// cache when enabled and the driver supports it, push otherwise, and the
// synthetic generator when the exchange is unreachable.
func (m *Manager) openBookSource(ctx context.Context, symbol string, params StreamParams) (types.Source, <-chan BookEvent, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.driver.FetchStatus(probeCtx)
	cancel()
	if err != nil {
		m.logger.Warn("exchange probe failed, using mock data", "symbol", symbol, "error", err)
		events, merr := m.openPush(ctx, m.mock, symbol)
		if merr != nil {
			return "", nil, merr
		}
		return types.SourceMock, events, nil
	}

	if params.UseDepthCache {
		if ds, ok := m.driver.(DiffStreamer); ok {
			events, derr := newDepthCacheStream(ctx, ds, symbol, m.cfg.ResyncInterval, m.logger)
			if derr == nil {
				return types.SourceDepthCache, events, nil
			}
			m.logger.Warn("depth cache unavailable, falling back to push", "symbol", symbol, "error", derr)
		}
	}

	events, perr := m.openPush(ctx, m.driver, symbol)
	if perr == nil {
		return types.SourcePush, events, nil
	}
	m.logger.Warn("push subscription failed, using mock data", "symbol", symbol, "error", perr)
	events, merr := m.openPush(ctx, m.mock, symbol)
	if merr != nil {
		return "", nil, merr
	}
	return types.SourceMock, events, nil
}

// openPush adapts a plain watch subscription into the book event stream.
func (m *Manager) openPush(ctx context.Context, d Driver, symbol string) (<-chan BookEvent, error) {
	snaps, err := d.WatchOrderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan BookEvent, eventBuffer)
	go func() {
		defer close(out)
		for snap := range snaps {
			ev := BookEvent{
				Bids:      snap.Bids,
				Asks:      snap.Asks,
				Timestamp: snap.Timestamp,
				Snapshot:  true,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// snapshotSubs copies the subscriber callbacks so broadcasting never holds
// the registry lock across callback invocations.
func (m *Manager) snapshotSubs(t *streamTask) []Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Callbacks, 0, len(t.subs))
	for _, cb := range t.subs {
		out = append(out, cb)
	}
	return out
}

func (m *Manager) broadcastBook(t *streamTask, source types.Source) {
	for _, cb := range m.snapshotSubs(t) {
		if cb.OnBook != nil {
			cb.OnBook(t.symbol, source)
		}
	}
}

func (m *Manager) broadcastTicker(t *streamTask, tk types.Ticker) {
	for _, cb := range m.snapshotSubs(t) {
		if cb.OnTicker != nil {
			cb.OnTicker(tk)
		}
	}
}

func (m *Manager) broadcastCandle(t *streamTask, c types.Candle) {
	for _, cb := range m.snapshotSubs(t) {
		if cb.OnCandle != nil {
			cb.OnCandle(c)
		}
	}
}

func (m *Manager) broadcastError(t *streamTask, message string) {
	for _, cb := range m.snapshotSubs(t) {
		if cb.OnError != nil {
			cb.OnError(message)
		}
	}
}

func (m *Manager) setState(t *streamTask, s StreamState) {
	m.mu.Lock()
	t.state = s
	m.mu.Unlock()
}

func (m *Manager) stateOf(t *streamTask) StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.state
}

func (m *Manager) setSource(t *streamTask, s types.Source) {
	m.mu.Lock()
	t.source = s
	m.mu.Unlock()
}
