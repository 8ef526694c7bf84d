// Depthcast — a real-time market-data fan-out service. It mirrors exchange
// order books, aggregates them into per-subscriber price-bucket views and
// streams updates, tickers, candles and liquidation volume over WebSocket.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	api/server.go           — HTTP/WebSocket front: /ws, /health, /api/stats, /metrics
//	api/hub.go              — session registry: resolves symbols, clamps params, routes data
//	book/book.go            — btree-backed order book mirror fed by upstream events
//	book/aggregate.go       — price-bucket aggregation with cumulative sums
//	book/manager.go         — book registry: sessions, warming, cleanup, aggregation cache
//	delta/engine.go         — per-subscriber diffs with a global sequence and periodic snapshots
//	batch/batcher.go        — per-connection outbound queues with drop-oldest overflow
//	upstream/manager.go     — one task per stream key, refcounted, backoff on failure
//	upstream/depthcache.go  — diff-stream + REST seed order book synchronization
//	liquidation/aggregator.go — forced-order fan-out and timeframe volume roll-ups
//	symbols/service.go      — exchange metadata: resolution, suggestions, rounding options
//	wire/serializer.go      — json/msgpack × deflate codecs, benchmark-driven selection
//	monitor/monitor.go      — prometheus metrics, system snapshots, threshold alerts
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"depthcast/internal/api"
	"depthcast/internal/book"
	"depthcast/internal/config"
	"depthcast/internal/delta"
	"depthcast/internal/format"
	"depthcast/internal/liquidation"
	"depthcast/internal/monitor"
	"depthcast/internal/symbols"
	"depthcast/internal/upstream"
	"depthcast/internal/wire"
	"depthcast/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DEPTHCAST_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Shared plumbing
	metrics := monitor.NewMetrics()
	mon := monitor.New(cfg.Monitor, metrics, logger)
	formatter := format.New(cfg.Formatter)

	// Book side
	aggregator := book.NewAggregator(formatter, logger)
	aggCache := book.NewAggCache(cfg.Cache, logger)
	books, err := book.NewManager(cfg.Books, cfg.Cache.WarmingWorkers, cfg.Upstream.UseDepthCache, aggregator, aggCache, logger)
	if err != nil {
		logger.Error("failed to create book manager", "error", err)
		os.Exit(1)
	}
	deltas := delta.NewEngine(cfg.Delta, logger)

	// Upstream side
	rest := upstream.NewRESTClient(cfg.Upstream, logger)
	driver := upstream.NewBinanceDriver(cfg.Upstream, rest, logger)
	streams := upstream.New(cfg.Upstream, driver, books, logger)
	syms := symbols.NewExchangeService(cfg.Symbols, driver, logger)
	liq := liquidation.New(cfg.Liquidation, cfg.Upstream.HistoryURL, driver, formatter,
		func(symbol string) *types.SymbolInfo {
			if info, ok := syms.Info(symbol); ok {
				return info
			}
			return nil
		}, logger)

	codec, err := selectCodec(cfg.Serializer, logger)
	if err != nil {
		logger.Error("failed to build codec", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg, api.Deps{
		Books:   books,
		Deltas:  deltas,
		Streams: streams,
		Liq:     liq,
		Symbols: syms,
		Monitor: mon,
		Metrics: metrics,
		Codec:   codec,
	}, logger)

	mon.Bind(monitor.Sources{
		Books:        func() int { return books.Stats().Books },
		Sessions:     srv.Hub().Sessions,
		Streams:      func() int { return len(streams.Stats()) },
		Levels:       func() int { return books.Stats().TotalLevels },
		MemoryBytes:  func() int64 { return books.Stats().MemoryBytes },
		CacheHits:    func() uint64 { return aggCache.Stats().Hits },
		CacheMisses:  func() uint64 { return aggCache.Stats().Misses },
		Overflows:    func() uint64 { return srv.Batcher().Stats().Overflows },
		Reconnects:   streams.Reconnects,
		LastSequence: deltas.LastSequence,
	})

	ctx, cancel := context.WithCancel(context.Background())

	streams.Start(ctx)
	liq.Start(ctx)
	go aggCache.Run(ctx)
	go deltas.Run(ctx)
	go syms.Run(ctx)
	go mon.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	logger.Info("depthcast started",
		"addr", cfg.Server.Host,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.WSURL,
		"depth_cache", cfg.Upstream.UseDepthCache,
	)

	// Wait for shutdown signal or a listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	if err := srv.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	liq.Stop()
	streams.Stop()
	cancel()
	books.Close()
}

// selectCodec picks the wire pair: a fresh benchmark when configured, a
// persisted selection when present, the configured pair otherwise.
func selectCodec(cfg config.SerializerConfig, logger *slog.Logger) (*wire.PairCodec, error) {
	if cfg.BenchmarkOnStart {
		sel, results, err := wire.SelectBest(wire.BenchPayload(), cfg.SelectionPath)
		if err != nil {
			logger.Warn("serializer benchmark failed", "error", err)
		} else {
			logger.Info("serializer benchmarked",
				"format", sel.Format, "compression", sel.Compression, "candidates", len(results))
			return wire.NewCodec(sel.Format, sel.Compression)
		}
	}
	if cfg.SelectionPath != "" {
		if sel, err := wire.LoadSelection(cfg.SelectionPath); err == nil && sel != nil {
			logger.Info("serializer selection loaded",
				"format", sel.Format, "compression", sel.Compression, "path", cfg.SelectionPath)
			return wire.NewCodec(sel.Format, sel.Compression)
		}
	}
	return wire.NewCodec(wire.Format(cfg.Format), wire.Compression(cfg.Compression))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
