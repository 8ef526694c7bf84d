// Package config defines all configuration for the depth fan-out service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational fields overridable via DEPTHCAST_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Books       BooksConfig       `mapstructure:"books"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Formatter   FormatterConfig   `mapstructure:"formatter"`
	Delta       DeltaConfig       `mapstructure:"delta"`
	Batcher     BatcherConfig     `mapstructure:"batcher"`
	Serializer  SerializerConfig  `mapstructure:"serializer"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Symbols     SymbolsConfig     `mapstructure:"symbols"`
}

// ServerConfig controls the subscriber-facing HTTP/WebSocket server.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UpstreamConfig holds exchange endpoints and source selection knobs.
//
//   - WSURL / RESTURL: exchange stream and REST bases.
//   - HistoryURL: optional external liquidation-history endpoint; empty
//     disables backfill.
//   - UseDepthCache: prefer the locally maintained full book (REST seed +
//     diff stream) over plain push subscriptions.
//   - ProbeTimeout: deadline for the startup reachability probe.
//   - RESTRatePerSec / RESTBurst: token bucket for all REST calls.
//   - ResyncInterval: how often a depth-cache source re-seeds from REST.
type UpstreamConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	RESTURL        string        `mapstructure:"rest_url"`
	HistoryURL     string        `mapstructure:"history_url"`
	UseDepthCache  bool          `mapstructure:"use_depth_cache"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RESTRatePerSec float64       `mapstructure:"rest_rate_per_sec"`
	RESTBurst      float64       `mapstructure:"rest_burst"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// BooksConfig bounds the order-book registry.
//
//   - MaxBooks: soft ceiling on concurrently held books.
//   - CleanupThreshold: fraction of MaxBooks that triggers a sweep of
//     subscriber-less books.
//   - PersistentMode: keep books alive after the last subscriber leaves.
type BooksConfig struct {
	MaxBooks         int     `mapstructure:"max_books"`
	CleanupThreshold float64 `mapstructure:"cleanup_threshold"`
	PersistentMode   bool    `mapstructure:"persistent_mode"`
}

// CacheConfig tunes the aggregation LRU cache.
type CacheConfig struct {
	MaxSize        int           `mapstructure:"max_size"`
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	WarmingWorkers int           `mapstructure:"warming_workers"`
}

// FormatterConfig tunes the display-string cache.
type FormatterConfig struct {
	CacheEnabled bool          `mapstructure:"cache_enabled"`
	CacheMaxSize int           `mapstructure:"cache_max_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// DeltaConfig tunes per-subscriber delta tracking.
type DeltaConfig struct {
	FullSnapshotInterval time.Duration `mapstructure:"full_snapshot_interval"`
	MaxSessionAge        time.Duration `mapstructure:"max_session_age"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

// BatcherConfig tunes per-subscriber send batching.
type BatcherConfig struct {
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	MaxBatchDelay time.Duration `mapstructure:"max_batch_delay"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SerializerConfig selects the outbound wire encoding.
//
//   - Format: "text" (JSON) or "binary" (msgpack).
//   - Compression: "none", "deflate-wrap" (zlib) or "deflate-raw" (flate).
//   - BenchmarkOnStart: measure all pairs at boot and pick the best.
//   - SelectionPath: file the benchmark winner is persisted to and, when
//     BenchmarkOnStart is off, loaded from.
type SerializerConfig struct {
	Format           string `mapstructure:"format"`
	Compression      string `mapstructure:"compression"`
	BenchmarkOnStart bool   `mapstructure:"benchmark_on_start"`
	SelectionPath    string `mapstructure:"selection_path"`
}

// LiquidationConfig tunes forced-order history backfill.
type LiquidationConfig struct {
	HistoryTimeout  time.Duration `mapstructure:"history_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	HistoryCacheTTL time.Duration `mapstructure:"history_cache_ttl"`
}

// MonitorConfig controls metrics and threshold alerts.
//
//   - SnapshotInterval: period of the system stats log line.
//   - MaxBooksAlert: book count that fires an alert (0 = Books.MaxBooks).
//   - OverflowRateAlert: batcher drops per second that fire an alert.
//   - ReconnectStormAlert: upstream reconnects inside one snapshot interval
//     that fire an alert.
//   - AlertCooldown: minimum gap between repeats of the same alert.
type MonitorConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	SnapshotInterval    time.Duration `mapstructure:"snapshot_interval"`
	MaxBooksAlert       int           `mapstructure:"max_books_alert"`
	OverflowRateAlert   float64       `mapstructure:"overflow_rate_alert"`
	ReconnectStormAlert int           `mapstructure:"reconnect_storm_alert"`
	AlertCooldown       time.Duration `mapstructure:"alert_cooldown"`
}

// SymbolsConfig controls the market-metadata refresh loop.
type SymbolsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	QuoteAsset      string        `mapstructure:"quote_asset"`
}

// Load reads config from a YAML file with env var overrides.
// Endpoint fields use env vars: DEPTHCAST_UPSTREAM_WS_URL,
// DEPTHCAST_UPSTREAM_REST_URL, DEPTHCAST_UPSTREAM_HISTORY_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DEPTHCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override endpoint fields from env. AutomaticEnv only surfaces keys
	// already present in the file, so these are applied explicitly.
	if u := os.Getenv("DEPTHCAST_UPSTREAM_WS_URL"); u != "" {
		cfg.Upstream.WSURL = u
	}
	if u := os.Getenv("DEPTHCAST_UPSTREAM_REST_URL"); u != "" {
		cfg.Upstream.RESTURL = u
	}
	if u := os.Getenv("DEPTHCAST_UPSTREAM_HISTORY_URL"); u != "" {
		cfg.Upstream.HistoryURL = u
	}
	if d := os.Getenv("DEPTHCAST_UPSTREAM_USE_DEPTH_CACHE"); d == "true" || d == "1" {
		cfg.Upstream.UseDepthCache = true
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-value fields with operational defaults so a
// minimal YAML file still yields a runnable configuration.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Upstream.ProbeTimeout == 0 {
		c.Upstream.ProbeTimeout = 15 * time.Second
	}
	if c.Upstream.RESTRatePerSec == 0 {
		c.Upstream.RESTRatePerSec = 10
	}
	if c.Upstream.RESTBurst == 0 {
		c.Upstream.RESTBurst = 20
	}
	if c.Upstream.ResyncInterval == 0 {
		c.Upstream.ResyncInterval = 10 * time.Minute
	}
	if c.Books.MaxBooks == 0 {
		c.Books.MaxBooks = 200
	}
	if c.Books.CleanupThreshold == 0 {
		c.Books.CleanupThreshold = 0.8
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 500
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}
	if c.Cache.WarmingWorkers == 0 {
		c.Cache.WarmingWorkers = 4
	}
	if c.Formatter.CacheMaxSize == 0 {
		c.Formatter.CacheMaxSize = 10_000
	}
	if c.Formatter.CacheTTL == 0 {
		c.Formatter.CacheTTL = 5 * time.Minute
	}
	if c.Delta.FullSnapshotInterval == 0 {
		c.Delta.FullSnapshotInterval = 300 * time.Second
	}
	if c.Delta.MaxSessionAge == 0 {
		c.Delta.MaxSessionAge = 3600 * time.Second
	}
	if c.Delta.SweepInterval == 0 {
		c.Delta.SweepInterval = 10 * time.Minute
	}
	if c.Batcher.MaxBatchSize == 0 {
		c.Batcher.MaxBatchSize = 10
	}
	if c.Batcher.MaxBatchDelay == 0 {
		c.Batcher.MaxBatchDelay = 100 * time.Millisecond
	}
	if c.Batcher.MaxQueueSize == 0 {
		c.Batcher.MaxQueueSize = 1000
	}
	if c.Batcher.SweepInterval == 0 {
		c.Batcher.SweepInterval = 5 * time.Minute
	}
	if c.Serializer.Format == "" {
		c.Serializer.Format = "text"
	}
	if c.Serializer.Compression == "" {
		c.Serializer.Compression = "none"
	}
	if c.Liquidation.HistoryTimeout == 0 {
		c.Liquidation.HistoryTimeout = 120 * time.Second
	}
	if c.Liquidation.HistoryLimit == 0 {
		c.Liquidation.HistoryLimit = 1000
	}
	if c.Liquidation.HistoryCacheTTL == 0 {
		c.Liquidation.HistoryCacheTTL = 60 * time.Second
	}
	if c.Monitor.SnapshotInterval == 0 {
		c.Monitor.SnapshotInterval = time.Minute
	}
	if c.Monitor.MaxBooksAlert == 0 {
		c.Monitor.MaxBooksAlert = c.Books.MaxBooks
	}
	if c.Monitor.OverflowRateAlert == 0 {
		c.Monitor.OverflowRateAlert = 1.0
	}
	if c.Monitor.ReconnectStormAlert == 0 {
		c.Monitor.ReconnectStormAlert = 10
	}
	if c.Monitor.AlertCooldown == 0 {
		c.Monitor.AlertCooldown = 5 * time.Minute
	}
	if c.Symbols.RefreshInterval == 0 {
		c.Symbols.RefreshInterval = 10 * time.Minute
	}
	if c.Symbols.QuoteAsset == "" {
		c.Symbols.QuoteAsset = "USDT"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required (set DEPTHCAST_UPSTREAM_WS_URL)")
	}
	if c.Upstream.RESTURL == "" {
		return fmt.Errorf("upstream.rest_url is required (set DEPTHCAST_UPSTREAM_REST_URL)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Books.MaxBooks <= 0 {
		return fmt.Errorf("books.max_books must be > 0")
	}
	if c.Books.CleanupThreshold <= 0 || c.Books.CleanupThreshold > 1 {
		return fmt.Errorf("books.cleanup_threshold must be in (0, 1]")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be > 0")
	}
	if c.Batcher.MaxBatchSize <= 0 {
		return fmt.Errorf("batcher.max_batch_size must be > 0")
	}
	if c.Batcher.MaxQueueSize < c.Batcher.MaxBatchSize {
		return fmt.Errorf("batcher.max_queue_size must be >= batcher.max_batch_size")
	}
	switch c.Serializer.Format {
	case "text", "binary":
	default:
		return fmt.Errorf("serializer.format must be one of: text, binary")
	}
	switch c.Serializer.Compression {
	case "none", "deflate-wrap", "deflate-raw":
	default:
		return fmt.Errorf("serializer.compression must be one of: none, deflate-wrap, deflate-raw")
	}
	return nil
}
