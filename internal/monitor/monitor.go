package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"depthcast/internal/config"
)

// Alert is one fired threshold rule. Consumers read them from Alerts().
type Alert struct {
	Rule    string    `json:"rule"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Monitor logs periodic system snapshots and fires threshold alerts.
// Each rule has a cooldown so a sustained breach does not flood the log.
type Monitor struct {
	cfg     config.MonitorConfig
	metrics *Metrics
	logger  *slog.Logger

	mu             sync.Mutex
	sources        Sources
	lastFired      map[string]time.Time
	prevOverflows  uint64
	prevReconnects uint64
	havePrev       bool

	alertCh chan Alert
}

// New creates a monitor over the given instruments.
func New(cfg config.MonitorConfig, metrics *Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "monitor"),
		lastFired: make(map[string]time.Time),
		alertCh:   make(chan Alert, 10),
	}
}

// Bind attaches the component state readers and exposes them as gauges.
func (m *Monitor) Bind(s Sources) {
	m.mu.Lock()
	m.sources = s
	m.mu.Unlock()
	m.metrics.RegisterSources(s)
}

// Alerts returns the channel fired rules are delivered on. The channel
// never blocks the monitor; with no consumer the newest alert wins.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Handler serves the metrics registry.
func (m *Monitor) Handler() http.Handler {
	return m.metrics.Handler()
}

// Run emits a snapshot and evaluates the alert rules every interval.
// A disabled monitor still serves /metrics; only this loop is skipped.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("snapshot loop disabled")
		return
	}

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshot()
		}
	}
}

func read[T any](fn func() T) T {
	var zero T
	if fn == nil {
		return zero
	}
	return fn()
}

// snapshot logs the system state and runs the threshold rules against it.
func (m *Monitor) snapshot() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	s := m.sources
	m.mu.Unlock()

	books := read(s.Books)
	sessions := read(s.Sessions)
	streams := read(s.Streams)
	hits := read(s.CacheHits)
	misses := read(s.CacheMisses)
	overflows := read(s.Overflows)
	reconnects := read(s.Reconnects)

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	m.logger.Info("system snapshot",
		"books", books,
		"sessions", sessions,
		"streams", streams,
		"levels", read(s.Levels),
		"book_bytes", read(s.MemoryBytes),
		"cache_hit_rate", fmt.Sprintf("%.2f", hitRate),
		"overflows", overflows,
		"reconnects", reconnects,
		"goroutines", runtime.NumGoroutine(),
		"heap_mb", ms.HeapAlloc/1024/1024,
	)

	m.evaluate(books, overflows, reconnects)
}

// evaluate applies the threshold rules. Rate rules need a previous
// sample, so the first snapshot only records the baseline.
func (m *Monitor) evaluate(books int, overflows, reconnects uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxBooksAlert > 0 && books > m.cfg.MaxBooksAlert {
		m.fireLocked("book_ceiling",
			fmt.Sprintf("%d books held, ceiling %d", books, m.cfg.MaxBooksAlert))
	}

	if m.havePrev {
		interval := m.cfg.SnapshotInterval.Seconds()
		if m.cfg.OverflowRateAlert > 0 && interval > 0 {
			rate := float64(overflows-m.prevOverflows) / interval
			if rate > m.cfg.OverflowRateAlert {
				m.fireLocked("batch_overflow_rate",
					fmt.Sprintf("%.1f dropped updates/s, threshold %.1f", rate, m.cfg.OverflowRateAlert))
			}
		}
		if m.cfg.ReconnectStormAlert > 0 {
			delta := int(reconnects - m.prevReconnects)
			if delta >= m.cfg.ReconnectStormAlert {
				m.fireLocked("reconnect_storm",
					fmt.Sprintf("%d upstream reconnects in one interval, threshold %d", delta, m.cfg.ReconnectStormAlert))
			}
		}
	}

	m.prevOverflows = overflows
	m.prevReconnects = reconnects
	m.havePrev = true
}

// fireLocked emits one alert unless the rule is still cooling down. If
// the alert channel is full the stale entry is drained first, so the
// latest alert is always the one delivered. Caller holds m.mu.
func (m *Monitor) fireLocked(rule, message string) {
	now := time.Now()
	if last, ok := m.lastFired[rule]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.logger.Debug("alert suppressed by cooldown", "rule", rule)
		return
	}
	m.lastFired[rule] = now

	m.logger.Warn("ALERT", "rule", rule, "message", message)
	m.metrics.AlertsFired.Inc()

	alert := Alert{Rule: rule, Message: message, At: now}
	select {
	case m.alertCh <- alert:
	default:
		select {
		case <-m.alertCh:
		default:
		}
		m.alertCh <- alert
	}
}
