// Package monitor exposes prometheus metrics for the whole service and
// runs the threshold alert loop.
//
// Direct instruments (counters and histograms the hub ticks on its hot
// paths) live on Metrics. Component state that already has its own
// counters - book registry sizes, cache hit totals, upstream reconnects -
// is pulled lazily through Sources closures, so the components stay free
// of metric imports.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depthcast"

// Metrics holds the directly instrumented counters and histograms plus
// the registry everything is registered on.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIn        prometheus.Counter
	MessagesOut       prometheus.Counter
	LiquidationEvents prometheus.Counter
	AlertsFired       prometheus.Counter

	AggregateDuration prometheus.Histogram
	BroadcastDuration prometheus.Histogram
	BatchFlushSize    prometheus.Histogram
}

// NewMetrics builds a registry with the service instruments and the
// standard Go runtime collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		MessagesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Messages received from subscriber connections.",
		}),
		MessagesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Frames written to subscriber connections.",
		}),
		LiquidationEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_events_total",
			Help:      "Normalized forced-order events fanned out.",
		}),
		AlertsFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Threshold alerts fired, after cooldown suppression.",
		}),
		AggregateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_duration_seconds",
			Help:      "Time to produce one aggregated book view.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one upstream tick out to a subscriber.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		BatchFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_size",
			Help:      "Updates per delivered batch.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
	}

	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Sources are lazy readers over component state. Nil fields read as zero,
// so partial wiring (as in tests) is fine.
type Sources struct {
	Books        func() int
	Sessions     func() int
	Streams      func() int
	Levels       func() int
	MemoryBytes  func() int64
	CacheHits    func() uint64
	CacheMisses  func() uint64
	Overflows    func() uint64
	Reconnects   func() uint64
	LastSequence func() uint64
}

func intGauge(fn func() int) func() float64 {
	return func() float64 {
		if fn == nil {
			return 0
		}
		return float64(fn())
	}
}

func uintValue(fn func() uint64) func() float64 {
	return func() float64 {
		if fn == nil {
			return 0
		}
		return float64(fn())
	}
}

// RegisterSources exposes the pull-based gauges and counters.
func (m *Metrics) RegisterSources(s Sources) {
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "books",
		Help: "Order books currently held.",
	}, intGauge(s.Books))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions",
		Help: "Active subscriber sessions.",
	}, intGauge(s.Sessions))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_streams",
		Help: "Open upstream stream tasks.",
	}, intGauge(s.Streams))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "book_levels",
		Help: "Price levels held across all books.",
	}, intGauge(s.Levels))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "book_memory_bytes",
		Help: "Estimated memory held by book levels.",
	}, func() float64 {
		if s.MemoryBytes == nil {
			return 0
		}
		return float64(s.MemoryBytes())
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "delta_sequence",
		Help: "Last delta sequence id handed out.",
	}, uintValue(s.LastSequence))

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_hits_total",
		Help: "Aggregation cache hits.",
	}, uintValue(s.CacheHits))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_misses_total",
		Help: "Aggregation cache misses.",
	}, uintValue(s.CacheMisses))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "batch_overflows_total",
		Help: "Oldest-dropped batch queue overflows.",
	}, uintValue(s.Overflows))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "upstream_reconnects_total",
		Help: "Upstream stream reconnect attempts.",
	}, uintValue(s.Reconnects))
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
