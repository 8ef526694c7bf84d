// Package batch coalesces per-connection updates so bursty producers turn
// into a bounded stream of grouped sends.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"depthcast/internal/config"
)

// SendFunc delivers one batch to one connection. Failures are logged and
// the batch is dropped; later updates supersede it.
type SendFunc func(connID string, updates []any) error

type connQueue struct {
	pending   []any
	timer     *time.Timer
	firstAt   time.Time
	updatedAt time.Time
	sending   bool
}

// Batcher queues updates per connection and flushes them either when a
// queue reaches max_batch_size or when max_batch_delay elapses after an
// insert. One lock guards all queues; the send callback always runs
// outside it, and at most one flush loop is in flight per connection so
// batches leave in order.
type Batcher struct {
	mu     sync.Mutex
	queues map[string]*connQueue
	send   SendFunc

	maxBatchSize  int
	maxBatchDelay time.Duration
	maxQueueSize  int
	sweepInterval time.Duration

	batchesSent uint64
	updatesSent uint64
	overflows   uint64
	totalDelay  time.Duration

	logger *slog.Logger
}

// Stats is a point-in-time batcher summary.
type Stats struct {
	ActiveQueues int     `json:"active_queues"`
	Pending      int     `json:"pending"`
	BatchesSent  uint64  `json:"batches_sent"`
	UpdatesSent  uint64  `json:"updates_sent"`
	Overflows    uint64  `json:"overflows"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	AvgDelayMs   float64 `json:"avg_delay_ms"`
}

// New creates a batcher that delivers through send.
func New(cfg config.BatcherConfig, send SendFunc, logger *slog.Logger) *Batcher {
	return &Batcher{
		queues:        make(map[string]*connQueue),
		send:          send,
		maxBatchSize:  cfg.MaxBatchSize,
		maxBatchDelay: cfg.MaxBatchDelay,
		maxQueueSize:  cfg.MaxQueueSize,
		sweepInterval: cfg.SweepInterval,
		logger:        logger.With("component", "batcher"),
	}
}

// Enqueue appends one update to the connection's queue. A full queue
// drops its oldest entry first. Reaching max_batch_size flushes
// immediately; otherwise the delay timer is re-armed.
func (b *Batcher) Enqueue(connID string, update any) {
	b.mu.Lock()
	q, ok := b.queues[connID]
	if !ok {
		q = &connQueue{}
		b.queues[connID] = q
	}

	if b.maxQueueSize > 0 && len(q.pending) >= b.maxQueueSize {
		q.pending = q.pending[1:]
		b.overflows++
		b.logger.Debug("queue overflow, dropped oldest update", "conn_id", connID, "overflows", b.overflows)
	}
	if len(q.pending) == 0 {
		q.firstAt = time.Now()
	}
	q.pending = append(q.pending, update)
	q.updatedAt = time.Now()

	fireNow := len(q.pending) >= b.maxBatchSize && !q.sending
	if !fireNow {
		b.armLocked(connID, q)
	}
	b.mu.Unlock()

	if fireNow {
		b.drain(connID, false)
	}
}

func (b *Batcher) armLocked(connID string, q *connQueue) {
	if q.timer == nil {
		q.timer = time.AfterFunc(b.maxBatchDelay, func() { b.drain(connID, false) })
		return
	}
	q.timer.Reset(b.maxBatchDelay)
}

// drain sends batches for one connection until the queue drops below the
// batch threshold (or empties, when all is set). The lock is released
// around every send.
func (b *Batcher) drain(connID string, all bool) {
	b.mu.Lock()
	q, ok := b.queues[connID]
	if !ok || q.sending || len(q.pending) == 0 {
		b.mu.Unlock()
		return
	}
	q.sending = true

	for len(q.pending) > 0 {
		n := len(q.pending)
		if n > b.maxBatchSize {
			n = b.maxBatchSize
		}
		batch := make([]any, n)
		copy(batch, q.pending[:n])
		q.pending = q.pending[n:]

		b.batchesSent++
		b.updatesSent += uint64(len(batch))
		b.totalDelay += time.Since(q.firstAt)
		q.firstAt = time.Now()

		b.mu.Unlock()
		err := b.send(connID, batch)
		b.mu.Lock()

		if err != nil {
			b.logger.Warn("batch send failed", "conn_id", connID, "updates", len(batch), "error", err)
			break
		}
		if !all && len(q.pending) < b.maxBatchSize {
			break
		}
	}

	q.sending = false
	if len(q.pending) > 0 {
		b.armLocked(connID, q)
	}
	b.mu.Unlock()
}

// ForceFlush empties the connection's queue immediately.
func (b *Batcher) ForceFlush(connID string) {
	b.drain(connID, true)
}

// ForceFlushAll empties every queue immediately.
func (b *Batcher) ForceFlushAll() {
	b.mu.Lock()
	connIDs := make([]string, 0, len(b.queues))
	for connID := range b.queues {
		connIDs = append(connIDs, connID)
	}
	b.mu.Unlock()

	for _, connID := range connIDs {
		b.drain(connID, true)
	}
}

// Remove drops the connection's queue and stops its timer. Pending
// updates are discarded.
func (b *Batcher) Remove(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[connID]
	if !ok {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(b.queues, connID)
}

// Stats returns counters and running averages.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := 0
	for _, q := range b.queues {
		pending += len(q.pending)
	}
	s := Stats{
		ActiveQueues: len(b.queues),
		Pending:      pending,
		BatchesSent:  b.batchesSent,
		UpdatesSent:  b.updatesSent,
		Overflows:    b.overflows,
	}
	if b.batchesSent > 0 {
		s.AvgBatchSize = float64(b.updatesSent) / float64(b.batchesSent)
		s.AvgDelayMs = float64(b.totalDelay.Milliseconds()) / float64(b.batchesSent)
	}
	return s
}

// Run sweeps idle empty queues and logs stats until ctx is done.
func (b *Batcher) Run(ctx context.Context) {
	interval := b.sweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := b.sweep(interval)
			stats := b.Stats()
			b.logger.Debug("batcher stats",
				"queues", stats.ActiveQueues,
				"pending", stats.Pending,
				"batches_sent", stats.BatchesSent,
				"avg_batch_size", stats.AvgBatchSize,
				"overflows", stats.Overflows,
				"swept", removed,
			)
		}
	}
}

// sweep removes queues that are empty and have not been touched within
// maxIdle. Non-empty queues always have an armed timer and are left alone.
func (b *Batcher) sweep(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for connID, q := range b.queues {
		if len(q.pending) == 0 && !q.sending && time.Since(q.updatedAt) > maxIdle {
			if q.timer != nil {
				q.timer.Stop()
			}
			delete(b.queues, connID)
			removed++
		}
	}
	return removed
}
