// ratelimit.go implements token-bucket rate limiting for exchange REST calls.
//
// The exchange meters REST usage in request weight per minute, and heavier
// endpoints (deep book snapshots, the all-symbol ticker) charge more of the
// allowance per call. The bucket refills continuously rather than in minute
// bursts, and WaitN lets each endpoint charge its documented weight. Rate
// and burst come from configuration so the same code serves both the public
// endpoints and stricter private ones.
package upstream

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling token bucket. Wait and WaitN
// block until the charge is covered or the context ends.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens refilled per second
	last   time.Time
}

// NewTokenBucket creates a full bucket holding burst tokens that refills
// at ratePerSecond.
func NewTokenBucket(burst, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens: burst,
		burst:  burst,
		rate:   ratePerSecond,
		last:   time.Now(),
	}
}

// Wait takes one token.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN takes weight tokens, sleeping through as many refill rounds as the
// charge needs. A weight above the burst capacity could never be covered,
// so it is capped there.
func (tb *TokenBucket) WaitN(ctx context.Context, weight float64) error {
	if weight > tb.burst {
		weight = tb.burst
	}
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
		if tb.tokens > tb.burst {
			tb.tokens = tb.burst
		}
		tb.last = now

		if tb.tokens >= weight {
			tb.tokens -= weight
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((weight - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
