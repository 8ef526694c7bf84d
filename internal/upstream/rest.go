// rest.go wraps the exchange REST API. Every call is rate-limited through
// the shared token bucket, retried on 5xx, and routed through a circuit
// breaker: when the exchange flaps, the breaker opens, depth-cache seeding
// starts failing fast, and the stream manager degrades to the push or mock
// source instead of hammering a dying endpoint.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"depthcast/internal/config"
)

// RESTClient is the exchange REST API client.
type RESTClient struct {
	http    *resty.Client
	bucket  *TokenBucket
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewRESTClient creates a REST client with rate limiting, retry, and a
// circuit breaker that opens after five consecutive failures.
func NewRESTClient(cfg config.UpstreamConfig, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RESTClient{
		http:    httpClient,
		bucket:  NewTokenBucket(cfg.RESTBurst, cfg.RESTRatePerSec),
		breaker: breaker,
		logger:  logger,
	}
}

// get performs one rate-limited GET through the breaker, decoding the JSON
// response into out. weight is the request weight the exchange documents
// for the endpoint.
func (c *RESTClient) get(ctx context.Context, path string, weight float64, params map[string]string, out any) error {
	if err := c.bucket.WaitN(ctx, weight); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx).SetQueryParams(params)
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Get(path)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", path, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	return err
}

// ping checks exchange reachability. Used as the startup probe.
func (c *RESTClient) ping(ctx context.Context) error {
	return c.get(ctx, "/fapi/v1/ping", 1, nil, nil)
}

// depth fetches a book snapshot. Valid limits are 5..1000.
func (c *RESTClient) depth(ctx context.Context, symbol string, limit int) (*depthSnapshotMessage, error) {
	var result depthSnapshotMessage
	err := c.get(ctx, "/fapi/v1/depth", depthWeight(limit), map[string]string{
		"symbol": symbol,
		"limit":  fmt.Sprintf("%d", limit),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// depthWeight is the exchange's documented weight ladder for /depth.
func depthWeight(limit int) float64 {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

// ticker24h fetches the 24h ticker for one symbol.
func (c *RESTClient) ticker24h(ctx context.Context, symbol string) (*restTickerMessage, error) {
	var result restTickerMessage
	err := c.get(ctx, "/fapi/v1/ticker/24hr", 1, map[string]string{"symbol": symbol}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// allTickers24h fetches the 24h ticker for every symbol in one call.
func (c *RESTClient) allTickers24h(ctx context.Context) ([]restTickerMessage, error) {
	var result []restTickerMessage
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", 40, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// klines fetches historical bars as raw rows.
func (c *RESTClient) klines(ctx context.Context, symbol, interval string, limit int) ([][]any, error) {
	var result [][]any
	weight := float64(1)
	if limit > 100 {
		weight = 2
	}
	if limit > 500 {
		weight = 5
	}
	err := c.get(ctx, "/fapi/v1/klines", weight, map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    fmt.Sprintf("%d", limit),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// exchangeInfo fetches the market metadata table.
func (c *RESTClient) exchangeInfo(ctx context.Context) (*exchangeInfoMessage, error) {
	var result exchangeInfoMessage
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", 1, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
