package liquidation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"depthcast/internal/config"
)

func historyConfig() config.LiquidationConfig {
	return config.LiquidationConfig{
		HistoryTimeout:  5 * time.Second,
		HistoryLimit:    1000,
		HistoryCacheTTL: time.Minute,
	}
}

func TestHistoryReducesAndCachesBuckets(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" {
			t.Errorf("symbol query = %q, want BTCUSDT", q.Get("symbol"))
		}
		if q.Get("limit") != "1000" {
			t.Errorf("limit query = %q, want 1000", q.Get("limit"))
		}
		rows := []historyRow{
			{Symbol: "BTCUSDT", Side: "BUY", Quantity: "10", AvgPrice: "10", Time: 60_000},
			{Symbol: "BTCUSDT", Side: "SELL", Quantity: "4", AvgPrice: "10", Time: 90_000},
			{Symbol: "BTCUSDT", Side: "BUY", Quantity: "bad", AvgPrice: "10", Time: 95_000}, // skipped
			{Symbol: "BTCUSDT", Side: "BUY", Quantity: "2.5", AvgPrice: "10", Time: 130_000},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	a := New(historyConfig(), server.URL, newScriptedDriver(), testFormatter(), nil, testLogger())

	buckets, err := a.History(context.Background(), "BTCUSDT", "1m", 0, 200_000)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2: %+v", len(buckets), buckets)
	}
	if buckets[0].BuyVolume != 100 || buckets[0].SellVolume != 40 || buckets[0].Count != 2 {
		t.Errorf("first bucket = %+v, want buy 100 sell 40 count 2", buckets[0])
	}
	if buckets[1].BuyVolume != 25 || buckets[1].Count != 1 {
		t.Errorf("second bucket = %+v, want buy 25 count 1", buckets[1])
	}

	// Same query is served from cache.
	if _, err := a.History(context.Background(), "BTCUSDT", "1m", 0, 200_000); err != nil {
		t.Fatalf("cached History: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("endpoint hit %d times, want 1", n)
	}

	// A different range misses the cache.
	if _, err := a.History(context.Background(), "BTCUSDT", "1m", 0, 300_000); err != nil {
		t.Fatalf("second History: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("endpoint hit %d times, want 2", n)
	}
}

func TestHistoryWithoutEndpointFails(t *testing.T) {
	t.Parallel()
	a := New(historyConfig(), "", newScriptedDriver(), nil, nil, testLogger())

	_, err := a.History(context.Background(), "BTCUSDT", "1m", 0, 100)
	if !errors.Is(err, ErrNoHistory) {
		t.Errorf("History without endpoint = %v, want ErrNoHistory", err)
	}
}

func TestHistoryRejectsUnknownTimeframe(t *testing.T) {
	t.Parallel()
	a := New(historyConfig(), "http://localhost:1", newScriptedDriver(), nil, nil, testLogger())

	_, err := a.History(context.Background(), "BTCUSDT", "7m", 0, 100)
	if !errors.Is(err, ErrBadTimeframe) {
		t.Errorf("History(7m) = %v, want ErrBadTimeframe", err)
	}
}

func TestHistoryReportsServerErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	a := New(historyConfig(), server.URL, newScriptedDriver(), nil, nil, testLogger())
	if _, err := a.History(context.Background(), "BTCUSDT", "1m", 0, 100); err == nil {
		t.Error("History should surface upstream 5xx responses")
	}
}
