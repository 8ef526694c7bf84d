package upstream

import (
	"context"
	"encoding/json"
	"testing"
)

func TestParseLevels(t *testing.T) {
	t.Parallel()

	levels, err := parseLevels([][]string{{"100.5", "2.25"}, {"100.0", "0"}})
	if err != nil {
		t.Fatalf("parseLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(levels))
	}
	if levels[0].Price != 100.5 || levels[0].Amount != 2.25 {
		t.Errorf("level[0] = %+v", levels[0])
	}
	if levels[1].Amount != 0 {
		t.Errorf("zero amounts must survive parsing, got %+v", levels[1])
	}

	if _, err := parseLevels([][]string{{"100.5"}}); err == nil {
		t.Error("short row should fail")
	}
	if _, err := parseLevels([][]string{{"100.5", "nope"}}); err == nil {
		t.Error("unparseable amount should fail")
	}
}

func TestDepthDiffMessageDecodesWireNames(t *testing.T) {
	t.Parallel()

	raw := `{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,
		"b":[["100.1","1.5"]],"a":[["100.2","0"]]}`
	var msg depthDiffMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.FirstUpdateID != 157 || msg.FinalUpdateID != 160 {
		t.Errorf("update ids = %d..%d, want 157..160", msg.FirstUpdateID, msg.FinalUpdateID)
	}
	if len(msg.Bids) != 1 || msg.Bids[0][0] != "100.1" {
		t.Errorf("bids = %+v", msg.Bids)
	}
}

func TestWSTickerConversion(t *testing.T) {
	t.Parallel()

	msg := wsTickerMessage{
		EventTime:          1700000000000,
		Symbol:             "BTCUSDT",
		PriceChange:        "12.5",
		PriceChangePercent: "0.5",
		LastPrice:          "2501.5",
		BestBid:            "2501.0",
		BestAsk:            "2502.0",
		OpenPrice:          "2489.0",
		HighPrice:          "2510.0",
		LowPrice:           "2480.0",
		Volume:             "1000",
		QuoteVolume:        "2500000",
	}
	tk, err := msg.ticker()
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk.Last != 2501.5 || tk.Bid != 2501.0 || tk.Ask != 2502.0 {
		t.Errorf("prices = %g/%g/%g", tk.Last, tk.Bid, tk.Ask)
	}
	if tk.Close != tk.Last {
		t.Errorf("close = %g, want last price %g", tk.Close, tk.Last)
	}
	if tk.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", tk.Timestamp)
	}

	msg.Volume = "garbage"
	if _, err := msg.ticker(); err == nil {
		t.Error("unparseable field should reject the whole message")
	}
}

func TestRESTTickerConversion(t *testing.T) {
	t.Parallel()

	msg := restTickerMessage{
		Symbol:             "ETHUSDT",
		PriceChange:        "-3.1",
		PriceChangePercent: "-0.2",
		LastPrice:          "1550.25",
		OpenPrice:          "1553.35",
		HighPrice:          "1560",
		LowPrice:           "1540",
		Volume:             "500",
		QuoteVolume:        "775000",
		CloseTime:          1700000000123,
	}
	tk, err := msg.ticker()
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk.Change != -3.1 || tk.Percentage != -0.2 {
		t.Errorf("change = %g/%g", tk.Change, tk.Percentage)
	}
	if tk.Timestamp != 1700000000123 {
		t.Errorf("timestamp = %d", tk.Timestamp)
	}
}

func TestKlineConversion(t *testing.T) {
	t.Parallel()

	msg := klineMessage{
		Symbol: "BTCUSDT",
		Kline: klinePayload{
			OpenTime: 1700000040000,
			Interval: "1m",
			Open:     "100",
			Close:    "101",
			High:     "102",
			Low:      "99",
			Volume:   "34.5",
		},
	}
	c, err := msg.candle()
	if err != nil {
		t.Fatalf("candle: %v", err)
	}
	if c.Timeframe != "1m" || c.Timestamp != 1700000040000 {
		t.Errorf("candle meta = %s @ %d", c.Timeframe, c.Timestamp)
	}
	if c.Open != 100 || c.High != 102 || c.Low != 99 || c.Close != 101 || c.Volume != 34.5 {
		t.Errorf("ohlcv = %+v", c)
	}
}

func TestParseKlineRow(t *testing.T) {
	t.Parallel()

	row := []any{float64(1700000040000), "100", "102", "99", "101", "34.5", float64(1700000099999)}
	c, err := parseKlineRow("BTCUSDT", "1m", row)
	if err != nil {
		t.Fatalf("parseKlineRow: %v", err)
	}
	if c.Symbol != "BTCUSDT" || c.Timestamp != 1700000040000 || c.Close != 101 {
		t.Errorf("candle = %+v", c)
	}

	if _, err := parseKlineRow("BTCUSDT", "1m", []any{float64(1), "1", "2"}); err == nil {
		t.Error("short row should fail")
	}
	if _, err := parseKlineRow("BTCUSDT", "1m", []any{"not-a-time", "1", "2", "3", "4", "5"}); err == nil {
		t.Error("non-numeric open time should fail")
	}
}

func TestForceOrderFrameKeepsWireNames(t *testing.T) {
	t.Parallel()

	raw := `{"e":"forceOrder","E":1700000000000,
		"o":{"s":"BTCUSDT","S":"SELL","z":"2.5","ap":"25000.5"}}`
	var ev ForceOrderEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EventType != "forceOrder" || ev.EventTime != 1700000000000 {
		t.Errorf("envelope = %+v", ev)
	}
	if ev.Order.Symbol != "BTCUSDT" || ev.Order.Side != "SELL" {
		t.Errorf("order = %+v", ev.Order)
	}
	if ev.Order.Quantity != "2.5" || ev.Order.AvgPrice != "25000.5" {
		t.Errorf("fill fields = %q/%q", ev.Order.Quantity, ev.Order.AvgPrice)
	}
}

func TestSplitStreamKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key    string
		symbol string
		suffix string
	}{
		{"BTCUSDT", "BTCUSDT", ""},
		{"BTCUSDT:ticker", "BTCUSDT", "ticker"},
		{"BTCUSDT:1m", "BTCUSDT", "1m"},
	}
	for _, tc := range cases {
		symbol, suffix := splitStreamKey(tc.key)
		if symbol != tc.symbol || suffix != tc.suffix {
			t.Errorf("splitStreamKey(%q) = %q, %q, want %q, %q",
				tc.key, symbol, suffix, tc.symbol, tc.suffix)
		}
	}
}

func TestMockDriverBooksNeverCross(t *testing.T) {
	t.Parallel()

	d := NewMockDriver(testLogger())
	snap, err := d.FetchOrderBook(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}
	if len(snap.Bids) != 10 || len(snap.Asks) != 10 {
		t.Fatalf("levels = %d/%d, want 10/10", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0].Price >= snap.Asks[0].Price {
		t.Errorf("crossed book: bid %g >= ask %g", snap.Bids[0].Price, snap.Asks[0].Price)
	}
}
