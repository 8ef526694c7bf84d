// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service: order book rows,
// aggregated depth views, delta messages, tickers, candles, liquidation
// events, and symbol metadata. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"errors"
	"math"
)

// ---------------------------------------------------------------------------
// Core enums
// ---------------------------------------------------------------------------

// Side represents the direction of a forced order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// StreamType identifies what kind of data a subscriber session receives.
type StreamType string

const (
	StreamOrderBook         StreamType = "orderbook"
	StreamTicker            StreamType = "ticker"
	StreamCandles           StreamType = "candles"
	StreamLiquidation       StreamType = "liquidation"
	StreamLiquidationVolume StreamType = "liquidation_volume"
)

// Source identifies which upstream path produced an order book.
// SourcePartialDepth is recognized on the wire but never auto-selected;
// the manager only ever picks depth_cache, push, or mock.
type Source string

const (
	SourceDepthCache   Source = "depth_cache"
	SourcePush         Source = "push"
	SourcePartialDepth Source = "partial_depth"
	SourceMock         Source = "mock"
)

// DeltaOp tells a subscriber how to apply one row of a delta message.
type DeltaOp string

const (
	DeltaAdd    DeltaOp = "add"
	DeltaUpdate DeltaOp = "update"
	DeltaRemove DeltaOp = "remove"
)

// ---------------------------------------------------------------------------
// Price rounding
// ---------------------------------------------------------------------------

// FloatTolerance is the equality tolerance for float64 price and amount
// comparisons. Book prices are float keys, so exact equality is unreliable
// after arithmetic; differences below this are treated as equal.
const FloatTolerance = 1e-8

// AlmostEqual reports whether a and b differ by less than FloatTolerance.
func AlmostEqual(a, b float64) bool {
	return math.Abs(a-b) < FloatTolerance
}

// RoundDown rounds v down to the nearest multiple of m. Non-positive m
// returns v unchanged. The scaled value is nudged by FloatTolerance before
// flooring: 0.29*100 is 28.999999999999996 in IEEE 754, and without the
// nudge a price sitting exactly on a bucket boundary lands one bucket low.
func RoundDown(v, m float64) float64 {
	if m <= 0 {
		return v
	}
	inv := 1 / m
	return math.Floor(v*inv+FloatTolerance) / inv
}

// RoundUp rounds v up to the nearest multiple of m. Non-positive m returns
// v unchanged. Mirror of RoundDown: the nudge keeps boundary values from
// landing one bucket high.
func RoundUp(v, m float64) float64 {
	if m <= 0 {
		return v
	}
	inv := 1 / m
	return math.Ceil(v*inv-FloatTolerance) / inv
}

// ---------------------------------------------------------------------------
// Order book
// ---------------------------------------------------------------------------

// PriceLevel is one row of an order book side. On a delta apply, an amount
// of zero means the level is removed.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// BookSnapshot is a full order book replacement from upstream.
type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"` // unix ms
}

// ---------------------------------------------------------------------------
// Aggregated book (derived)
// ---------------------------------------------------------------------------

// AggregatedLevel is a price bucket after rounding, carrying the running
// cumulative used by depth charts. The formatted strings are attached only
// when symbol metadata was available at aggregation time.
type AggregatedLevel struct {
	Price               float64 `json:"price"`
	Amount              float64 `json:"amount"`
	Cumulative          float64 `json:"cumulative"`
	PriceFormatted      string  `json:"price_formatted,omitempty"`
	AmountFormatted     string  `json:"amount_formatted,omitempty"`
	CumulativeFormatted string  `json:"cumulative_formatted,omitempty"`
}

// MarketDepthInfo reports how much raw book data backed an aggregation.
// Sufficient means both raw sides held at least requested×10 levels.
type MarketDepthInfo struct {
	Requested  int  `json:"requested"`
	Actual     int  `json:"actual"`
	RawBids    int  `json:"raw_bids"`
	RawAsks    int  `json:"raw_asks"`
	Sufficient bool `json:"sufficient"`
}

// AggregatedBook is the derived view sent to subscribers. Bids are sorted
// high to low; asks are transported high to low as well, with cumulative
// summed from the far end so the ask row nearest the spread carries total
// visible ask liquidity. Aggregated is false when the view is a raw
// (unbucketed) truncation of the book.
type AggregatedBook struct {
	Symbol          string            `json:"symbol"`
	Bids            []AggregatedLevel `json:"bids"`
	Asks            []AggregatedLevel `json:"asks"`
	Timestamp       int64             `json:"timestamp"` // unix ms, from the book
	TimeFormatted   string            `json:"time_formatted,omitempty"`
	Rounding        float64           `json:"rounding"`
	Depth           int               `json:"depth"`
	Source          Source            `json:"source"`
	Aggregated      bool              `json:"aggregated"`
	MarketDepthInfo MarketDepthInfo   `json:"market_depth_info"`
}

// ---------------------------------------------------------------------------
// Delta messages
// ---------------------------------------------------------------------------

// DeltaLevel is one changed row in a delta message. Remove rows carry
// amount zero.
type DeltaLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Op     DeltaOp `json:"op"`
}

// DeltaMessage carries the difference between two consecutive aggregated
// views of one subscriber's stream. SequenceID is globally monotone and
// strictly increasing across all subscribers; a gap followed by
// FullSnapshot=true is the resync signal.
type DeltaMessage struct {
	Symbol       string       `json:"symbol"`
	Rounding     float64      `json:"rounding"`
	Timestamp    int64        `json:"timestamp"`
	SequenceID   uint64       `json:"sequence_id"`
	FullSnapshot bool         `json:"full_snapshot"`
	Bids         []DeltaLevel `json:"bids"`
	Asks         []DeltaLevel `json:"asks"`
}

// ---------------------------------------------------------------------------
// Tickers and candles
// ---------------------------------------------------------------------------

// Ticker is the canonical 24h ticker shape pushed to subscribers,
// normalized from whatever the upstream feed sends.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Open        float64 `json:"open"`
	Close       float64 `json:"close"`
	Change      float64 `json:"change"`
	Percentage  float64 `json:"percentage"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Timestamp   int64   `json:"timestamp"` // unix ms
}

// Candle is a single OHLCV bar for one timeframe.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Timestamp int64   `json:"timestamp"` // bar open time, unix ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ---------------------------------------------------------------------------
// Liquidations
// ---------------------------------------------------------------------------

// LiquidationEvent is a normalized forced order. Value is always
// Quantity×AvgPrice; DisplayTime is the event time rendered HH:MM:SS.
type LiquidationEvent struct {
	Symbol            string  `json:"symbol"`
	Side              Side    `json:"side"`
	Quantity          float64 `json:"quantity"`
	AvgPrice          float64 `json:"avg_price"`
	Value             float64 `json:"value"`
	EventTime         int64   `json:"event_time"` // unix ms
	DisplayTime       string  `json:"display_time"`
	BaseAsset         string  `json:"base_asset"`
	QuantityFormatted string  `json:"quantity_formatted,omitempty"`
	AvgPriceFormatted string  `json:"avg_price_formatted,omitempty"`
	ValueFormatted    string  `json:"value_formatted,omitempty"`
}

// VolumeBucket is one roll-up interval of liquidation volume. Time is the
// bucket start in unix seconds, Timestamp the same instant in milliseconds.
// DeltaVolume is buy minus sell.
type VolumeBucket struct {
	Time                 int64   `json:"time"`
	BuyVolume            float64 `json:"buy_volume"`
	SellVolume           float64 `json:"sell_volume"`
	TotalVolume          float64 `json:"total_volume"`
	DeltaVolume          float64 `json:"delta_volume"`
	BuyVolumeFormatted   string  `json:"buy_volume_formatted,omitempty"`
	SellVolumeFormatted  string  `json:"sell_volume_formatted,omitempty"`
	TotalVolumeFormatted string  `json:"total_volume_formatted,omitempty"`
	DeltaVolumeFormatted string  `json:"delta_volume_formatted,omitempty"`
	Count                int     `json:"count"`
	Timestamp            int64   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Symbol metadata
// ---------------------------------------------------------------------------

// SymbolInfo is resolved market metadata from the symbol service. The
// formatter uses the precisions; the hub advertises RoundingOptions to
// subscribers.
type SymbolInfo struct {
	Symbol          string    `json:"symbol"`
	Base            string    `json:"base"`
	Quote           string    `json:"quote"`
	PricePrecision  int       `json:"price_precision"`
	AmountPrecision int       `json:"amount_precision"`
	Volume24h       float64   `json:"volume_24h"`
	RoundingOptions []float64 `json:"rounding_options"`
	DefaultRounding float64   `json:"default_rounding"`
}

// ---------------------------------------------------------------------------
// Timeframes
// ---------------------------------------------------------------------------

// candleTimeframes are the intervals accepted for candle streams.
var candleTimeframes = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// ValidCandleTimeframe reports whether tf is an accepted candle interval.
func ValidCandleTimeframe(tf string) bool {
	_, ok := candleTimeframes[tf]
	return ok
}

// LiquidationTimeframes maps supported liquidation volume timeframes to
// their length in milliseconds.
var LiquidationTimeframes = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// Kind classifies an error by the reaction it requires. Worker loops never
// let an error escape to the top level: they look at the kind and either
// retry, drop the message, or remove the subscriber.
type Kind int

const (
	// KindUpstreamTransient covers network blips and socket closes; the
	// stream is reconnected with backoff.
	KindUpstreamTransient Kind = iota
	// KindUpstreamProtocol covers malformed upstream payloads; the message
	// is dropped after a warning.
	KindUpstreamProtocol
	// KindConfigInvalid covers a bad symbol or bad parameters at session
	// start; the client gets an error message and the connection closes.
	KindConfigInvalid
	// KindParamInvalid covers a bad mid-session parameter update; previous
	// parameters stay in effect and the connection stays open.
	KindParamInvalid
	// KindSubscriberSend covers a single subscriber's send failure; that
	// subscriber is removed and broadcasting continues.
	KindSubscriberSend
	// KindInternal covers everything unexpected; logged, service keeps going.
	KindInternal
)

// String returns the snake_case name used in logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamProtocol:
		return "upstream_protocol"
	case KindConfigInvalid:
		return "config_invalid"
	case KindParamInvalid:
		return "param_invalid"
	case KindSubscriberSend:
		return "subscriber_send"
	default:
		return "internal"
	}
}

// ClassifiedError attaches a reaction Kind to an underlying error.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with a reaction kind. A nil err stays nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the reaction kind from err. Unclassified errors are
// treated as internal.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
