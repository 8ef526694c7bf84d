package api

import "depthcast/pkg/types"

// Outbound message discriminators. Every frame sent to a subscriber is a
// single object whose "type" field carries one of these.
const (
	msgPong              = "pong"
	msgError             = "error"
	msgParamsUpdated     = "params_updated"
	msgBookUpdate        = "orderbook_update"
	msgBookDelta         = "orderbook_delta"
	msgBookSnapshot      = "orderbook_snapshot"
	msgTickerUpdate      = "ticker_update"
	msgCandleUpdate      = "candle_update"
	msgLiquidation       = "liquidation_event"
	msgLiquidationVolume = "liquidation_volume"
)

// inboundMessage is what subscribers may send: "ping" or "update_params".
// Depth and Rounding are pointers so a partial update leaves the other
// parameter untouched.
type inboundMessage struct {
	Type     string   `json:"type"`
	Depth    *int     `json:"depth,omitempty"`
	Rounding *float64 `json:"rounding,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// errorMessage carries up to three symbol suggestions when a session is
// rejected for an unknown symbol.
type errorMessage struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type paramsUpdatedMessage struct {
	Type     string  `json:"type"`
	Depth    int     `json:"depth"`
	Rounding float64 `json:"rounding"`
	Success  bool    `json:"success"`
}

// bookMessage is a full orderbook_update: the aggregated view plus the
// rounding options advertised for the symbol.
type bookMessage struct {
	Type string `json:"type"`
	*types.AggregatedBook
	RoundingOptions []float64 `json:"rounding_options"`
}

// deltaMessage wraps the delta engine output; Type distinguishes
// orderbook_delta from orderbook_snapshot.
type deltaMessage struct {
	Type string `json:"type"`
	*types.DeltaMessage
}

type tickerMessage struct {
	Type string `json:"type"`
	types.Ticker
}

type candleMessage struct {
	Type string `json:"type"`
	types.Candle
}

type liquidationMessage struct {
	Type string `json:"type"`
	types.LiquidationEvent
}

// volumeMessage carries liquidation volume buckets. IsUpdate is false for
// the historical backfill sent once after subscribe, true for live rollups.
type volumeMessage struct {
	Type      string               `json:"type"`
	Symbol    string               `json:"symbol"`
	Timeframe string               `json:"timeframe"`
	Data      []types.VolumeBucket `json:"data"`
	Timestamp int64                `json:"timestamp"`
	IsUpdate  bool                 `json:"is_update"`
}
