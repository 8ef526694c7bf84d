// messages.go defines the exchange wire payloads and their conversions to
// the canonical shapes in pkg/types. Prices and amounts arrive as strings
// and are parsed to float64; a message with any unparseable number is
// rejected whole so a half-read book row never reaches the registry.
package upstream

import (
	"fmt"
	"strconv"

	"depthcast/pkg/types"
)

// depthDiffMessage is one diff-depth event. U and u bound the update id
// range this diff covers; b and a carry [price, amount] string pairs where
// amount zero removes the level.
type depthDiffMessage struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// depthSnapshotMessage is the REST depth response. Partial depth stream
// frames share this shape and are recognized by it, though the manager
// never auto-selects that source.
type depthSnapshotMessage struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// wsTickerMessage is the 24h ticker stream frame.
type wsTickerMessage struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	BestBid            string `json:"b"`
	BestAsk            string `json:"a"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
}

// restTickerMessage is the 24h ticker REST response, which spells the same
// fields with long names.
type restTickerMessage struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// klineMessage is the kline stream frame; the nested k object is the bar
// itself, updated in place until it closes.
type klineMessage struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime int64  `json:"t"`
	Symbol   string `json:"s"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	Close    string `json:"c"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Volume   string `json:"v"`
	Closed   bool   `json:"x"`
}

// ForceOrderEvent is a raw forced-order frame. The single-letter field
// names mirror the upstream wire exactly; downstream consumers depend on
// them, so they must never be renamed.
type ForceOrderEvent struct {
	EventType string         `json:"e"`
	EventTime int64          `json:"E"`
	Order     ForceOrderFill `json:"o"`
}

// ForceOrderFill is the order object inside a forced-order frame. Quantity
// is the cumulative filled quantity, AvgPrice the average fill price.
type ForceOrderFill struct {
	Symbol   string `json:"s"`
	Side     string `json:"S"`
	Quantity string `json:"z"`
	AvgPrice string `json:"ap"`
}

// exchangeInfoMessage is the market metadata REST response.
type exchangeInfoMessage struct {
	Symbols []marketMessage `json:"symbols"`
}

type marketMessage struct {
	Symbol            string `json:"symbol"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// floatParser converts the string numbers of one message, remembering the
// first failure so call sites can assign a whole struct and check once.
type floatParser struct{ err error }

func (p *floatParser) parse(s string) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("parse number %q: %w", s, err)
		return 0
	}
	return v
}

// parseLevels converts [price, amount] string pairs into book rows.
func parseLevels(rows [][]string) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row has %d fields, want 2", len(row))
		}
		var p floatParser
		lvl := types.PriceLevel{Price: p.parse(row[0]), Amount: p.parse(row[1])}
		if p.err != nil {
			return nil, p.err
		}
		out = append(out, lvl)
	}
	return out, nil
}

func (m wsTickerMessage) ticker() (types.Ticker, error) {
	var p floatParser
	t := types.Ticker{
		Symbol:      m.Symbol,
		Last:        p.parse(m.LastPrice),
		Bid:         p.parse(m.BestBid),
		Ask:         p.parse(m.BestAsk),
		High:        p.parse(m.HighPrice),
		Low:         p.parse(m.LowPrice),
		Open:        p.parse(m.OpenPrice),
		Change:      p.parse(m.PriceChange),
		Percentage:  p.parse(m.PriceChangePercent),
		Volume:      p.parse(m.Volume),
		QuoteVolume: p.parse(m.QuoteVolume),
		Timestamp:   m.EventTime,
	}
	t.Close = t.Last
	return t, p.err
}

func (m restTickerMessage) ticker() (types.Ticker, error) {
	var p floatParser
	t := types.Ticker{
		Symbol:      m.Symbol,
		Last:        p.parse(m.LastPrice),
		High:        p.parse(m.HighPrice),
		Low:         p.parse(m.LowPrice),
		Open:        p.parse(m.OpenPrice),
		Change:      p.parse(m.PriceChange),
		Percentage:  p.parse(m.PriceChangePercent),
		Volume:      p.parse(m.Volume),
		QuoteVolume: p.parse(m.QuoteVolume),
		Timestamp:   m.CloseTime,
	}
	t.Close = t.Last
	return t, p.err
}

func (m klineMessage) candle() (types.Candle, error) {
	var p floatParser
	c := types.Candle{
		Symbol:    m.Symbol,
		Timeframe: m.Kline.Interval,
		Timestamp: m.Kline.OpenTime,
		Open:      p.parse(m.Kline.Open),
		High:      p.parse(m.Kline.High),
		Low:       p.parse(m.Kline.Low),
		Close:     p.parse(m.Kline.Close),
		Volume:    p.parse(m.Kline.Volume),
	}
	return c, p.err
}

// parseKlineRow decodes one REST kline row, a mixed array with the open
// time at index 0 and OHLCV strings at indexes 1 to 5.
func parseKlineRow(symbol, timeframe string, row []any) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("kline open time has type %T", row[0])
	}
	var p floatParser
	c := types.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: int64(openTime),
		Open:      p.parse(asString(row[1])),
		High:      p.parse(asString(row[2])),
		Low:       p.parse(asString(row[3])),
		Close:     p.parse(asString(row[4])),
		Volume:    p.parse(asString(row[5])),
	}
	return c, p.err
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
