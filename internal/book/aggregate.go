package book

import (
	"log/slog"
	"sort"

	"depthcast/internal/format"
	"depthcast/pkg/types"
)

// dustThreshold drops price buckets whose summed amount is effectively
// zero. Float drift from repeated add/remove cycles leaves residues well
// above 1e-12, so the filter is deliberately coarse.
const dustThreshold = 1e-6

// aggregateAttempts bounds the snapshot-widening loop.
const aggregateAttempts = 5

// Aggregator buckets order books into fixed-depth views. It is stateless
// apart from the formatter used for display strings.
type Aggregator struct {
	formatter *format.Formatter
	logger    *slog.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(formatter *format.Formatter, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		formatter: formatter,
		logger:    logger.With("component", "aggregator"),
	}
}

// exactLevels buckets raw rows by rounded price and returns at most depth
// buckets in transport order for that side (bids descending, asks
// ascending). Asks round up and bids round down so a bucket never
// misrepresents the price a taker would actually cross.
func exactLevels(raw []types.PriceLevel, isAsk bool, depth int, rounding float64) []types.PriceLevel {
	buckets := make(map[float64]float64, len(raw))
	for _, row := range raw {
		if row.Price <= 0 || row.Amount <= 0 {
			continue
		}
		var p float64
		if isAsk {
			p = types.RoundUp(row.Price, rounding)
		} else {
			p = types.RoundDown(row.Price, rounding)
		}
		buckets[p] += row.Amount
	}

	levels := make([]types.PriceLevel, 0, len(buckets))
	for p, amount := range buckets {
		if amount <= dustThreshold {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: p, Amount: amount})
	}

	if isAsk {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	}

	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// Aggregate builds the subscriber view of a book: at most depth buckets a
// side at the given rounding, with cumulative sums and optional display
// strings when meta is present.
//
// The snapshot window starts at depth×multiplier raw levels and doubles up
// to five times when bucketing collapses too many rows to fill both sides.
// Asks are reversed to high-price-first for transport; their cumulative is
// summed from the far end so the row nearest the spread carries the total
// visible ask liquidity.
func (a *Aggregator) Aggregate(b *Book, depth int, rounding float64, source types.Source, meta *types.SymbolInfo) *types.AggregatedBook {
	multiplier := 100
	if rounding >= 1 {
		if m := int(rounding * 100); m > multiplier {
			multiplier = m
		}
	}

	var bids, asks []types.PriceLevel
	for attempt := 0; attempt < aggregateAttempts; attempt++ {
		rawBids, rawAsks := b.Snapshot(depth * multiplier)
		bids = exactLevels(rawBids, false, depth, rounding)
		asks = exactLevels(rawAsks, true, depth, rounding)
		if len(bids) >= depth && len(asks) >= depth {
			break
		}
		// A window smaller than requested means the book is exhausted and
		// widening cannot find more rows.
		if len(rawBids) < depth*multiplier && len(rawAsks) < depth*multiplier {
			break
		}
		multiplier *= 2
	}

	rawBidCount, rawAskCount := b.LevelCounts()
	if rawBidCount == 0 && rawAskCount == 0 {
		a.logger.Debug("aggregating empty book", "symbol", b.Symbol(), "depth", depth, "rounding", rounding)
	}

	ts := b.Timestamp()
	agg := &types.AggregatedBook{
		Symbol:        b.Symbol(),
		Bids:          a.withCumulative(bids, meta),
		Asks:          a.withCumulative(reverse(asks), meta),
		Timestamp:     ts,
		TimeFormatted: format.ClockTime(ts),
		Rounding:      rounding,
		Depth:         depth,
		Source:        source,
		Aggregated:    true,
		MarketDepthInfo: types.MarketDepthInfo{
			Requested:  depth,
			Actual:     max(len(bids), len(asks)),
			RawBids:    rawBidCount,
			RawAsks:    rawAskCount,
			Sufficient: rawBidCount >= depth*10 && rawAskCount >= depth*10,
		},
	}
	return agg
}

// Raw builds the unbucketed view: the top depth rows of each side with
// cumulative sums, for sessions that turned aggregation off.
func (a *Aggregator) Raw(b *Book, depth int, source types.Source, meta *types.SymbolInfo) *types.AggregatedBook {
	rawBids, rawAsks := b.Snapshot(depth)
	rawBidCount, rawAskCount := b.LevelCounts()

	ts := b.Timestamp()
	return &types.AggregatedBook{
		Symbol:        b.Symbol(),
		Bids:          a.withCumulative(rawBids, meta),
		Asks:          a.withCumulative(reverse(rawAsks), meta),
		Timestamp:     ts,
		TimeFormatted: format.ClockTime(ts),
		Rounding:      0,
		Depth:         depth,
		Source:        source,
		Aggregated:    false,
		MarketDepthInfo: types.MarketDepthInfo{
			Requested:  depth,
			Actual:     max(len(rawBids), len(rawAsks)),
			RawBids:    rawBidCount,
			RawAsks:    rawAskCount,
			Sufficient: rawBidCount >= depth*10 && rawAskCount >= depth*10,
		},
	}
}

// withCumulative walks rows in transport order, attaching the running sum
// and, when meta is present, the formatted strings.
func (a *Aggregator) withCumulative(rows []types.PriceLevel, meta *types.SymbolInfo) []types.AggregatedLevel {
	out := make([]types.AggregatedLevel, 0, len(rows))
	cum := 0.0
	for _, row := range rows {
		cum += row.Amount
		level := types.AggregatedLevel{
			Price:      row.Price,
			Amount:     row.Amount,
			Cumulative: cum,
		}
		if meta != nil {
			level.PriceFormatted = a.formatter.Price(row.Price, meta)
			level.AmountFormatted = a.formatter.Amount(row.Amount, meta)
			level.CumulativeFormatted = a.formatter.Total(cum, meta)
		}
		out = append(out, level)
	}
	return out
}

func reverse(rows []types.PriceLevel) []types.PriceLevel {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}
