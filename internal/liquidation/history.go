package liquidation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"

	"depthcast/internal/config"
	"depthcast/pkg/types"
)

// ErrNoHistory is returned by History when no endpoint is configured.
var ErrNoHistory = fmt.Errorf("liquidation: no history endpoint configured")

// historyClient fetches past forced orders from the external history
// service. Reduced buckets are cached per query so chart opens do not
// hammer the endpoint.
type historyClient struct {
	http   *resty.Client
	limit  int
	cache  *gocache.Cache
	logger *slog.Logger
}

func newHistoryClient(baseURL string, cfg config.LiquidationConfig, logger *slog.Logger) *historyClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.HistoryTimeout).
		SetRetryCount(3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")

	return &historyClient{
		http:   client,
		limit:  cfg.HistoryLimit,
		cache:  gocache.New(cfg.HistoryCacheTTL, 2*cfg.HistoryCacheTTL),
		logger: logger.With("component", "liquidation_history"),
	}
}

// historyRow is one record as the history service returns it. Quantity
// and price arrive as strings.
type historyRow struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity string `json:"qty"`
	AvgPrice string `json:"avgPrice"`
	Time     int64  `json:"time"`
}

// event converts a row to the shared event shape. Display fields stay
// empty; history events only feed the bucket reduction.
func (row historyRow) event() (types.LiquidationEvent, error) {
	qty, err := strconv.ParseFloat(row.Quantity, 64)
	if err != nil {
		return types.LiquidationEvent{}, fmt.Errorf("parse qty %q: %w", row.Quantity, err)
	}
	price, err := strconv.ParseFloat(row.AvgPrice, 64)
	if err != nil {
		return types.LiquidationEvent{}, fmt.Errorf("parse avg price %q: %w", row.AvgPrice, err)
	}
	side := types.Side(strings.ToUpper(row.Side))
	if side != types.BUY && side != types.SELL {
		return types.LiquidationEvent{}, fmt.Errorf("unknown side %q", row.Side)
	}

	return types.LiquidationEvent{
		Symbol:    row.Symbol,
		Side:      side,
		Quantity:  qty,
		AvgPrice:  price,
		Value:     qty * price,
		EventTime: row.Time,
	}, nil
}

// fetch pulls raw events for symbol in [start, end]. Malformed rows are
// skipped with a warning rather than failing the whole query.
func (h *historyClient) fetch(ctx context.Context, symbol string, start, end int64) ([]types.LiquidationEvent, error) {
	var rows []historyRow
	resp, err := h.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"start":  strconv.FormatInt(start, 10),
			"end":    strconv.FormatInt(end, 10),
			"limit":  strconv.Itoa(h.limit),
		}).
		SetResult(&rows).
		Get("/api/liquidations")
	if err != nil {
		return nil, fmt.Errorf("fetch liquidation history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("liquidation history: status %s", resp.Status())
	}

	events := make([]types.LiquidationEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.event()
		if err != nil {
			h.logger.Warn("skipping malformed history row", "symbol", symbol, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
