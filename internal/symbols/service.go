// Package symbols resolves subscriber-supplied symbol ids to canonical
// exchange symbols and serves the per-symbol metadata the formatter and
// hub depend on: precisions, base/quote assets, 24h volume, and the
// rounding options advertised to clients.
//
// The exchange-backed service refreshes its table from the market and
// ticker endpoints on an interval, the same poll-filter-rank shape used
// for market discovery. A static implementation backs tests and
// development runs.
package symbols

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"depthcast/internal/config"
	"depthcast/internal/upstream"
	"depthcast/pkg/types"
)

// Service is the symbol lookup surface the hub consumes.
type Service interface {
	// Resolve maps a subscriber-supplied id to the canonical symbol.
	Resolve(id string) (string, bool)
	// Suggestions returns up to n symbols similar to id, best first.
	Suggestions(id string, n int) []string
	// Info returns the metadata for a resolved symbol.
	Info(id string) (*types.SymbolInfo, bool)
}

// ExchangeService builds its table from the exchange market and ticker
// endpoints and refreshes it periodically.
type ExchangeService struct {
	driver upstream.Driver
	cfg    config.SymbolsConfig
	logger *slog.Logger

	mu          sync.RWMutex
	table       map[string]*types.SymbolInfo
	byVolume    []string // symbols sorted by 24h quote volume, highest first
	lastRefresh time.Time
}

// NewExchangeService creates a service over the exchange driver. The table
// is empty until the first Refresh.
func NewExchangeService(cfg config.SymbolsConfig, driver upstream.Driver, logger *slog.Logger) *ExchangeService {
	return &ExchangeService{
		driver: driver,
		cfg:    cfg,
		logger: logger.With("component", "symbols"),
		table:  make(map[string]*types.SymbolInfo),
	}
}

// Run refreshes immediately and then on every interval tick until ctx
// ends. Refresh failures keep the previous table.
func (s *ExchangeService) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("initial symbol refresh failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("symbol refresh failed", "error", err)
			}
		}
	}
}

// Refresh rebuilds the table from the market list and the 24h tickers.
// Inactive markets and markets quoted in another asset are dropped.
func (s *ExchangeService) Refresh(ctx context.Context) error {
	markets, err := s.driver.LoadMarkets(ctx)
	if err != nil {
		return err
	}

	volumes := make(map[string]float64, len(markets))
	tickers, err := s.driver.FetchTickers(ctx)
	if err != nil {
		// Metadata without volume still serves resolution; suggestions
		// just lose their ranking signal until the next refresh.
		s.logger.Warn("ticker volume fetch failed, keeping zero volumes", "error", err)
	} else {
		for _, tk := range tickers {
			volumes[tk.Symbol] = tk.QuoteVolume
		}
	}

	table := make(map[string]*types.SymbolInfo, len(markets))
	for _, mkt := range markets {
		if !mkt.Active {
			continue
		}
		if s.cfg.QuoteAsset != "" && mkt.Quote != s.cfg.QuoteAsset {
			continue
		}
		table[mkt.Symbol] = &types.SymbolInfo{
			Symbol:          mkt.Symbol,
			Base:            mkt.Base,
			Quote:           mkt.Quote,
			PricePrecision:  mkt.PricePrecision,
			AmountPrecision: mkt.AmountPrecision,
			Volume24h:       volumes[mkt.Symbol],
			RoundingOptions: roundingOptions(mkt.PricePrecision),
			DefaultRounding: priceTick(mkt.PricePrecision),
		}
	}

	ranked := make([]string, 0, len(table))
	for symbol := range table {
		ranked = append(ranked, symbol)
	}
	sort.Slice(ranked, func(i, j int) bool {
		vi, vj := table[ranked[i]].Volume24h, table[ranked[j]].Volume24h
		if vi != vj {
			return vi > vj
		}
		return ranked[i] < ranked[j]
	})

	s.mu.Lock()
	s.table = table
	s.byVolume = ranked
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	s.logger.Info("symbol table refreshed", "symbols", len(table), "quote", s.cfg.QuoteAsset)
	return nil
}

// Resolve maps id to the canonical symbol. Separators and case are
// normalized, and a bare base asset resolves against the configured quote.
func (s *ExchangeService) Resolve(id string) (string, bool) {
	key := normalize(id)
	if key == "" {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.table[key]; ok {
		return key, true
	}
	if s.cfg.QuoteAsset != "" {
		withQuote := key + s.cfg.QuoteAsset
		if _, ok := s.table[withQuote]; ok {
			return withQuote, true
		}
	}
	return "", false
}

// Suggestions returns up to n known symbols matching id, prefix matches
// before substring matches, each group ordered by 24h volume.
func (s *ExchangeService) Suggestions(id string, n int) []string {
	key := normalize(id)
	if key == "" || n <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var prefix, contains []string
	for _, symbol := range s.byVolume {
		switch {
		case strings.HasPrefix(symbol, key):
			prefix = append(prefix, symbol)
		case strings.Contains(symbol, key):
			contains = append(contains, symbol)
		}
	}
	out := append(prefix, contains...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Info returns a copy of the metadata for id.
func (s *ExchangeService) Info(id string) (*types.SymbolInfo, bool) {
	symbol, ok := s.Resolve(id)
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.table[symbol]
	if !ok {
		return nil, false
	}
	copied := *info
	return &copied, true
}

// LastRefresh returns when the table was last rebuilt.
func (s *ExchangeService) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Len returns the number of known symbols.
func (s *ExchangeService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// normalize strips separators and uppercases so BTC/USDT, btc-usdt and
// BTCUSDT all resolve to the same key.
func normalize(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '-', '_', ':':
			return -1
		}
		return r
	}, id)
}

// priceTick is the smallest price increment implied by the precision.
func priceTick(pricePrecision int) float64 {
	if pricePrecision < 0 {
		pricePrecision = 0
	}
	return math.Pow(10, -float64(pricePrecision))
}

// roundingOptions derives the bucket widths advertised to subscribers:
// the tick and three coarser powers of ten.
func roundingOptions(pricePrecision int) []float64 {
	tick := priceTick(pricePrecision)
	return []float64{tick, tick * 10, tick * 100, tick * 1000}
}

// StaticService serves a fixed symbol table. Tests and development runs
// use it in place of the exchange-backed service.
type StaticService struct {
	mu    sync.RWMutex
	table map[string]*types.SymbolInfo
	order []string
}

// NewStaticService creates a service over a fixed set of symbols.
func NewStaticService(infos ...types.SymbolInfo) *StaticService {
	s := &StaticService{table: make(map[string]*types.SymbolInfo, len(infos))}
	for i := range infos {
		info := infos[i]
		if len(info.RoundingOptions) == 0 {
			info.RoundingOptions = roundingOptions(info.PricePrecision)
		}
		if info.DefaultRounding == 0 {
			info.DefaultRounding = priceTick(info.PricePrecision)
		}
		s.table[info.Symbol] = &info
		s.order = append(s.order, info.Symbol)
	}
	sort.Strings(s.order)
	return s
}

func (s *StaticService) Resolve(id string) (string, bool) {
	key := normalize(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.table[key]; ok {
		return key, true
	}
	return "", false
}

func (s *StaticService) Suggestions(id string, n int) []string {
	key := normalize(id)
	if key == "" || n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, symbol := range s.order {
		if strings.HasPrefix(symbol, key) || strings.Contains(symbol, key) {
			out = append(out, symbol)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func (s *StaticService) Info(id string) (*types.SymbolInfo, bool) {
	symbol, ok := s.Resolve(id)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.table[symbol]
	if !ok {
		return nil, false
	}
	copied := *info
	return &copied, true
}
