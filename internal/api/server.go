package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"depthcast/internal/batch"
	"depthcast/internal/book"
	"depthcast/internal/config"
	"depthcast/internal/delta"
	"depthcast/internal/liquidation"
	"depthcast/internal/monitor"
	"depthcast/internal/symbols"
	"depthcast/internal/upstream"
	"depthcast/internal/wire"
)

// Deps collects the components the hub routes between.
type Deps struct {
	Books   *book.Manager
	Deltas  *delta.Engine
	Streams *upstream.Manager
	Liq     *liquidation.Aggregator
	Symbols symbols.Service
	Monitor *monitor.Monitor
	Metrics *monitor.Metrics
	Codec   *wire.PairCodec
}

// Server runs the HTTP/WebSocket front. It owns the hub and the outbound
// batcher; everything else arrives through Deps.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	batcher  *batch.Batcher
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the hub and batcher together and builds the route table.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	hub := newHub(deps, logger)
	batcher := batch.New(cfg.Batcher, hub.deliver, logger)
	hub.batcher = batcher

	s := &Server{
		cfg:     cfg.Server,
		hub:     hub,
		batcher: batcher,
		logger:  logger.With("component", "api-server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.Handle("/metrics", deps.Monitor.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the batcher and serves until Stop or a listener error. The
// context bounds the batcher's sweep loop.
func (s *Server) Start(ctx context.Context) error {
	go s.batcher.Run(ctx)

	s.logger.Info("server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop flushes pending batches, drops every connection and shuts the
// listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.batcher.ForceFlushAll()
	s.hub.closeAll()
	return s.server.Shutdown(ctx)
}

// Hub exposes the session registry, mainly for stats wiring.
func (s *Server) Hub() *Hub { return s.hub }

// Batcher exposes the outbound batcher, mainly for stats wiring.
func (s *Server) Batcher() *batch.Batcher { return s.batcher }

// Handler exposes the route table so tests can mount it on httptest.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.hub.register(conn, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statsResponse is the /api/stats payload: a point-in-time summary of
// every component registry.
type statsResponse struct {
	Sessions      int                   `json:"sessions"`
	Books         book.ManagerStats     `json:"books"`
	Streams       []upstream.StreamStat `json:"streams"`
	Reconnects    uint64                `json:"reconnects"`
	DeltaSessions int                   `json:"delta_sessions"`
	Sequence      uint64                `json:"sequence"`
	Batcher       batch.Stats           `json:"batcher"`
	Liquidations  liquidation.Stats     `json:"liquidations"`
	Wire          map[string]string     `json:"wire"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	h := s.hub
	resp := statsResponse{
		Sessions:      h.Sessions(),
		Books:         h.books.Stats(),
		Streams:       h.streams.Stats(),
		Reconnects:    h.streams.Reconnects(),
		DeltaSessions: h.deltas.Len(),
		Sequence:      h.deltas.LastSequence(),
		Batcher:       s.batcher.Stats(),
		Liquidations:  h.liq.Stats(),
		Wire:          h.codec.Headers(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("stats encode failed", "error", err)
	}
}

// originChecker allows everything when no origins are configured, and
// otherwise requires an exact match or a "*" entry.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	star := false
	for _, o := range allowed {
		if o == "*" {
			star = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if star {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
