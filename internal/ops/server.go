// Package ops exposes the diagnostics surface of a mux: prometheus
// metrics and a live flow-stats stream over websocket.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilnet/veil/internal/mux"
)

// DefaultStreamInterval is how often the websocket stream pushes a
// flow-stats snapshot.
const DefaultStreamInterval = time.Second

// StatsSource is the part of a mux the ops server reads.
type StatsSource interface {
	FlowStats() []mux.FlowStats
}

// Server serves /metrics and /debug/flows for one mux.
type Server struct {
	addr   string
	source StatsSource
	logger *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
	interval   time.Duration
}

// NewServer creates a diagnostics server over the given mux: its
// prometheus registry backs /metrics and its flows feed /debug/flows.
func NewServer(addr string, m *mux.Mux, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		addr:   addr,
		source: m,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		interval: DefaultStreamInterval,
	}

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/debug/flows", s.handleFlows)
	router.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return s
}

// Handler returns the ops routes, for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleFlows upgrades to websocket and streams flow-stats snapshots
// until the client goes away. A plain GET without upgrade headers gets
// one JSON snapshot instead.
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.source.FlowStats())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("flow stream connected", zap.String("remote", conn.RemoteAddr().String()))

	// Reads are discarded; the first read error is the disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.source.FlowStats()); err != nil {
				s.logger.Debug("flow stream write failed", zap.Error(err))
				return
			}
		}
	}
}
