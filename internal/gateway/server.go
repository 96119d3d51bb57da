// Package gateway is the consumer-facing WebSocket server. It upgrades
// connections on /ws/consumer/{sessionId} and feeds frames to the session
// bridge; everything protocol-level lives there, not here.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/session"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Server owns the HTTP listener and the WebSocket upgrade path.
type Server struct {
	cfg    *config.Config
	bridge *session.Bridge

	originMu       sync.RWMutex
	allowedOrigins []string

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, bridge *session.Bridge) *Server {
	s := &Server{cfg: cfg, bridge: bridge, allowedOrigins: cfg.Gateway.AllowedOrigins}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the configured allowlist.
// No configuration allows everything (dev mode); an empty Origin header
// (CLI clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	s.originMu.RLock()
	allowed := s.allowedOrigins
	s.originMu.RUnlock()
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// SetAllowedOrigins swaps the origin allowlist (config hot reload).
func (s *Server) SetAllowedOrigins(origins []string) {
	s.originMu.Lock()
	s.allowedOrigins = origins
	s.originMu.Unlock()
}

// BuildMux creates and caches the route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/consumer/", s.handleConsumer)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleConsumer upgrades and runs one consumer connection.
func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/consumer/")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	if _, err := uuid.Parse(sessionID); err != nil {
		closeWith(conn, protocol.ClosePolicyViolation, "invalid session id")
		conn.Close()
		return
	}

	client := newClient(conn)
	defer client.shutdown()

	s.bridge.HandleConsumerOpen(client, sessionID, token)
	if client.isClosed() {
		return
	}
	defer s.bridge.HandleConsumerClose(client, sessionID)

	client.readLoop(func(data []byte) {
		s.bridge.HandleConsumerMessage(client, sessionID, data)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// StartTestServer listens on 127.0.0.1:0 and returns the bound address and
// a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
