package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/coordinator"
)

// InfoFileName is the discovery file the CLI reads to find the control API.
const InfoFileName = "daemon.json"

// Info is the persisted control-API discovery record.
type Info struct {
	PID   int    `json:"pid"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// ControlAPI is the loopback management surface.
type ControlAPI struct {
	coord   *coordinator.Coordinator
	dataDir string
	token   string

	server *http.Server
	port   int
}

// NewControlAPI mints a fresh bearer token.
func NewControlAPI(coord *coordinator.Coordinator, dataDir string) (*ControlAPI, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &ControlAPI{
		coord:   coord,
		dataDir: dataDir,
		token:   hex.EncodeToString(raw),
	}, nil
}

// Start binds a random loopback port and writes daemon.json.
func (c *ControlAPI) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	c.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", c.withAuth(c.handleHealth))
	mux.HandleFunc("GET /sessions", c.withAuth(c.handleListSessions))
	mux.HandleFunc("POST /sessions", c.withAuth(c.handleCreateSession))
	mux.HandleFunc("DELETE /sessions/{id}", c.withAuth(c.handleDeleteSession))

	c.server = &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control api stopped", "error", err)
		}
	}()

	if err := c.writeInfo(); err != nil {
		return err
	}
	slog.Info("control api listening", "port", c.port)
	return nil
}

// Port returns the bound port (after Start).
func (c *ControlAPI) Port() int { return c.port }

// Token returns the bearer token.
func (c *ControlAPI) Token() string { return c.token }

func (c *ControlAPI) writeInfo() error {
	info := Info{PID: os.Getpid(), Port: c.port, Token: c.token}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dataDir, InfoFileName), data, 0o600)
}

// ReadInfo loads daemon.json from dataDir.
func ReadInfo(dataDir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, InfoFileName))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *ControlAPI) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != c.token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

func (c *ControlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "pid": os.Getpid()})
}

func (c *ControlAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{"sessions": c.coord.ListSessions()})
}

func (c *ControlAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	sessionID, err := c.coord.CreateSession(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"sessionId": sessionID})
}

func (c *ControlAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	c.coord.DeleteSession(r.PathValue("id"))
	json.NewEncoder(w).Encode(map[string]any{"deleted": true})
}
