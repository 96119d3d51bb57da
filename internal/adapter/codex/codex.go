// Package codex implements the JSON-RPC-over-WebSocket adapter family. A
// launcher spawns the agent's app-server once per gateway; each session
// dials the server's local WebSocket port and performs an
// initialize/initialized handshake before traffic flows.
package codex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
)

const (
	handshakeTimeout = 10 * time.Second
	serverSessionID  = "codex-app-server"
	serverStartWait  = 500 * time.Millisecond
)

// Adapter owns the shared app-server and dials one WS per session. Resolve
// it through the singleton cache: the spawned server is shared state.
type Adapter struct {
	opts config.AdapterOptions
	sup  *supervisor.Supervisor

	mu      sync.Mutex
	started bool
	url     string
}

// New builds the family from its config block. When BaseURL is set no
// server is spawned; otherwise Command is launched once and the URL is
// derived from options["port"].
func New(opts config.AdapterOptions, sup *supervisor.Supervisor) *Adapter {
	return &Adapter{opts: opts, sup: sup}
}

func (a *Adapter) Name() string { return "codex" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// ensureServer spawns the app-server on first use.
func (a *Adapter) ensureServer() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opts.BaseURL != "" {
		return a.opts.BaseURL, nil
	}
	if a.started {
		return a.url, nil
	}
	if a.opts.Command == "" {
		return "", gateerr.Connection("codex adapter has neither base_url nor command", nil)
	}
	port := a.opts.Options["port"]
	if port == "" {
		return "", gateerr.Connection("codex adapter requires options.port with command", nil)
	}
	if _, err := a.sup.Spawn(serverSessionID, supervisor.SpawnOptions{
		Command:    a.opts.Command,
		Args:       a.opts.Args,
		PipeStdout: true,
		PipeStderr: true,
	}); err != nil {
		return "", gateerr.Connection("spawn codex app-server", err)
	}
	// Give the server a beat to bind its port before the first dial.
	time.Sleep(serverStartWait)
	a.started = true
	a.url = fmt.Sprintf("ws://127.0.0.1:%s", port)
	return a.url, nil
}

// Connect dials the app-server and performs the handshake.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	url, err := a.ensureServer()
	if err != nil {
		return nil, err
	}
	s, err := dialSession(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stop kills the spawned app-server, if any.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		a.sup.Kill(serverSessionID)
		a.started = false
	}
	return nil
}
