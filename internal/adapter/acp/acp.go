// Package acp implements the JSON-RPC-over-stdio adapter family. The agent
// runs as a child process; stdin/stdout carry newline-delimited JSON-RPC 2.0
// frames. Session setup is a two-step handshake (initialize, then
// session/new or session/load), after which session/update notifications
// stream the conversation.
package acp

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// Wire method names.
const (
	methodInitialize        = "initialize"
	methodSessionNew        = "session/new"
	methodSessionLoad       = "session/load"
	methodSessionPrompt     = "session/prompt"
	methodSessionCancel     = "session/cancel"
	methodSessionUpdate     = "session/update"
	methodSessionSetMode    = "session/set_mode"
	methodRequestPermission = "session/request_permission"
)

const (
	protocolVersion  = 1
	handshakeTimeout = 10 * time.Second
)

// Adapter launches one child process per session.
type Adapter struct {
	command string
	args    []string
	sup     *supervisor.Supervisor
}

// New builds the family from its config block. The supervisor owns the
// spawned processes.
func New(opts config.AdapterOptions, sup *supervisor.Supervisor) *Adapter {
	return &Adapter{command: opts.Command, args: opts.Args, sup: sup}
}

func (a *Adapter) Name() string { return "acp" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect spawns the agent and performs the handshake. The returned session
// is ready: its first emitted message is the session_init.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	if a.command == "" {
		return nil, gateerr.Connection("acp adapter has no command configured", nil)
	}

	handle, err := a.sup.Spawn(opts.SessionID, supervisor.SpawnOptions{
		Command:    a.command,
		Args:       a.args,
		Dir:        opts.Cwd,
		PipeStderr: true,
	})
	if err != nil {
		return nil, gateerr.Connection("spawn acp agent", err)
	}

	s := newSession(opts, handle, a.sup)
	go s.readLoop()

	if err := s.handshake(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// handshake runs initialize + session/new|load and emits session_init.
func (s *session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	initResult, err := s.call(hctx, methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "agentgate", "version": "1"},
		"clientCapabilities": map[string]any{
			// No fs or terminal support: those requests are rejected.
		},
	})
	if err != nil {
		return gateerr.Connection("initialize handshake timed out", err)
	}

	var backendID string
	if opts.Resume != "" {
		if _, err := s.call(hctx, methodSessionLoad, map[string]any{
			"sessionId": opts.Resume,
			"cwd":       opts.Cwd,
		}); err != nil {
			return gateerr.Connection("session/load", err)
		}
		backendID = opts.Resume
	} else {
		newResult, err := s.call(hctx, methodSessionNew, map[string]any{
			"cwd": opts.Cwd,
		})
		if err != nil {
			return gateerr.Connection("session/new", err)
		}
		backendID, _ = newResult["sessionId"].(string)
	}

	s.mu.Lock()
	s.backendID = backendID
	s.state = stateReady
	s.mu.Unlock()

	meta := map[string]any{
		adapter.MetaBackendSessionID: backendID,
		"protocol_version":           initResult["protocolVersion"],
		"agent_capabilities":         initResult["agentCapabilities"],
		"agent_info":                 initResult["agentInfo"],
	}
	if am, ok := initResult["authMethods"]; ok {
		meta["auth_methods"] = am
	}
	s.emit(unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, meta))
	return nil
}
