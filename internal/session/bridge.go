package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Authenticator validates consumer credentials and yields an identity.
type Authenticator interface {
	Authenticate(token string) (protocol.Identity, error)
}

// APIKeyAuthenticator accepts any token when Key is empty (open gateway)
// and requires an exact match otherwise.
type APIKeyAuthenticator struct {
	Key string
}

func (a *APIKeyAuthenticator) Authenticate(token string) (protocol.Identity, error) {
	if a.Key == "" {
		return protocol.Identity{Role: "participant"}, nil
	}
	if token != a.Key {
		return protocol.Identity{}, gateerr.Auth("invalid token")
	}
	return protocol.Identity{UserID: "owner", DisplayName: "Owner", Role: "participant"}, nil
}

// BridgeConfig carries the per-session tunables the bridge enforces.
type BridgeConfig struct {
	HistoryLimit      int
	PermissionTimeout time.Duration
	MaxMessageBytes   int64
	RateLimitRPS      float64
	RateLimitBurst    int
	ImageMaxEdge      int
}

// Bridge owns the session map and routes transport events to runtimes. The
// map is mutated only here; runtimes own the interior of their session.
type Bridge struct {
	cfg         BridgeConfig
	busPub      bus.Publisher
	broadcaster *Broadcaster
	auth        Authenticator

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig, p bus.Publisher, auth Authenticator) *Bridge {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 256 * 1024
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	return &Bridge{
		cfg:         cfg,
		busPub:      p,
		broadcaster: NewBroadcaster(),
		auth:        auth,
		runtimes:    make(map[string]*Runtime),
	}
}

// Broadcaster exposes the shared broadcaster.
func (b *Bridge) Broadcaster() *Broadcaster { return b.broadcaster }

// CreateSession registers a new session in the created state.
func (b *Bridge) CreateSession(sessionID, adapterName string) *Runtime {
	s := NewSession(sessionID, b.cfg.HistoryLimit, b.cfg.PermissionTimeout)
	s.AdapterName = adapterName
	rt := NewRuntime(s, b.broadcaster, b.busPub)
	rt.ImageMaxEdge = b.cfg.ImageMaxEdge

	b.mu.Lock()
	b.runtimes[sessionID] = rt
	b.mu.Unlock()
	return rt
}

// Runtime looks up a session's runtime.
func (b *Bridge) Runtime(sessionID string) (*Runtime, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rt, ok := b.runtimes[sessionID]
	return rt, ok
}

// Sessions snapshots the registered sessions.
func (b *Bridge) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, 0, len(b.runtimes))
	for _, rt := range b.runtimes {
		out = append(out, rt.session)
	}
	return out
}

// ConnectBackend attaches a live backend to a registered session and starts
// the pump. backend:connected is published before the pump can surface the
// first session_init, so connected always precedes backend:session_id.
func (b *Bridge) ConnectBackend(ctx context.Context, sessionID string, a adapter.Adapter, opts adapter.ConnectOptions) error {
	rt, ok := b.Runtime(sessionID)
	if !ok {
		return gateerr.Newf(gateerr.KindConnection, "unknown session %s", sessionID)
	}
	s := rt.session

	backend, err := a.Connect(ctx, opts)
	if err != nil {
		return err
	}

	s.AttachBackend(backend)
	if sp, ok := a.(adapter.SlashProvider); ok {
		s.SetSlashExecutor(sp.CreateSlashExecutor())
	}
	if pt, ok := backend.(adapter.SlashPassthrough); ok {
		s.SetSupportsPassthrough(pt.SupportsSlashPassthrough())
	}
	if err := s.transition(LifecycleActive); err != nil {
		slog.Debug("activate transition skipped", "sessionId", sessionID, "error", err)
	}

	b.busPub.Publish(bus.Event{Name: bus.EventBackendConnected, SessionID: sessionID,
		Payload: map[string]any{"adapter": a.Name()}})
	b.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutCLIConnected})

	go rt.Pump(backend)
	return nil
}

// HandleConsumerOpen admits one socket into a session: authenticate, then
// register, then replay identity + snapshot + history.
func (b *Bridge) HandleConsumerOpen(sock Socket, sessionID, token string) {
	rt, ok := b.Runtime(sessionID)
	if !ok {
		sock.CloseWith(protocol.CloseSessionNotFound, protocol.ReasonSessionNotFound)
		return
	}
	s := rt.session

	identity, err := b.auth.Authenticate(token)
	if err != nil {
		b.busPub.Publish(bus.Event{Name: bus.EventConsumerAuthFailed, SessionID: sessionID})
		sock.CloseWith(protocol.CloseAuthFailed, protocol.ReasonAuthFailed)
		return
	}
	b.busPub.Publish(bus.Event{Name: bus.EventConsumerAuthenticated, SessionID: sessionID,
		Payload: map[string]any{"userId": identity.UserID}})

	limiter := rate.NewLimiter(rate.Limit(b.cfg.RateLimitRPS), b.cfg.RateLimitBurst)
	consumer := s.AddConsumer(sock, identity, limiter)
	b.busPub.Publish(bus.Event{Name: bus.EventConsumerConnected, SessionID: sessionID,
		Payload: map[string]any{"displayName": consumer.Identity.DisplayName}})

	b.broadcaster.SendTo(s, sock, &protocol.Outbound{Type: protocol.OutIdentity, Identity: &consumer.Identity})

	snapshot := s.StateSnapshot()
	if pending := s.Permissions.Pending(); len(pending) > 0 {
		snapshot["pending_permissions"] = pending
	}
	b.broadcaster.SendTo(s, sock, &protocol.Outbound{Type: protocol.OutSessionInit, Session: snapshot})
	b.broadcaster.SendTo(s, sock, &protocol.Outbound{Type: protocol.OutMessageHistory, Messages: s.History.Snapshot()})
	b.broadcaster.BroadcastPresence(s)

	if lc := s.Lifecycle(); s.Backend() == nil && lc != LifecycleClosing && lc != LifecycleClosed {
		b.busPub.Publish(bus.Event{Name: bus.EventBackendRelaunch, SessionID: sessionID})
	}
}

// HandleConsumerMessage enforces the frame limits and hands the parsed
// command to the runtime.
func (b *Bridge) HandleConsumerMessage(sock Socket, sessionID string, raw []byte) {
	rt, ok := b.Runtime(sessionID)
	if !ok {
		sock.CloseWith(protocol.CloseSessionNotFound, protocol.ReasonSessionNotFound)
		return
	}
	s := rt.session

	if int64(len(raw)) > b.cfg.MaxMessageBytes {
		sock.CloseWith(protocol.CloseMessageTooBig, protocol.ReasonMessageTooBig)
		return
	}
	if c := s.ConsumerOf(sock); c != nil && !c.Limiter.Allow() {
		b.broadcaster.SendTo(s, sock, protocol.ErrorFrame("rate limit exceeded"))
		return
	}

	in, err := protocol.ParseInbound(raw)
	if err != nil {
		b.broadcaster.SendTo(s, sock, protocol.ErrorFrame("invalid JSON"))
		return
	}
	rt.HandleInbound(sock, in)
}

// HandleConsumerClose drops the socket and refreshes presence.
func (b *Bridge) HandleConsumerClose(sock Socket, sessionID string) {
	rt, ok := b.Runtime(sessionID)
	if !ok {
		return
	}
	remaining := rt.session.RemoveConsumer(sock)
	b.busPub.Publish(bus.Event{Name: bus.EventConsumerDisconnected, SessionID: sessionID,
		Payload: map[string]any{"remaining": remaining}})
	if remaining > 0 {
		b.broadcaster.BroadcastPresence(rt.session)
	}
}

// CloseSession runs the closing sequence: cancel permissions, close the
// backend, drop the registry entry. Safe to call twice.
func (b *Bridge) CloseSession(sessionID string) {
	rt, ok := b.Runtime(sessionID)
	if !ok {
		return
	}
	s := rt.session

	if err := s.transition(LifecycleClosing); err != nil {
		slog.Debug("close transition skipped", "sessionId", sessionID, "error", err)
	}
	s.Permissions.CancelAll()

	if backend := s.Backend(); backend != nil {
		if err := backend.Close(); err != nil {
			slog.Warn("backend close failed", "sessionId", sessionID, "error", err)
		}
		s.DetachBackend()
	}

	for _, sock := range s.sockets() {
		sock.CloseWith(protocol.CloseNormal, "session closed")
	}

	if err := s.transition(LifecycleClosed); err != nil {
		slog.Debug("closed transition skipped", "sessionId", sessionID, "error", err)
	}

	b.mu.Lock()
	delete(b.runtimes, sessionID)
	b.mu.Unlock()

	b.busPub.Publish(bus.Event{Name: bus.EventSessionClosed, SessionID: sessionID})
}
