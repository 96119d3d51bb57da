// Package coordinator is the top-level facade: it wires the bridge,
// supervisor, storage, watchdogs and adapter resolver together, and owns
// session creation, relaunch, restore and deletion. No business logic lives
// here — only wiring and lifecycle order.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/session"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/internal/watchdog"
)

// CreateSessionRequest parameterizes a new session.
type CreateSessionRequest struct {
	Cwd         string `json:"cwd,omitempty"`
	Model       string `json:"model,omitempty"`
	AdapterName string `json:"adapter,omitempty"`
}

// Options bundle the coordinator's collaborators.
type Options struct {
	Config     *config.Config
	Bus        *bus.Bus
	Store      store.Store
	ProcessLog *store.ProcessLog
	Supervisor *supervisor.Supervisor
	Resolver   *adapter.Resolver
}

// Coordinator owns the session registry wiring and lifecycle.
type Coordinator struct {
	cfg      *config.Config
	busPub   *bus.Bus
	store    store.Store
	plog     *store.ProcessLog
	sup      *supervisor.Supervisor
	resolver *adapter.Resolver
	bridge   *session.Bridge

	reconnect *watchdog.Reconnect
	reaper    *watchdog.IdleReaper

	mu          sync.Mutex
	starting    map[string]bool // sessions registered but not yet backed
	relaunching map[string]bool // relaunch dedup

	cancel context.CancelFunc
}

// New builds a coordinator. Call Start before use.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	bridge := session.NewBridge(session.BridgeConfig{
		HistoryLimit:      cfg.Sessions.HistoryLimit,
		PermissionTimeout: cfg.Sessions.PermissionTimeout(),
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		RateLimitRPS:      cfg.Gateway.RateLimitRPS,
		RateLimitBurst:    cfg.Gateway.RateLimitBurst,
		ImageMaxEdge:      cfg.Sessions.ImageMaxEdgePixels,
	}, opts.Bus, &session.APIKeyAuthenticator{Key: cfg.Gateway.APIKey})

	c := &Coordinator{
		cfg:         cfg,
		busPub:      opts.Bus,
		store:       opts.Store,
		plog:        opts.ProcessLog,
		sup:         opts.Supervisor,
		resolver:    opts.Resolver,
		bridge:      bridge,
		starting:    make(map[string]bool),
		relaunching: make(map[string]bool),
	}
	c.reconnect = watchdog.NewReconnect(c, bridge, opts.Bus,
		cfg.Sessions.ReconnectGrace(), cfg.Sessions.WatchdogInterval())
	c.reaper = watchdog.NewIdleReaper(bridge,
		cfg.Sessions.IdleSessionTimeout(), cfg.Sessions.WatchdogInterval())
	c.reaper.WindowOpen = cfg.MaintenanceWindowOpen
	c.reaper.OnReap = func(sessionID string) { c.DeleteSession(sessionID) }
	return c
}

// Bridge exposes the session bridge to the transport layer.
func (c *Coordinator) Bridge() *session.Bridge { return c.bridge }

// Start wires bus listeners, restores persisted sessions (launcher first,
// so handles exist before the bridge seeds state), and starts the
// watchdogs.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.busPub.Subscribe("coordinator", c.onEvent)

	if err := c.restore(); err != nil {
		slog.Warn("session restore incomplete", "error", err)
	}

	c.reconnect.Start(ctx)
	c.reaper.Start(ctx)
	return nil
}

// Stop tears everything down: listeners, watchdogs, processes, sessions,
// adapters.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.busPub.Unsubscribe("coordinator")
	c.reconnect.Stop()

	for _, s := range c.bridge.Sessions() {
		c.bridge.CloseSession(s.ID)
	}
	c.sup.KillAll()
	c.resolver.StopAll()
	if err := c.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}

// onEvent reacts to domain events the coordinator owns the policy for.
func (c *Coordinator) onEvent(ev bus.Event) {
	switch ev.Name {
	case bus.EventBackendSessionID:
		backendID, _ := ev.Payload["backendSessionId"].(string)
		c.updateBackendSessionID(ev.SessionID, backendID)
	case bus.EventBackendRelaunch:
		go c.RelaunchDedup(ev.SessionID)
	case bus.EventProcessStdout, bus.EventProcessStderr:
		if line, ok := ev.Payload["line"].(string); ok && c.plog != nil {
			c.plog.Append(ev.SessionID, line)
		}
	case bus.EventSessionFirstTurn:
		if name, ok := ev.Payload["name"].(string); ok && name != "" {
			c.updateName(ev.SessionID, name)
		}
	}
}

// CreateSession resolves the adapter and connects a backend. Inverted
// adapters only get registered: their process dials back later.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	adapterName := req.AdapterName
	if adapterName == "" {
		adapterName = c.cfg.Adapters.Default
	}
	a, err := c.resolver.Resolve(adapterName)
	if err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	rt := c.bridge.CreateSession(sessionID, adapterName)
	rt.Session().SetState("cwd", req.Cwd)
	if req.Model != "" {
		rt.Session().SetState("model", req.Model)
	}

	rec := &store.SessionRecord{
		SessionID:   sessionID,
		Cwd:         req.Cwd,
		Model:       req.Model,
		AdapterName: adapterName,
		CreatedAt:   time.Now(),
	}

	if inv, ok := a.(adapter.Inverted); ok && inv.Inverted() {
		// The adapter spawns a process that dials back; just seed state and
		// let the reconnect watchdog cover the gap.
		c.mu.Lock()
		c.starting[sessionID] = true
		c.mu.Unlock()
		if err := c.store.Save(rec); err != nil {
			slog.Warn("session record save failed", "sessionId", sessionID, "error", err)
		}
		return sessionID, nil
	}

	// Persist before connecting: the backend's first session_init updates
	// this record with the backend session id.
	if err := c.store.Save(rec); err != nil {
		slog.Warn("session record save failed", "sessionId", sessionID, "error", err)
	}
	if err := c.bridge.ConnectBackend(ctx, sessionID, a, adapter.ConnectOptions{
		SessionID: sessionID,
		Cwd:       req.Cwd,
		Model:     req.Model,
	}); err != nil {
		c.bridge.CloseSession(sessionID)
		if derr := c.store.Delete(sessionID); derr != nil {
			slog.Warn("session record delete failed", "sessionId", sessionID, "error", derr)
		}
		return "", err
	}
	return sessionID, nil
}

// DeleteSession kills the process, clears dedup state, closes sockets and
// removes the session everywhere.
func (c *Coordinator) DeleteSession(sessionID string) {
	c.sup.Kill(sessionID)
	c.mu.Lock()
	delete(c.relaunching, sessionID)
	delete(c.starting, sessionID)
	c.mu.Unlock()

	c.bridge.CloseSession(sessionID)
	if c.plog != nil {
		c.plog.Clear(sessionID)
	}
	if err := c.store.Delete(sessionID); err != nil {
		slog.Warn("session record delete failed", "sessionId", sessionID, "error", err)
	}
}

// SessionSummary is the control-API view of one session.
type SessionSummary struct {
	SessionID     string `json:"sessionId"`
	AdapterName   string `json:"adapter"`
	Lifecycle     string `json:"lifecycle"`
	Status        string `json:"status,omitempty"`
	ConsumerCount int    `json:"consumerCount"`
	Name          string `json:"name,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	ProcessLog    []string `json:"processLog,omitempty"`
}

// ListSessions summarizes every live session.
func (c *Coordinator) ListSessions() []SessionSummary {
	sessions := c.bridge.Sessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		snap := s.StateSnapshot()
		name, _ := snap["name"].(string)
		cwd, _ := snap["cwd"].(string)
		sum := SessionSummary{
			SessionID:     s.ID,
			AdapterName:   s.AdapterName,
			Lifecycle:     string(s.Lifecycle()),
			Status:        s.LastStatus(),
			ConsumerCount: s.ConsumerCount(),
			Name:          name,
			Cwd:           cwd,
		}
		if c.plog != nil {
			sum.ProcessLog = c.plog.Lines(s.ID)
		}
		out = append(out, sum)
	}
	return out
}

// --- Launcher interface (watchdog.Launcher) ---

// StartingSessions lists sessions still waiting for a backend.
func (c *Coordinator) StartingSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.starting))
	for id := range c.starting {
		out = append(out, id)
	}
	return out
}

// Relaunch reconnects a backend for an existing session, resuming the
// backend-internal conversation when its id is known.
func (c *Coordinator) Relaunch(sessionID string) error {
	rt, ok := c.bridge.Runtime(sessionID)
	if !ok {
		return nil
	}
	s := rt.Session()

	a, err := c.resolver.Resolve(s.AdapterName)
	if err != nil {
		return err
	}
	cwd, _ := s.StateSnapshot()["cwd"].(string)

	err = c.bridge.ConnectBackend(context.Background(), sessionID, a, adapter.ConnectOptions{
		SessionID: sessionID,
		Resume:    s.BackendSessionID(),
		Cwd:       cwd,
	})
	if err != nil {
		bus.PublishError(c.busPub, "coordinator", err, sessionID)
		return err
	}
	c.mu.Lock()
	delete(c.starting, sessionID)
	c.mu.Unlock()
	return nil
}

// RelaunchDedup relaunches at most once concurrently per session.
func (c *Coordinator) RelaunchDedup(sessionID string) {
	c.mu.Lock()
	if c.relaunching[sessionID] {
		c.mu.Unlock()
		return
	}
	c.relaunching[sessionID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.relaunching, sessionID)
		c.mu.Unlock()
	}()

	if err := c.Relaunch(sessionID); err != nil {
		slog.Warn("relaunch failed", "sessionId", sessionID, "error", err)
	}
}

// --- persistence helpers ---

func (c *Coordinator) updateBackendSessionID(sessionID, backendID string) {
	if backendID == "" {
		return
	}
	rec, err := c.store.Load(sessionID)
	if err != nil {
		return
	}
	rec.BackendSessionID = backendID
	if err := c.store.Save(rec); err != nil {
		slog.Warn("backend session id save failed", "sessionId", sessionID, "error", err)
	}
}

func (c *Coordinator) updateName(sessionID, name string) {
	rec, err := c.store.Load(sessionID)
	if err != nil {
		return
	}
	rec.Name = name
	if err := c.store.Save(rec); err != nil {
		slog.Warn("session name save failed", "sessionId", sessionID, "error", err)
	}
}

// restore re-registers persisted sessions on startup. Sessions are seeded
// with their stored state so consumer joins render meaningfully before the
// backend reconnects; the reconnect watchdog drives the actual relaunch.
func (c *Coordinator) restore() error {
	recs, err := c.store.List()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		// Launcher registration first: the watchdog must see the session as
		// starting before the bridge exposes it to consumers.
		c.mu.Lock()
		c.starting[rec.SessionID] = true
		c.mu.Unlock()

		rt := c.bridge.CreateSession(rec.SessionID, rec.AdapterName)
		s := rt.Session()
		s.SetState("cwd", rec.Cwd)
		if rec.Model != "" {
			s.SetState("model", rec.Model)
		}
		if rec.Name != "" {
			s.SetState("name", rec.Name)
		}
		s.SetBackendSessionID(rec.BackendSessionID)
		slog.Info("restored session", "sessionId", rec.SessionID, "adapter", rec.AdapterName)
	}
	return nil
}
