// Package opencode implements the HTTP+SSE adapter family. One server
// process serves every session: commands go out as REST calls, events come
// back on a single server-sent-event stream the adapter demultiplexes to
// per-session subscribers by the sessionID carried in event properties.
package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/pkg/codec"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

const (
	serverSessionID   = "opencode-server"
	serverStartWait   = 500 * time.Millisecond
	defaultMaxRetries = 3
	directoryHeader   = "X-Opencode-Directory"
)

// Adapter owns the shared SSE connection; resolve it through the singleton
// cache.
type Adapter struct {
	opts config.AdapterOptions
	sup  *supervisor.Supervisor
	// httpc serves REST calls; streamc has no timeout and carries the SSE
	// stream.
	httpc      *http.Client
	streamc    *http.Client
	maxRetries int

	mu       sync.Mutex
	baseURL  string
	started  bool
	sseStop  context.CancelFunc
	sessions map[string]*session
}

// New builds the family from its config block.
func New(opts config.AdapterOptions, sup *supervisor.Supervisor) *Adapter {
	return &Adapter{
		opts:       opts,
		sup:        sup,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		streamc:    &http.Client{},
		maxRetries: defaultMaxRetries,
		sessions:   make(map[string]*session),
	}
}

func (a *Adapter) Name() string { return "opencode" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityBoth,
	}
}

// ensureStarted spawns the server (when configured by command) and opens
// the shared SSE loop once.
func (a *Adapter) ensureStarted() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return a.baseURL, nil
	}
	base := a.opts.BaseURL
	if base == "" {
		if a.opts.Command == "" {
			return "", gateerr.Connection("opencode adapter has neither base_url nor command", nil)
		}
		port := a.opts.Options["port"]
		if port == "" {
			return "", gateerr.Connection("opencode adapter requires options.port with command", nil)
		}
		if _, err := a.sup.Spawn(serverSessionID, supervisor.SpawnOptions{
			Command:    a.opts.Command,
			Args:       a.opts.Args,
			PipeStdout: true,
			PipeStderr: true,
		}); err != nil {
			return "", gateerr.Connection("spawn opencode server", err)
		}
		time.Sleep(serverStartWait)
		base = "http://127.0.0.1:" + port
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.sseStop = cancel
	a.baseURL = base
	a.started = true
	go a.sseLoop(ctx, base)
	return base, nil
}

// Connect registers a per-session subscriber on the shared stream.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	base, err := a.ensureStarted()
	if err != nil {
		return nil, err
	}

	backendID := opts.SessionID
	if opts.Resume != "" {
		backendID = opts.Resume
	}

	s := &session{
		id:        opts.SessionID,
		backendID: backendID,
		dir:       opts.Cwd,
		adapter:   a,
		baseURL:   base,
		msgs:      make(chan *unified.Message, 256),
	}
	a.mu.Lock()
	a.sessions[backendID] = s
	a.mu.Unlock()

	s.emit(unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, map[string]any{
		adapter.MetaBackendSessionID: backendID,
		adapter.MetaModel:            opts.Model,
	}))
	return s, nil
}

func (a *Adapter) unregister(backendID string) {
	a.mu.Lock()
	delete(a.sessions, backendID)
	a.mu.Unlock()
}

// sseLoop keeps one event stream open, reconnecting with exponential
// backoff (1s·2^(attempt−1)). After maxRetries consecutive failures every
// session is told the backend is gone and the loop stops.
func (a *Adapter) sseLoop(ctx context.Context, base string) {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := a.consumeStream(ctx, base)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// A stream that was established ends the run of failures.
			attempt = 0
			bo.Reset()
		}
		attempt++
		if attempt > a.maxRetries {
			slog.Error("opencode event stream failed permanently", "attempts", attempt, "error", err)
			a.failAllSessions(err)
			return
		}
		wait := bo.NextBackOff()
		slog.Warn("opencode event stream dropped, reconnecting", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consumeStream opens /event and demuxes until the stream breaks. The bool
// reports whether the stream was established (status 200) before it broke.
func (a *Adapter) consumeStream(ctx context.Context, base string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/event", nil)
	if err != nil {
		return false, err
	}
	a.applyAuth(req)
	resp, err := a.streamc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	for ev := range codec.ParseSSE(ctx, resp.Body) {
		a.dispatchEvent(ev.Data)
	}
	return true, fmt.Errorf("event stream ended")
}

// dispatchEvent routes one SSE payload to its session's translator.
func (a *Adapter) dispatchEvent(data string) {
	var ev serverEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		slog.Debug("opencode: dropping malformed event", "error", err)
		return
	}
	sid := ev.sessionID()
	if sid == "" {
		return
	}
	a.mu.Lock()
	s := a.sessions[sid]
	a.mu.Unlock()
	if s == nil {
		return
	}
	s.emit(translateEvent(&ev))
}

// failAllSessions emits an error result on every subscriber.
func (a *Adapter) failAllSessions(err error) {
	a.mu.Lock()
	subs := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		subs = append(subs, s)
	}
	a.mu.Unlock()
	for _, s := range subs {
		s.emit(unified.New(unified.TypeResult, unified.RoleSystem, nil, map[string]any{
			adapter.MetaIsError:    true,
			"errors":               []string{fmt.Sprintf("event stream lost: %v", err)},
			adapter.MetaStopReason: nil,
		}))
		s.Close()
	}
}

func (a *Adapter) applyAuth(req *http.Request) {
	user := a.opts.Options["username"]
	pass := a.opts.Options["password"]
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
}

// Stop tears down the shared stream and the spawned server.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	stop := a.sseStop
	a.started = false
	a.sseStop = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	a.sup.Kill(serverSessionID)
	return nil
}
