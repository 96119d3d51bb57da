// Package watchdog holds the timers that apply policy to session runtimes:
// the reconnect watchdog for sessions whose backend never came up, and the
// idle reaper for sessions nobody is using.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/session"
)

// Launcher is the watchdog's view of whoever starts backend processes.
type Launcher interface {
	// StartingSessions lists sessions that are waiting for a backend.
	StartingSessions() []string
	// Relaunch asks for a fresh backend for the session.
	Relaunch(sessionID string) error
}

// Reconnect arms a grace timer for every session stuck in starting. On
// expiry the runtime gets a reconnect_timeout policy command (it degrades
// an active or idle session; a session still in created stays there and
// the runtime's invalid-transition hook fires) and a relaunch is requested;
// a backend connect clears the timer.
type Reconnect struct {
	launcher Launcher
	bridge   *session.Bridge
	busPub   bus.Publisher
	grace    time.Duration
	interval time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewReconnect creates the watchdog.
func NewReconnect(l Launcher, b *session.Bridge, p bus.Publisher, grace, interval time.Duration) *Reconnect {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconnect{
		launcher: l,
		bridge:   b,
		busPub:   p,
		grace:    grace,
		interval: interval,
		timers:   make(map[string]*time.Timer),
	}
}

// Start runs the scan loop until ctx ends. Backend connects clear timers.
func (r *Reconnect) Start(ctx context.Context) {
	r.busPub.Subscribe("watchdog-reconnect", func(ev bus.Event) {
		if ev.Name == bus.EventBackendConnected || ev.Name == bus.EventProcessSpawned {
			r.clear(ev.SessionID)
		}
	})

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.Stop()
				return
			case <-ticker.C:
				r.scan()
			}
		}
	}()
}

func (r *Reconnect) scan() {
	for _, id := range r.launcher.StartingSessions() {
		r.arm(id)
	}
}

func (r *Reconnect) arm(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, armed := r.timers[sessionID]; armed {
		return
	}
	r.timers[sessionID] = time.AfterFunc(r.grace, func() {
		r.expire(sessionID)
	})
}

func (r *Reconnect) expire(sessionID string) {
	r.clear(sessionID)
	rt, ok := r.bridge.Runtime(sessionID)
	if ok {
		rt.ApplyPolicyCommand(session.PolicyCommand{Type: "reconnect_timeout"})
	}
	slog.Info("reconnect grace expired, relaunching", "sessionId", sessionID)
	if err := r.launcher.Relaunch(sessionID); err != nil {
		bus.PublishError(r.busPub, "watchdog-reconnect", err, sessionID)
	}
}

func (r *Reconnect) clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// Stop clears every armed timer and unsubscribes.
func (r *Reconnect) Stop() {
	r.busPub.Unsubscribe("watchdog-reconnect")
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
