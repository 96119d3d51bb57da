package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/session"
)

// IdleReaper closes sessions that have been idle with no consumers for
// longer than the timeout. An optional maintenance window restricts when
// reaping may fire.
type IdleReaper struct {
	bridge   *session.Bridge
	timeout  time.Duration
	interval time.Duration

	// WindowOpen gates reaping; nil means always open.
	WindowOpen func(at time.Time) bool
	// OnReap finishes the job after the policy command (the coordinator
	// closes and deletes the session here).
	OnReap func(sessionID string)

	mu        sync.Mutex
	idleSince map[string]time.Time
}

// NewIdleReaper creates the reaper.
func NewIdleReaper(b *session.Bridge, timeout, interval time.Duration) *IdleReaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &IdleReaper{
		bridge:    b,
		timeout:   timeout,
		interval:  interval,
		idleSince: make(map[string]time.Time),
	}
}

// Start runs the scan loop until ctx ends.
func (r *IdleReaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Scan(time.Now())
			}
		}
	}()
}

// Scan inspects every session once. Exposed for tests; the loop calls it
// with the current time.
func (r *IdleReaper) Scan(now time.Time) {
	seen := make(map[string]bool)
	for _, s := range r.bridge.Sessions() {
		seen[s.ID] = true
		idle := s.LastStatus() == "idle" && s.ConsumerCount() == 0
		if !idle {
			r.mu.Lock()
			delete(r.idleSince, s.ID)
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		since, ok := r.idleSince[s.ID]
		if !ok {
			r.idleSince[s.ID] = now
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		if now.Sub(since) < r.timeout {
			continue
		}
		if r.WindowOpen != nil && !r.WindowOpen(now) {
			continue
		}
		r.reap(s.ID)
	}

	// Forget sessions that no longer exist.
	r.mu.Lock()
	for id := range r.idleSince {
		if !seen[id] {
			delete(r.idleSince, id)
		}
	}
	r.mu.Unlock()
}

func (r *IdleReaper) reap(sessionID string) {
	r.mu.Lock()
	delete(r.idleSince, sessionID)
	r.mu.Unlock()

	slog.Info("reaping idle session", "sessionId", sessionID)
	if rt, ok := r.bridge.Runtime(sessionID); ok {
		rt.ApplyPolicyCommand(session.PolicyCommand{Type: "idle_reap"})
	}
	if r.OnReap != nil {
		r.OnReap(sessionID)
	}
}
