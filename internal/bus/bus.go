// Package bus carries the gateway's domain events. The session bridge and
// supervisor publish; watchdogs, the coordinator and the WebSocket layer
// subscribe. Handlers run synchronously on the publisher's goroutine and
// must not block.
package bus

import (
	"log/slog"
	"sync"
)

// Domain event names.
const (
	EventBackendConnected    = "backend:connected"
	EventBackendDisconnected = "backend:disconnected"
	EventBackendSessionID    = "backend:session_id"
	EventBackendRelaunch     = "backend:relaunch_needed"
	EventBackendMessage      = "backend:message"

	EventConsumerConnected     = "consumer:connected"
	EventConsumerDisconnected  = "consumer:disconnected"
	EventConsumerAuthenticated = "consumer:authenticated"
	EventConsumerAuthFailed    = "consumer:auth_failed"

	EventMessageInbound  = "message:inbound"
	EventMessageOutbound = "message:outbound"

	EventPermissionRequested = "permission:requested"
	EventPermissionResolved  = "permission:resolved"

	EventSessionFirstTurn = "session:first_turn_completed"
	EventSessionClosed    = "session:closed"

	EventSlashExecuted = "slash_command:executed"
	EventSlashFailed   = "slash_command:failed"

	EventAuthStatus          = "auth_status"
	EventCapabilitiesReady   = "capabilities:ready"
	EventCapabilitiesTimeout = "capabilities:timeout"

	EventProcessSpawned = "process:spawned"
	EventProcessExited  = "process:exited"
	EventProcessStdout  = "process:stdout"
	EventProcessStderr  = "process:stderr"

	EventError = "error"
)

// Event is one domain event. Payload keys are event-specific; SessionID is
// empty for events not scoped to a session.
type Event struct {
	Name      string
	SessionID string
	Payload   map[string]any
}

// Handler receives every published event. Filter by Name.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so components do not
// depend on the concrete bus.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Publish(ev Event)
}

// Bus is the in-process Publisher. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers h under id, replacing any previous handler with that id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = h
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every subscriber. A panicking handler is logged and
// skipped; it never takes the publisher down.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus handler panicked", "event", ev.Name, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// PublishError publishes the shared error event shape.
func PublishError(p Publisher, source string, err error, sessionID string) {
	p.Publish(Event{
		Name:      EventError,
		SessionID: sessionID,
		Payload:   map[string]any{"source": source, "error": err.Error()},
	})
}
