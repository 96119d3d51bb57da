// Package session holds the per-conversation core: the Session state, the
// Runtime that routes messages, the consumer Broadcaster, the permission
// bridge, the slash-command chain, and the Bridge that owns the session map.
package session

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Lifecycle is the session's coarse state.
type Lifecycle string

const (
	LifecycleCreated  Lifecycle = "created"
	LifecycleActive   Lifecycle = "active"
	LifecycleIdle     Lifecycle = "idle"
	LifecycleDegraded Lifecycle = "degraded"
	LifecycleClosing  Lifecycle = "closing"
	LifecycleClosed   Lifecycle = "closed"
)

// allowedTransitions encodes the legal lifecycle moves. Closing is reachable
// from anywhere except closed.
var allowedTransitions = map[Lifecycle][]Lifecycle{
	LifecycleCreated:  {LifecycleActive, LifecycleClosing},
	LifecycleActive:   {LifecycleIdle, LifecycleDegraded, LifecycleClosing},
	LifecycleIdle:     {LifecycleActive, LifecycleDegraded, LifecycleClosing},
	LifecycleDegraded: {LifecycleActive, LifecycleClosing},
	LifecycleClosing:  {LifecycleClosed},
	LifecycleClosed:   {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Lifecycle) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Socket is one consumer connection. Implemented by the gateway's WebSocket
// client; tests plug in fakes.
type Socket interface {
	// Send writes one encoded frame. Errors affect only this socket.
	Send(data []byte) error
	// CloseWith closes the connection with a WebSocket close code.
	CloseWith(code int, reason string)
}

// Consumer couples a socket's identity with its rate limiter.
type Consumer struct {
	Identity protocol.Identity
	Limiter  *rate.Limiter
}

// QueuedMessage is the single message parked while the backend is busy.
// Only its author may update or cancel it.
type QueuedMessage struct {
	Content  string
	Images   []protocol.ImageAttachment
	AuthorID string
	QueuedAt time.Time
}

type passthroughEntry struct {
	Command        string
	RequestID      string
	SlashRequestID string
	TraceID        string
}

// Session is the core's per-conversation unit.
type Session struct {
	ID          string
	AdapterName string
	CreatedAt   time.Time

	Permissions *PermissionBridge
	History     *HistoryRing

	mu sync.Mutex

	state            map[string]any
	lifecycle        Lifecycle
	backend          adapter.Session
	backendSessionID string
	consumers        map[Socket]*Consumer
	lastStatus       string // "" | "running" | "idle" | "compacting"
	queued           *QueuedMessage
	passthroughs     []passthroughEntry
	seq              int64
	anonIdx          int
	named            bool

	slashExecutor       adapter.SlashExecutor
	supportsPassthrough bool
}

// NewSession creates a session in the created state.
func NewSession(id string, historyLimit int, permissionTimeout time.Duration) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		Permissions: NewPermissionBridge(permissionTimeout),
		History:     NewHistoryRing(historyLimit),
		state:       make(map[string]any),
		lifecycle:   LifecycleCreated,
		consumers:   make(map[Socket]*Consumer),
	}
}

// nextSeq hands out the next broadcast sequence number, starting at 1.
func (s *Session) nextSeq() int64 {
	s.seq++
	return s.seq
}

// Lifecycle returns the current lifecycle state.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// transition moves the lifecycle, failing on illegal moves. The closed
// state is terminal.
func (s *Session) transition(to Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == to {
		return nil
	}
	if !CanTransition(s.lifecycle, to) {
		return fmt.Errorf("illegal lifecycle transition %s -> %s", s.lifecycle, to)
	}
	s.lifecycle = to
	return nil
}

// SetState stores one state key.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// StateSnapshot copies the state map for session_init frames.
func (s *Session) StateSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.state)+4)
	for k, v := range s.state {
		out[k] = v
	}
	out["adapterName"] = s.AdapterName
	out["lifecycle"] = string(s.lifecycle)
	if s.lastStatus != "" {
		out["status"] = s.lastStatus
	}
	if s.backendSessionID != "" {
		out["backendSessionId"] = s.backendSessionID
	}
	return out
}

// Backend returns the attached backend session, or nil.
func (s *Session) Backend() adapter.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// AttachBackend binds a live backend session.
func (s *Session) AttachBackend(b adapter.Session) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// DetachBackend clears the backend pointer (after disconnects).
func (s *Session) DetachBackend() {
	s.mu.Lock()
	s.backend = nil
	s.mu.Unlock()
}

// BackendSessionID returns the agent-internal session id, if discovered.
func (s *Session) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

// SetBackendSessionID records the agent-internal session id.
func (s *Session) SetBackendSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendSessionID = id
}

// AddConsumer registers a socket. Unauthenticated consumers get an
// anonymous display name from the per-session counter.
func (s *Session) AddConsumer(sock Socket, identity protocol.Identity, limiter *rate.Limiter) *Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity.DisplayName == "" {
		s.anonIdx++
		identity.DisplayName = fmt.Sprintf("Guest %d", s.anonIdx)
	}
	if identity.Role == "" {
		identity.Role = "participant"
	}
	c := &Consumer{Identity: identity, Limiter: limiter}
	s.consumers[sock] = c
	return c
}

// RemoveConsumer unregisters a socket and reports the remaining count.
func (s *Session) RemoveConsumer(sock Socket) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, sock)
	return len(s.consumers)
}

// ConsumerOf looks up the consumer for a socket.
func (s *Session) ConsumerOf(sock Socket) *Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[sock]
}

// ConsumerCount reports the number of attached sockets.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// sockets snapshots the socket set for iteration outside the lock.
func (s *Session) sockets() []Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Socket, 0, len(s.consumers))
	for sock := range s.consumers {
		out = append(out, sock)
	}
	return out
}

// LastStatus returns the backend-reported status ("" before the first).
func (s *Session) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// SetLastStatus records the backend-reported status.
func (s *Session) SetLastStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
}

// Queued returns the parked message, if any.
func (s *Session) Queued() *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// SetQueued parks a message; fails when one is already parked.
func (s *Session) SetQueued(q *QueuedMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued != nil {
		return false
	}
	s.queued = q
	return true
}

// TakeQueued removes and returns the parked message.
func (s *Session) TakeQueued() *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued
	s.queued = nil
	return q
}

// UpdateQueued replaces the parked content when author matches.
func (s *Session) UpdateQueued(authorID, content string, images []protocol.ImageAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return fmt.Errorf("no queued message")
	}
	if s.queued.AuthorID != authorID {
		return fmt.Errorf("queued message belongs to another consumer")
	}
	s.queued.Content = content
	s.queued.Images = images
	return nil
}

// CancelQueued drops the parked message when author matches.
func (s *Session) CancelQueued(authorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return fmt.Errorf("no queued message")
	}
	if s.queued.AuthorID != authorID {
		return fmt.Errorf("queued message belongs to another consumer")
	}
	s.queued = nil
	return nil
}

// PushPassthrough appends a pending slash passthrough.
func (s *Session) PushPassthrough(e passthroughEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthroughs = append(s.passthroughs, e)
}

// PopPassthrough removes the oldest pending passthrough, FIFO.
func (s *Session) PopPassthrough() (passthroughEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passthroughs) == 0 {
		return passthroughEntry{}, false
	}
	e := s.passthroughs[0]
	s.passthroughs = s.passthroughs[1:]
	return e, true
}

// MarkNamed flips the first-turn-naming latch; reports whether this call
// won it.
func (s *Session) MarkNamed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.named {
		return false
	}
	s.named = true
	return true
}

// SetSlashExecutor installs the adapter's native slash executor.
func (s *Session) SetSlashExecutor(e adapter.SlashExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slashExecutor = e
}

// SlashExecutor returns the native executor, if any.
func (s *Session) SlashExecutor() adapter.SlashExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slashExecutor
}

// SetSupportsPassthrough records whether the backend accepts slash
// passthrough.
func (s *Session) SetSupportsPassthrough(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supportsPassthrough = v
}

// SupportsPassthrough reports whether slash passthrough is available.
func (s *Session) SupportsPassthrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsPassthrough
}
