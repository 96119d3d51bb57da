package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default permission prompt expiry.
const DefaultPermissionTimeout = 2 * time.Minute

// Decision answers one permission request.
type Decision struct {
	Behavior     string         `json:"behavior"` // "allow" | "deny"
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// PendingPermission is the bookkeeping record for one in-flight prompt.
type PendingPermission struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Suggestions any            `json:"suggestions,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	ExpiresAt   int64          `json:"expires_at"`
}

type permWaiter struct {
	record PendingPermission
	ch     chan Decision
	timer  *time.Timer
}

// PermissionBridge correlates agent-side "wait for a decision" with
// consumer-side "respond to request id". Each request resolves exactly
// once: by a consumer, by the expiry timer (deny), or by CancelAll (deny).
type PermissionBridge struct {
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]*permWaiter
}

// NewPermissionBridge creates a bridge with the given expiry (zero selects
// the 2-minute default).
func NewPermissionBridge(timeout time.Duration) *PermissionBridge {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &PermissionBridge{
		timeout: timeout,
		waiters: make(map[string]*permWaiter),
	}
}

// Register tracks a new request and returns its decision channel. When
// requestID is empty a fresh id is minted. The channel receives exactly one
// Decision.
func (b *PermissionBridge) Register(requestID, toolName string, input map[string]any, toolUseID string) (PendingPermission, <-chan Decision) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now()
	record := PendingPermission{
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
		ToolUseID: toolUseID,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(b.timeout).UnixMilli(),
	}
	w := &permWaiter{record: record, ch: make(chan Decision, 1)}

	// Register before arming the timer so an expiry always finds the waiter.
	b.mu.Lock()
	b.waiters[requestID] = w
	w.timer = time.AfterFunc(b.timeout, func() {
		b.Resolve(requestID, Decision{Behavior: "deny", Message: "Permission request timed out"})
	})
	b.mu.Unlock()
	return record, w.ch
}

// Resolve delivers the decision for requestID. Unknown ids (late responses
// after expiry) are ignored; returns whether a waiter was resolved.
func (b *PermissionBridge) Resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	w, ok := b.waiters[requestID]
	if ok {
		delete(b.waiters, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	w.ch <- d
	return true
}

// CancelAll denies every pending waiter with "Session closed".
func (b *PermissionBridge) CancelAll() {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = make(map[string]*permWaiter)
	b.mu.Unlock()
	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- Decision{Behavior: "deny", Message: "Session closed"}
	}
}

// PendingCount reports the number of unresolved requests.
func (b *PermissionBridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Pending snapshots the unresolved records, for state snapshots and replay.
func (b *PermissionBridge) Pending() []PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingPermission, 0, len(b.waiters))
	for _, w := range b.waiters {
		out = append(out, w.record)
	}
	return out
}
