// Package unified defines the normalized message envelope shared by every
// backend adapter and every consumer of the gateway. Adapters translate their
// wire formats into Messages; the session runtime only ever routes Messages.
package unified

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of message variants.
type Type string

const (
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeAssistant           Type = "assistant"
	TypeResult              Type = "result"
	TypeStreamEvent         Type = "stream_event"
	TypePermissionRequest   Type = "permission_request"
	TypeControlResponse     Type = "control_response"
	TypeToolProgress        Type = "tool_progress"
	TypeToolUseSummary      Type = "tool_use_summary"
	TypeAuthStatus          Type = "auth_status"
	TypeUserMessage         Type = "user_message"
	TypePermissionResponse  Type = "permission_response"
	TypeInterrupt           Type = "interrupt"
	TypeConfigurationChange Type = "configuration_change"
	TypeUnknown             Type = "unknown"
)

// Role identifies the party a message speaks for.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

var validTypes = map[Type]bool{
	TypeSessionInit: true, TypeStatusChange: true, TypeAssistant: true,
	TypeResult: true, TypeStreamEvent: true, TypePermissionRequest: true,
	TypeControlResponse: true, TypeToolProgress: true, TypeToolUseSummary: true,
	TypeAuthStatus: true, TypeUserMessage: true, TypePermissionResponse: true,
	TypeInterrupt: true, TypeConfigurationChange: true, TypeUnknown: true,
}

var validRoles = map[Role]bool{
	RoleUser: true, RoleAssistant: true, RoleSystem: true, RoleTool: true,
}

// ParseType returns the Type for s, or (TypeUnknown, false) if s is not a
// known variant.
func ParseType(s string) (Type, bool) {
	t := Type(s)
	if validTypes[t] {
		return t, true
	}
	return TypeUnknown, false
}

// ParseRole returns the Role for s, or (RoleSystem, false) if unknown.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	if validRoles[r] {
		return r, true
	}
	return RoleSystem, false
}

// Message is the normalized envelope. Treat instances as immutable once
// handed to the runtime: adapters build them, everything downstream only
// reads them.
type Message struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Type      Type           `json:"type"`
	Role      Role           `json:"role"`
	Content   []Content      `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	ParentID  string         `json:"parent_id,omitempty"`
}

// New builds a message with a fresh UUID and the current wall-clock
// timestamp. Content and metadata are never nil on the returned message.
func New(t Type, role Role, content []Content, metadata map[string]any) *Message {
	if content == nil {
		content = []Content{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Type:      t,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
}

// NewText is shorthand for a single-text-block message.
func NewText(t Type, role Role, text string) *Message {
	return New(t, role, []Content{Text(text)}, nil)
}

// IsValid reports whether m satisfies the envelope invariants: non-empty id,
// positive timestamp, known type and role, non-nil content and metadata.
func IsValid(m *Message) bool {
	if m == nil {
		return false
	}
	if m.ID == "" || m.Timestamp <= 0 {
		return false
	}
	if !validTypes[m.Type] || !validRoles[m.Role] {
		return false
	}
	if m.Content == nil || m.Metadata == nil {
		return false
	}
	return true
}

// FirstText returns the text of the first text block, or "".
func (m *Message) FirstText() string {
	for _, c := range m.Content {
		if c.Type == ContentText {
			return c.Text
		}
	}
	return ""
}

// MetaString reads a string metadata value, or "" when absent or not a string.
func (m *Message) MetaString(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}
