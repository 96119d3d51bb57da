package protocol

import "encoding/json"

// Outbound frame types (gateway → consumer).
const (
	OutIdentity              = "identity"
	OutSessionInit           = "session_init"
	OutMessageHistory        = "message_history"
	OutUserMessage           = "user_message"
	OutAssistant             = "assistant"
	OutResult                = "result"
	OutStreamEvent           = "stream_event"
	OutPermissionRequest     = "permission_request"
	OutControlResponse       = "control_response"
	OutToolProgress          = "tool_progress"
	OutToolUseSummary        = "tool_use_summary"
	OutAuthStatus            = "auth_status"
	OutStatusChange          = "status_change"
	OutCLIConnected          = "cli_connected"
	OutCLIDisconnected       = "cli_disconnected"
	OutPresenceUpdate        = "presence_update"
	OutMessageQueued         = "message_queued"
	OutQueuedMessageUpdated  = "queued_message_updated"
	OutQueuedMessageCanceled = "queued_message_cancelled"
	OutQueuedMessageSent     = "queued_message_sent"
	OutSlashCommandResult    = "slash_command_result"
	OutSlashCommandError     = "slash_command_error"
	OutInterrupt             = "interrupt"
	OutError                 = "error"
	OutWarning               = "warning"
)

// Identity describes one consumer of a session.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // "participant" | "observer"
}

// PresenceEntry is one consumer in a presence snapshot.
type PresenceEntry struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Outbound is the tagged union of gateway → consumer frames. Seq is stamped
// by the broadcaster: monotonically increasing per session, starting at 1,
// no gaps.
type Outbound struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	// assistant / stream_event / error (message carries a string for errors)
	Message         any    `json:"message,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// result
	Data any `json:"data,omitempty"`

	// stream_event
	Event any `json:"event,omitempty"`

	// permission_request
	Request any `json:"request,omitempty"`

	// session_init
	Session map[string]any `json:"session,omitempty"`

	// message_history
	Messages []json.RawMessage `json:"messages,omitempty"`

	// identity
	Identity *Identity `json:"identity,omitempty"`

	// presence_update
	Presence []PresenceEntry `json:"presence,omitempty"`

	// slash_command_result / slash_command_error (Content also carries the
	// text of queue frames)
	Command   string `json:"command,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Source    string `json:"source,omitempty"` // "emulated" | "native" | "passthrough"
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`

	// status_change / control_response / auth_status / tool_progress /
	// tool_use_summary
	Status   string `json:"status,omitempty"`
	Behavior string `json:"behavior,omitempty"`
	Detail   any    `json:"detail,omitempty"`
}

// Encode serializes one outbound frame.
func (o *Outbound) Encode() ([]byte, error) { return json.Marshal(o) }

// ErrorFrame builds an error frame for a single consumer.
func ErrorFrame(message string) *Outbound {
	return &Outbound{Type: OutError, Message: message}
}
