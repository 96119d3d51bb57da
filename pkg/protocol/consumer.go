// Package protocol defines the consumer-facing WebSocket wire frames and
// close codes. Consumers send Inbound frames; the gateway answers with
// Outbound frames, each stamped with a per-session sequence number.
package protocol

import "encoding/json"

// Inbound frame types (consumer → gateway).
const (
	InUserMessage         = "user_message"
	InPermissionResponse  = "permission_response"
	InInterrupt           = "interrupt"
	InSetModel            = "set_model"
	InSetPermissionMode   = "set_permission_mode"
	InSlashCommand        = "slash_command"
	InQueueMessage        = "queue_message"
	InUpdateQueuedMessage = "update_queued_message"
	InCancelQueuedMessage = "cancel_queued_message"
	InPresenceQuery       = "presence_query"
	InSetAdapter          = "set_adapter"
)

// ImageAttachment is an inline image on a user or queued message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Inbound is the tagged union of consumer commands. Type determines which
// fields are meaningful.
type Inbound struct {
	Type string `json:"type"`

	// user_message / queue_message / update_queued_message
	Content   string            `json:"content,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Images    []ImageAttachment `json:"images,omitempty"`

	// permission_response
	RequestID          string           `json:"request_id,omitempty"`
	Behavior           string           `json:"behavior,omitempty"` // "allow" | "deny"
	UpdatedInput       map[string]any   `json:"updated_input,omitempty"`
	UpdatedPermissions []map[string]any `json:"updated_permissions,omitempty"`
	Message            string           `json:"message,omitempty"`

	// set_model / set_permission_mode
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`

	// slash_command (RequestID shared with permission_response)
	Command string `json:"command,omitempty"`

	// set_adapter
	Adapter string `json:"adapter,omitempty"`
}

// ParseInbound decodes one consumer frame.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}
