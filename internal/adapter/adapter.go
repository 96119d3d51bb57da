// Package adapter defines the contract between the gateway core and the
// backend families. An Adapter dials one agent product; a Session is one
// live conversation. Everything the runtime routes in or out of a backend
// is a unified.Message — adapters own all wire-format translation.
//
// Optional capabilities (interrupt, reconfiguration, raw writes, permission
// responses) are separate interfaces checked by type assertion, the same way
// channel extensions work elsewhere in this codebase: presence of the method
// set is the capability.
package adapter

import (
	"context"

	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// Availability describes where an adapter's backend runs.
const (
	AvailabilityLocal  = "local"
	AvailabilityRemote = "remote"
	AvailabilityBoth   = "both"
)

// Capabilities advertises what an adapter family supports.
type Capabilities struct {
	Streaming     bool   `json:"streaming"`
	Permissions   bool   `json:"permissions"`
	SlashCommands bool   `json:"slash_commands"`
	Availability  string `json:"availability"`
	Teams         bool   `json:"teams"`
}

// ConnectOptions parameterize one session connection.
type ConnectOptions struct {
	SessionID string
	// Resume carries the backend-internal session id to reattach to after a
	// process restart; empty for fresh sessions.
	Resume  string
	Cwd     string
	Model   string
	Options map[string]string
}

// Adapter is one backend family. Implementations holding shared state
// (spawned servers, pooled connections) are cached as singletons by the
// Resolver.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Connect opens a backend session. Transport and spawn failures surface
	// as connection-kind errors.
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// Session is one live backend conversation.
type Session interface {
	// SessionID echoes ConnectOptions.SessionID.
	SessionID() string
	// Send fails with a session_closed-kind error after Close.
	Send(msg *unified.Message) error
	// Messages yields translated inbound messages and is closed when the
	// transport ends. At most one consumer may range over it.
	Messages() <-chan *unified.Message
	// Close is idempotent: the first call terminates the stream and releases
	// the transport, later calls return nil.
	Close() error
}

// RawSender is the escape hatch for protocols needing verbatim wire bytes.
type RawSender interface {
	SendRaw(line string) error
}

// Interruptible sessions can cancel the in-flight turn.
type Interruptible interface {
	Interrupt() error
}

// Configurable sessions accept mid-conversation reconfiguration.
type Configurable interface {
	SetModel(model string) error
	SetPermissionMode(mode string) error
}

// PermissionResponder sessions accept decisions for permission requests they
// emitted (matched by the request id carried in the message metadata).
type PermissionResponder interface {
	RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error
}

// SlashExecutor runs slash commands natively on the backend.
type SlashExecutor interface {
	Handles(command string) bool
	Execute(ctx context.Context, sessionID, command string) (string, error)
}

// SlashProvider adapters expose a native slash executor.
type SlashProvider interface {
	CreateSlashExecutor() SlashExecutor
}

// SlashPassthrough adapters accept slash commands as plain user messages and
// answer them with the next result.
type SlashPassthrough interface {
	SupportsSlashPassthrough() bool
}

// Stopper adapters need adapter-wide cleanup (shared servers, pools).
type Stopper interface {
	Stop() error
}

// Inverted adapters spawn a backend that dials back into the gateway instead
// of being connected to; the coordinator treats their session creation
// differently.
type Inverted interface {
	Inverted() bool
}

// Metadata keys adapters stamp onto translated messages. Kept here so the
// runtime and every family agree on spelling.
const (
	MetaBackendSessionID = "backend_session_id"
	MetaRequestID        = "request_id"
	MetaToolName         = "tool_name"
	MetaToolUseID        = "tool_use_id"
	MetaStatus           = "status"
	MetaModel            = "model"
	MetaPermissionMode   = "permission_mode"
	MetaIsError          = "is_error"
	MetaStopReason       = "stop_reason"
	MetaRawEvent         = "raw_event"
	MetaDone             = "done"
	MetaSuggestions      = "suggestions"
	MetaSlashCommands    = "slash_commands"
)
