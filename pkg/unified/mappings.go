package unified

// CLIWireToUnified maps agent-CLI wire message types onto unified types.
// Adapters whose agents speak the stream-json CLI dialect use this table as
// the first dispatch step; anything absent maps to TypeUnknown.
var CLIWireToUnified = map[string]Type{
	"system:init":      TypeSessionInit,
	"system":           TypeStatusChange,
	"assistant":        TypeAssistant,
	"result":           TypeResult,
	"stream_event":     TypeStreamEvent,
	"control_request":  TypePermissionRequest,
	"control_response": TypeControlResponse,
	"tool_progress":    TypeToolProgress,
	"tool_use_summary": TypeToolUseSummary,
	"auth_status":      TypeAuthStatus,
	"keep_alive":       TypeUnknown,
}

// InboundToUnified maps consumer inbound command types onto the unified
// types the runtime sends toward backends.
var InboundToUnified = map[string]Type{
	"user_message":        TypeUserMessage,
	"permission_response": TypePermissionResponse,
	"interrupt":           TypeInterrupt,
	"set_model":           TypeConfigurationChange,
	"set_permission_mode": TypeConfigurationChange,
}

// MapCLIWire resolves a CLI wire type, defaulting to TypeUnknown.
func MapCLIWire(wire string) Type {
	if t, ok := CLIWireToUnified[wire]; ok {
		return t
	}
	return TypeUnknown
}

// MapInbound resolves a consumer command type, defaulting to TypeUnknown.
func MapInbound(cmd string) Type {
	if t, ok := InboundToUnified[cmd]; ok {
		return t
	}
	return TypeUnknown
}
