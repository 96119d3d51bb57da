package acp

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// sessionUpdateParams is the common envelope of session/update notifications.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type sessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk
	Content *contentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update
	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`

	// plan
	Entries json.RawMessage `json:"entries,omitempty"`

	// available_commands_update
	AvailableCommands json.RawMessage `json:"availableCommands,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// translateSessionUpdate maps one session/update notification to a unified
// message. Unrecognized updates become TypeUnknown with the raw event kept
// in metadata; malformed params yield nil (skip).
func translateSessionUpdate(params json.RawMessage) *unified.Message {
	var env sessionUpdateParams
	if err := json.Unmarshal(params, &env); err != nil {
		return nil
	}
	var up sessionUpdate
	if err := json.Unmarshal(env.Update, &up); err != nil {
		return nil
	}

	switch up.SessionUpdate {
	case "agent_message_chunk":
		text := ""
		if up.Content != nil {
			text = up.Content.Text
		}
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant,
			[]unified.Content{unified.Text(text)},
			map[string]any{"delta": text})

	case "agent_thought_chunk":
		text := ""
		if up.Content != nil {
			text = up.Content.Text
		}
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant,
			[]unified.Content{unified.Thinking(text)},
			map[string]any{"thinking": true})

	case "tool_call":
		return unified.New(unified.TypeToolProgress, unified.RoleTool, nil, map[string]any{
			adapter.MetaToolUseID: up.ToolCallID,
			adapter.MetaToolName:  up.Title,
			"kind":                up.Kind,
			adapter.MetaStatus:    up.Status,
			"input":               up.RawInput,
		})

	case "tool_call_update":
		meta := map[string]any{
			adapter.MetaToolUseID: up.ToolCallID,
			adapter.MetaStatus:    up.Status,
		}
		// Running updates stay progress; terminal states become summaries.
		if up.Status == "completed" || up.Status == "failed" {
			meta[adapter.MetaIsError] = up.Status == "failed"
			return unified.New(unified.TypeToolUseSummary, unified.RoleTool, nil, meta)
		}
		return unified.New(unified.TypeToolProgress, unified.RoleTool, nil, meta)

	case "plan":
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant, nil, map[string]any{
			"plan": json.RawMessage(up.Entries),
		})

	case "available_commands_update":
		return unified.New(unified.TypeConfigurationChange, unified.RoleSystem, nil, map[string]any{
			adapter.MetaSlashCommands: json.RawMessage(up.AvailableCommands),
		})

	case "current_mode_update":
		return unified.New(unified.TypeConfigurationChange, unified.RoleSystem, nil, map[string]any{
			adapter.MetaPermissionMode: up.CurrentModeID,
		})

	default:
		return unified.New(unified.TypeUnknown, unified.RoleSystem, nil, map[string]any{
			adapter.MetaRawEvent: string(env.Update),
		})
	}
}

// requestPermissionParams is the agent's permission prompt.
type requestPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string         `json:"toolCallId"`
		Title      string         `json:"title"`
		Kind       string         `json:"kind"`
		RawInput   map[string]any `json:"rawInput"`
	} `json:"toolCall"`
	Options json.RawMessage `json:"options"`
}

// translatePermissionRequest maps session/request_permission params to a
// permission_request message with a fresh gateway request id.
func translatePermissionRequest(params json.RawMessage) *unified.Message {
	var req requestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil
	}
	return unified.New(unified.TypePermissionRequest, unified.RoleSystem, nil, map[string]any{
		adapter.MetaRequestID:   uuid.NewString(),
		adapter.MetaToolName:    req.ToolCall.Title,
		adapter.MetaToolUseID:   req.ToolCall.ToolCallID,
		"kind":                  req.ToolCall.Kind,
		"input":                 req.ToolCall.RawInput,
		adapter.MetaSuggestions: json.RawMessage(req.Options),
	})
}
