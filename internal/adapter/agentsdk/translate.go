package agentsdk

import (
	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// translateSDKMessage maps one raw SDK message to a unified message.
// The SDK echoes the caller's own user messages back through the iterator;
// those translate to nil so consumers never see their text twice.
func translateSDKMessage(raw map[string]any) *unified.Message {
	wireType, _ := raw["type"].(string)

	// Suppressed adapter-internal echo.
	if wireType == "user" || wireType == "user_message" {
		return nil
	}

	switch unified.MapCLIWire(wireType) {
	case unified.TypeAssistant:
		return unified.New(unified.TypeAssistant, unified.RoleAssistant,
			contentBlocks(raw), map[string]any{adapter.MetaRawEvent: wireType})

	case unified.TypeResult:
		meta := map[string]any{
			adapter.MetaIsError:    raw["is_error"] == true,
			adapter.MetaStopReason: raw["stop_reason"],
		}
		if usage, ok := raw["usage"]; ok {
			meta["usage"] = usage
		}
		if errs, ok := raw["errors"]; ok {
			meta["errors"] = errs
		}
		return unified.New(unified.TypeResult, unified.RoleSystem, nil, meta)

	case unified.TypeStreamEvent:
		delta := ""
		if ev, ok := raw["event"].(map[string]any); ok {
			if d, ok := ev["delta"].(map[string]any); ok {
				delta, _ = d["text"].(string)
			}
		}
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant,
			[]unified.Content{unified.Text(delta)},
			map[string]any{"delta": delta, adapter.MetaRawEvent: raw["event"]})

	case unified.TypeStatusChange:
		status, _ := raw["status"].(string)
		if subtype, _ := raw["subtype"].(string); subtype == "init" {
			// system:init arrives as {"type":"system","subtype":"init"}.
			meta := map[string]any{}
			if sid, ok := raw["session_id"].(string); ok {
				meta[adapter.MetaBackendSessionID] = sid
			}
			if model, ok := raw["model"].(string); ok {
				meta[adapter.MetaModel] = model
			}
			return unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, meta)
		}
		return unified.New(unified.TypeStatusChange, unified.RoleSystem, nil, map[string]any{
			adapter.MetaStatus: status,
		})

	default:
		return unified.New(unified.TypeUnknown, unified.RoleSystem, nil, map[string]any{
			adapter.MetaRawEvent: wireType,
		})
	}
}

// contentBlocks converts the SDK content array.
func contentBlocks(raw map[string]any) []unified.Content {
	var out []unified.Content
	msg, ok := raw["message"].(map[string]any)
	if !ok {
		msg = raw
	}
	items, _ := msg["content"].([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case "text":
			text, _ := m["text"].(string)
			out = append(out, unified.Text(text))
		case "thinking":
			text, _ := m["thinking"].(string)
			out = append(out, unified.Thinking(text))
		case "tool_use":
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			input, _ := m["input"].(map[string]any)
			out = append(out, unified.ToolUse(id, name, input))
		case "tool_result":
			tuid, _ := m["tool_use_id"].(string)
			isErr, _ := m["is_error"].(bool)
			out = append(out, unified.ToolResult(tuid, m["content"], isErr))
		}
	}
	return out
}
