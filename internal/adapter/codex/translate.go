package codex

import (
	"encoding/json"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// translateEvent maps one server notification to a unified message.
// Unmapped methods become TypeUnknown with the raw payload retained;
// unparseable params yield nil (drop).
func translateEvent(method string, params json.RawMessage) *unified.Message {
	var p map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
	}

	switch method {
	case "response.output_text.delta":
		delta, _ := p["delta"].(string)
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant,
			[]unified.Content{unified.Text(delta)},
			map[string]any{"delta": delta})

	case "response.output_item.done":
		text := itemText(p["item"])
		return unified.New(unified.TypeAssistant, unified.RoleAssistant,
			[]unified.Content{unified.Text(text)},
			map[string]any{adapter.MetaDone: true})

	case "response.completed":
		meta := map[string]any{adapter.MetaIsError: false}
		if resp, ok := p["response"].(map[string]any); ok {
			if usage, ok := resp["usage"]; ok {
				meta["usage"] = usage
			}
			if status, ok := resp["status"].(string); ok {
				meta[adapter.MetaStopReason] = status
			}
		}
		return unified.New(unified.TypeResult, unified.RoleSystem, nil, meta)

	case "approval_requested":
		callID, _ := p["call_id"].(string)
		toolName, _ := p["tool_name"].(string)
		meta := map[string]any{
			adapter.MetaRequestID: callID,
			adapter.MetaToolName:  toolName,
			"input":               p["input"],
		}
		return unified.New(unified.TypePermissionRequest, unified.RoleSystem, nil, meta)

	default:
		return unified.New(unified.TypeUnknown, unified.RoleSystem, nil, map[string]any{
			adapter.MetaRawEvent: method,
		})
	}
}

// itemText pulls the text out of a response output item.
func itemText(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	if text, ok := m["text"].(string); ok {
		return text
	}
	if content, ok := m["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					return text
				}
			}
		}
	}
	return ""
}
