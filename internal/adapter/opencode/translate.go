package opencode

import (
	"encoding/json"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// serverEvent is the envelope of every SSE payload.
type serverEvent struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// sessionID digs the session id out of the event properties. Part-scoped
// events nest it inside the part.
func (e *serverEvent) sessionID() string {
	if e.Properties == nil {
		return ""
	}
	if sid, ok := e.Properties["sessionID"].(string); ok && sid != "" {
		return sid
	}
	if part, ok := e.Properties["part"].(map[string]any); ok {
		if sid, ok := part["sessionID"].(string); ok {
			return sid
		}
	}
	if info, ok := e.Properties["info"].(map[string]any); ok {
		if sid, ok := info["sessionID"].(string); ok {
			return sid
		}
	}
	return ""
}

// translateEvent maps one server event to a unified message.
func translateEvent(ev *serverEvent) *unified.Message {
	switch ev.Type {
	case "message.part.updated":
		part, _ := ev.Properties["part"].(map[string]any)
		partType, _ := part["type"].(string)
		if partType != "text" {
			return unified.New(unified.TypeUnknown, unified.RoleSystem, nil, map[string]any{
				adapter.MetaRawEvent: ev.Type,
			})
		}
		delta, _ := ev.Properties["delta"].(string)
		if delta == "" {
			delta, _ = part["text"].(string)
		}
		return unified.New(unified.TypeStreamEvent, unified.RoleAssistant,
			[]unified.Content{unified.Text(delta)},
			map[string]any{"delta": delta})

	case "session.status":
		status := ""
		switch v := ev.Properties["status"].(type) {
		case string:
			status = v
		case map[string]any:
			if t, ok := v["type"].(string); ok {
				status = t
			}
		}
		return unified.New(unified.TypeStatusChange, unified.RoleSystem, nil, map[string]any{
			adapter.MetaStatus: normalizeStatus(status),
		})

	case "permission.updated":
		id, _ := ev.Properties["id"].(string)
		title, _ := ev.Properties["title"].(string)
		return unified.New(unified.TypePermissionRequest, unified.RoleSystem, nil, map[string]any{
			adapter.MetaRequestID: id,
			adapter.MetaToolName:  title,
			"input":               ev.Properties["metadata"],
		})

	case "session.error":
		errText := "backend error"
		if e, ok := ev.Properties["error"].(map[string]any); ok {
			if name, ok := e["name"].(string); ok {
				errText = name
			}
		} else if e, ok := ev.Properties["error"].(string); ok {
			errText = e
		}
		return unified.New(unified.TypeResult, unified.RoleSystem, nil, map[string]any{
			adapter.MetaIsError:    true,
			"errors":               []string{errText},
			adapter.MetaStopReason: nil,
		})

	case "session.idle":
		return unified.New(unified.TypeStatusChange, unified.RoleSystem, nil, map[string]any{
			adapter.MetaStatus: "idle",
		})

	default:
		raw, _ := json.Marshal(ev.Properties)
		return unified.New(unified.TypeUnknown, unified.RoleSystem, nil, map[string]any{
			adapter.MetaRawEvent: ev.Type,
			"properties":         json.RawMessage(raw),
		})
	}
}

// normalizeStatus folds the server's status vocabulary onto the runtime's
// running|idle|compacting triple.
func normalizeStatus(status string) string {
	switch status {
	case "busy", "running", "working":
		return "running"
	case "idle", "done", "":
		return "idle"
	case "compacting", "summarizing":
		return "compacting"
	default:
		return status
	}
}
