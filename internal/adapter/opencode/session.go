package opencode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

type session struct {
	id        string
	backendID string
	dir       string
	adapter   *Adapter
	baseURL   string

	msgs chan *unified.Message

	mu     sync.Mutex
	closed bool
}

var (
	_ adapter.Session             = (*session)(nil)
	_ adapter.Interruptible       = (*session)(nil)
	_ adapter.PermissionResponder = (*session)(nil)
	_ adapter.SlashPassthrough    = (*session)(nil)
)

func (s *session) SessionID() string                 { return s.id }
func (s *session) Messages() <-chan *unified.Message { return s.msgs }

func (s *session) SupportsSlashPassthrough() bool { return true }

func (s *session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		slog.Warn("opencode message buffer full, dropping", "sessionId", s.id, "type", msg.Type)
	}
}

// post issues one directory-scoped REST call.
func (s *session) post(path string, body any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	u := fmt.Sprintf("%s%s?directory=%s", s.baseURL, path, url.QueryEscape(s.dir))
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(directoryHeader, s.dir)
	s.adapter.applyAuth(req)

	resp, err := s.adapter.httpc.Do(req)
	if err != nil {
		return gateerr.Connection("opencode "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return gateerr.Newf(gateerr.KindConnection, "opencode %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Send maps runtime messages onto the REST surface.
func (s *session) Send(msg *unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		parts := []map[string]any{}
		for _, c := range msg.Content {
			if c.Type == unified.ContentText {
				parts = append(parts, map[string]any{"type": "text", "text": c.Text})
			}
		}
		return s.post("/session/"+s.backendID+"/prompt_async", map[string]any{"parts": parts})

	case unified.TypeInterrupt:
		return s.post("/session/"+s.backendID+"/abort", nil)

	case unified.TypePermissionResponse:
		requestID := msg.MetaString(adapter.MetaRequestID)
		reply := "reject"
		if msg.MetaString("behavior") == "allow" {
			reply = "once"
			if always, ok := msg.Metadata["always"].(bool); ok && always {
				reply = "always"
			}
		}
		return s.post("/permission/"+requestID+"/reply", map[string]any{"reply": reply})

	default:
		return nil
	}
}

func (s *session) Interrupt() error {
	return s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
}

func (s *session) RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error {
	return s.Send(unified.New(unified.TypePermissionResponse, unified.RoleUser, nil, map[string]any{
		adapter.MetaRequestID: requestID,
		"behavior":            behavior,
	}))
}

// Close unsubscribes from the shared stream. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.msgs)
	s.mu.Unlock()
	s.adapter.unregister(s.backendID)
	return nil
}
