package codex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/adaptertest"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// fakeAppServer speaks just enough of the app-server protocol: it answers
// initialize, acks turn.create while streaming a canned response, and
// records approval.respond calls.
type fakeAppServer struct {
	t  *testing.T
	mu sync.Mutex

	approvals []map[string]any
}

func (f *fakeAppServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		defer conn.CloseNow()

		write := func(v any) {
			data, _ := json.Marshal(v)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			switch m["method"] {
			case "initialize":
				write(map[string]any{"jsonrpc": "2.0", "id": m["id"],
					"result": map[string]any{"serverInfo": map[string]any{"name": "fake-codex"}}})
			case "initialized":
				// notification, nothing to answer
			case "turn.create":
				write(map[string]any{"jsonrpc": "2.0", "id": m["id"], "result": map[string]any{}})
				write(map[string]any{"jsonrpc": "2.0", "method": "response.output_text.delta",
					"params": map[string]any{"delta": "ec"}})
				write(map[string]any{"jsonrpc": "2.0", "method": "response.output_text.delta",
					"params": map[string]any{"delta": "ho"}})
				write(map[string]any{"jsonrpc": "2.0", "method": "response.output_item.done",
					"params": map[string]any{"item": map[string]any{"type": "message", "text": "echo"}}})
				write(map[string]any{"jsonrpc": "2.0", "method": "response.completed",
					"params": map[string]any{"response": map[string]any{"status": "completed"}}})
			case "approval.respond":
				params, _ := m["params"].(map[string]any)
				f.mu.Lock()
				f.approvals = append(f.approvals, params)
				f.mu.Unlock()
				write(map[string]any{"jsonrpc": "2.0", "id": m["id"], "result": map[string]any{}})
			}
		}
	}
}

func newFakeServer(t *testing.T) (*fakeAppServer, string) {
	t.Helper()
	f := &fakeAppServer{t: t}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newAdapter(t *testing.T) *Adapter {
	_, url := newFakeServer(t)
	sup := supervisor.New(bus.New(), time.Second, 0)
	return New(config.AdapterOptions{BaseURL: url}, sup)
}

func TestCompliance(t *testing.T) {
	adaptertest.RunCompliance(t, func(t *testing.T) adapter.Adapter {
		return newAdapter(t)
	})
}

func collect(t *testing.T, s adapter.Session, until unified.Type) []*unified.Message {
	t.Helper()
	var out []*unified.Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				t.Fatalf("stream ended; got %d messages", len(out))
			}
			out = append(out, msg)
			if msg.Type == until {
				return out
			}
		case <-deadline:
			t.Fatalf("never saw %s; got %d messages", until, len(out))
		}
	}
}

func TestTurnStreamsAndCompletes(t *testing.T) {
	a := newAdapter(t)
	s, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "hi")); err != nil {
		t.Fatal(err)
	}
	msgs := collect(t, s, unified.TypeResult)

	var deltas []string
	var sawAssistant, sawInit bool
	for _, m := range msgs {
		switch m.Type {
		case unified.TypeSessionInit:
			sawInit = true
		case unified.TypeStreamEvent:
			deltas = append(deltas, m.MetaString("delta"))
		case unified.TypeAssistant:
			sawAssistant = true
			if m.FirstText() != "echo" {
				t.Errorf("assistant text = %q", m.FirstText())
			}
			if m.Metadata[adapter.MetaDone] != true {
				t.Error("assistant missing done flag")
			}
		}
	}
	if !sawInit || !sawAssistant {
		t.Errorf("init=%v assistant=%v", sawInit, sawAssistant)
	}
	if strings.Join(deltas, "") != "echo" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestApprovalRespond(t *testing.T) {
	f, url := newFakeServer(t)
	sup := supervisor.New(bus.New(), time.Second, 0)
	a := New(config.AdapterOptions{BaseURL: url}, sup)

	s, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pr := s.(adapter.PermissionResponder)
	if err := pr.RespondToPermission("call_7", "allow", nil, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.approvals)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.approvals) != 1 {
		t.Fatalf("approvals = %v", f.approvals)
	}
	if f.approvals[0]["call_id"] != "call_7" || f.approvals[0]["approve"] != true {
		t.Errorf("approval = %v", f.approvals[0])
	}
}

func TestTranslateEventTable(t *testing.T) {
	raw := func(v any) json.RawMessage { b, _ := json.Marshal(v); return b }

	tests := []struct {
		method   string
		params   json.RawMessage
		wantType unified.Type
	}{
		{"response.output_text.delta", raw(map[string]any{"delta": "x"}), unified.TypeStreamEvent},
		{"response.output_item.done", raw(map[string]any{"item": map[string]any{"text": "x"}}), unified.TypeAssistant},
		{"response.completed", raw(map[string]any{"response": map[string]any{}}), unified.TypeResult},
		{"approval_requested", raw(map[string]any{"call_id": "c1", "tool_name": "Bash"}), unified.TypePermissionRequest},
		{"something.else", nil, unified.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			msg := translateEvent(tt.method, tt.params)
			if msg == nil {
				t.Fatal("nil message")
			}
			if msg.Type != tt.wantType {
				t.Errorf("type = %s, want %s", msg.Type, tt.wantType)
			}
		})
	}

	if msg := translateEvent("response.completed", json.RawMessage("{bad")); msg != nil {
		t.Error("malformed params should be dropped")
	}
}

func TestPermissionRequestCarriesCallID(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"call_id": "c9", "tool_name": "Write", "input": map[string]any{"path": "x"}})
	msg := translateEvent("approval_requested", raw)
	if msg.MetaString(adapter.MetaRequestID) != "c9" {
		t.Errorf("request id = %q", msg.MetaString(adapter.MetaRequestID))
	}
}
