package mock

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/adaptertest"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

func TestCompliance(t *testing.T) {
	adaptertest.RunCompliance(t, func(t *testing.T) adapter.Adapter {
		return New()
	})
}

func collectUntil(t *testing.T, s *Session, typ unified.Type) []*unified.Message {
	t.Helper()
	var got []*unified.Message
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				t.Fatal("stream closed early")
			}
			got = append(got, msg)
			if msg.Type == typ {
				return got
			}
		case <-deadline:
			t.Fatalf("never saw %s; got %d messages", typ, len(got))
		}
	}
}

func TestEchoTurn(t *testing.T) {
	a := New()
	s, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	ms := s.(*Session)

	if err := ms.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "ping")); err != nil {
		t.Fatal(err)
	}
	msgs := collectUntil(t, ms, unified.TypeResult)

	var sawInit, sawAssistant bool
	for _, m := range msgs {
		switch m.Type {
		case unified.TypeSessionInit:
			sawInit = true
			if m.MetaString(adapter.MetaBackendSessionID) != "mock-s1" {
				t.Errorf("backend session id = %q", m.MetaString(adapter.MetaBackendSessionID))
			}
		case unified.TypeAssistant:
			sawAssistant = true
			if m.FirstText() != "echo: ping" {
				t.Errorf("assistant text = %q", m.FirstText())
			}
		}
	}
	if !sawInit || !sawAssistant {
		t.Errorf("init=%v assistant=%v", sawInit, sawAssistant)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	a := New()
	s, _ := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	ms := s.(*Session)

	reqID := ms.EmitPermissionRequest("Bash", map[string]any{"command": "rm -rf /"})
	if err := ms.RespondToPermission(reqID, "deny", nil, "too dangerous"); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-ms.Decisions():
		if d.RequestID != reqID || d.Behavior != "deny" || d.Message != "too dangerous" {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision recorded")
	}
}
