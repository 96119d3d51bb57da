// Package adaptertest holds the compliance suite every backend adapter
// family must pass. Each family's test file calls RunCompliance with a
// factory producing a fresh adapter wired to a test backend.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

const streamTimeout = 5 * time.Second

// RunCompliance exercises the shared adapter contract against factory.
func RunCompliance(t *testing.T, factory func(t *testing.T) adapter.Adapter) {
	t.Helper()

	t.Run("NameAndCapabilities", func(t *testing.T) {
		a := factory(t)
		if a.Name() == "" {
			t.Error("adapter name is empty")
		}
		caps := a.Capabilities()
		switch caps.Availability {
		case adapter.AvailabilityLocal, adapter.AvailabilityRemote, adapter.AvailabilityBoth:
		default:
			t.Errorf("availability %q not in local|remote|both", caps.Availability)
		}
	})

	t.Run("ConnectEchoesSessionID", func(t *testing.T) {
		a := factory(t)
		id := uuid.NewString()
		s := connect(t, a, adapter.ConnectOptions{SessionID: id})
		defer s.Close()
		if s.SessionID() != id {
			t.Errorf("SessionID() = %q, want %q", s.SessionID(), id)
		}
	})

	t.Run("SendThenIterateYieldsValidMessage", func(t *testing.T) {
		a := factory(t)
		s := connect(t, a, adapter.ConnectOptions{SessionID: uuid.NewString()})
		defer s.Close()

		if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "ping")); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				t.Fatal("stream ended before first message")
			}
			if !unified.IsValid(msg) {
				t.Errorf("invalid unified message: %+v", msg)
			}
		case <-time.After(streamTimeout):
			t.Fatal("no message within timeout")
		}
	})

	t.Run("CloseTerminatesStreamAndFailsSend", func(t *testing.T) {
		a := factory(t)
		s := connect(t, a, adapter.ConnectOptions{SessionID: uuid.NewString()})

		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}

		deadline := time.After(streamTimeout)
		for {
			select {
			case _, ok := <-s.Messages():
				if !ok {
					goto closed
				}
			case <-deadline:
				t.Fatal("stream did not terminate after close")
			}
		}
	closed:
		if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "late")); err == nil {
			t.Error("send after close succeeded")
		}
	})

	t.Run("ConcurrentSessionsIndependent", func(t *testing.T) {
		a := factory(t)
		s1 := connect(t, a, adapter.ConnectOptions{SessionID: uuid.NewString()})
		s2 := connect(t, a, adapter.ConnectOptions{SessionID: uuid.NewString()})
		defer s2.Close()

		if err := s1.Close(); err != nil {
			t.Fatalf("close s1: %v", err)
		}
		if err := s2.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "still alive")); err != nil {
			t.Errorf("send on s2 after closing s1: %v", err)
		}
	})

	t.Run("ResumeOptionAccepted", func(t *testing.T) {
		a := factory(t)
		s := connect(t, a, adapter.ConnectOptions{
			SessionID: uuid.NewString(),
			Resume:    "backend-session-1",
		})
		defer s.Close()
	})
}

func connect(t *testing.T, a adapter.Adapter, opts adapter.ConnectOptions) adapter.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := a.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}
