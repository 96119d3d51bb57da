package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestHistoryRingTrims(t *testing.T) {
	h := NewHistoryRing(3)
	for i := 1; i <= 5; i++ {
		h.Append(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	snap := h.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d", len(snap))
	}
	if string(snap[0]) != `{"n":3}` || string(snap[2]) != `{"n":5}` {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	legal := []struct{ from, to Lifecycle }{
		{LifecycleCreated, LifecycleActive},
		{LifecycleActive, LifecycleIdle},
		{LifecycleIdle, LifecycleActive},
		{LifecycleActive, LifecycleDegraded},
		{LifecycleDegraded, LifecycleActive},
		{LifecycleCreated, LifecycleClosing},
		{LifecycleActive, LifecycleClosing},
		{LifecycleDegraded, LifecycleClosing},
		{LifecycleClosing, LifecycleClosed},
	}
	for _, tt := range legal {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be legal", tt.from, tt.to)
		}
	}
	illegal := []struct{ from, to Lifecycle }{
		{LifecycleCreated, LifecycleIdle},
		{LifecycleCreated, LifecycleDegraded},
		{LifecycleClosed, LifecycleActive},
		{LifecycleClosed, LifecycleClosing},
		{LifecycleClosing, LifecycleActive},
		{LifecycleDegraded, LifecycleIdle},
	}
	for _, tt := range illegal {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be illegal", tt.from, tt.to)
		}
	}
}

func TestQueuedMessageOwnership(t *testing.T) {
	s := NewSession("s1", 10, time.Minute)

	if !s.SetQueued(&QueuedMessage{Content: "first", AuthorID: "alice"}) {
		t.Fatal("first queue refused")
	}
	if s.SetQueued(&QueuedMessage{Content: "second", AuthorID: "bob"}) {
		t.Error("second queue accepted while one exists")
	}

	if err := s.UpdateQueued("bob", "hack", nil); err == nil {
		t.Error("cross-author update accepted")
	}
	if err := s.UpdateQueued("alice", "edited", nil); err != nil {
		t.Errorf("author update refused: %v", err)
	}
	if s.Queued().Content != "edited" {
		t.Errorf("content = %q", s.Queued().Content)
	}

	if err := s.CancelQueued("bob"); err == nil {
		t.Error("cross-author cancel accepted")
	}
	if err := s.CancelQueued("alice"); err != nil {
		t.Errorf("author cancel refused: %v", err)
	}
	if s.Queued() != nil {
		t.Error("queued not cleared")
	}
}

func TestAnonymousNaming(t *testing.T) {
	s := NewSession("s1", 10, time.Minute)
	c1 := s.AddConsumer(&fakeSocket{}, identityWith(""), nil)
	c2 := s.AddConsumer(&fakeSocket{}, identityWith(""), nil)
	if c1.Identity.DisplayName != "Guest 1" || c2.Identity.DisplayName != "Guest 2" {
		t.Errorf("names = %q, %q", c1.Identity.DisplayName, c2.Identity.DisplayName)
	}
}

func TestPassthroughFIFO(t *testing.T) {
	s := NewSession("s1", 10, time.Minute)
	s.PushPassthrough(passthroughEntry{Command: "/a"})
	s.PushPassthrough(passthroughEntry{Command: "/b"})
	e, ok := s.PopPassthrough()
	if !ok || e.Command != "/a" {
		t.Errorf("first pop = %+v", e)
	}
	e, ok = s.PopPassthrough()
	if !ok || e.Command != "/b" {
		t.Errorf("second pop = %+v", e)
	}
	if _, ok := s.PopPassthrough(); ok {
		t.Error("pop from empty succeeded")
	}
}

func TestMarkNamedLatch(t *testing.T) {
	s := NewSession("s1", 10, time.Minute)
	if !s.MarkNamed() {
		t.Error("first mark lost")
	}
	if s.MarkNamed() {
		t.Error("second mark won")
	}
}
