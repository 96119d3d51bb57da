package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/mock"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// fakeSocket records frames and close calls.
type fakeSocket struct {
	mu          sync.Mutex
	frames      []map[string]any
	failSend    bool
	closeCode   int
	closeReason string
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("socket broken")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeSocket) CloseWith(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeSocket) closed() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// framesOfType filters recorded frames by type.
func (f *fakeSocket) framesOfType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		if fr["type"] == typ {
			out = append(out, fr)
		}
	}
	return out
}

// waitFrames polls until the socket has at least one frame of typ.
func (f *fakeSocket) waitFrames(t *testing.T, typ string, min int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.framesOfType(typ); len(got) >= min {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %q frames; have %v", min, typ, f.allFrames())
	return nil
}

func (f *fakeSocket) allFrames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func mockConnectOptions(id string) adapter.ConnectOptions {
	return adapter.ConnectOptions{SessionID: id}
}

func identityWith(name string) protocol.Identity {
	return protocol.Identity{UserID: name, DisplayName: name}
}

// newTestRuntime wires a session + runtime + attached mock backend with one
// registered consumer socket.
func newTestRuntime(t *testing.T) (*Runtime, *mock.Session, *fakeSocket, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	s := NewSession("sess-1", 50, time.Minute)
	s.AdapterName = "mock"
	rt := NewRuntime(s, NewBroadcaster(), eventBus)

	a := mock.New()
	backend, err := a.Connect(t.Context(), mockConnectOptions("sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	ms := backend.(*mock.Session)
	s.AttachBackend(backend)
	if err := s.transition(LifecycleActive); err != nil {
		t.Fatal(err)
	}
	go rt.Pump(backend)

	sock := &fakeSocket{}
	s.AddConsumer(sock, identityWith("alice"), nil)
	return rt, ms, sock, eventBus
}
