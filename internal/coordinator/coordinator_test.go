package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/mock"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/session"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	storefile "github.com/nextlevelbuilder/agentgate/internal/store/file"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// fakeSocket mirrors the session package's test socket.
type fakeSocket struct {
	mu     sync.Mutex
	frames []map[string]any
	code   int
}

func (f *fakeSocket) Send(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) CloseWith(code int, reason string) {
	f.mu.Lock()
	f.code = code
	f.mu.Unlock()
}

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

func (f *fakeSocket) waitFrames(t *testing.T, typ string, min int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.framesOfType(typ); len(got) >= min {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %q frames", min, typ)
	return nil
}

type testEnv struct {
	c       *Coordinator
	bus     *bus.Bus
	store   store.Store
	mockAdp *mock.Adapter
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Adapters.Default = "mock"
	eventBus := bus.New()

	st, err := storefile.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(eventBus, time.Second, 0)
	mockAdp := mock.New()
	resolver := adapter.NewResolver()
	resolver.Register("mock", func() (adapter.Adapter, error) { return mockAdp, nil })

	c := New(Options{
		Config:     cfg,
		Bus:        eventBus,
		Store:      st,
		ProcessLog: store.NewProcessLog(50),
		Supervisor: sup,
		Resolver:   resolver,
	})
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return &testEnv{c: c, bus: eventBus, store: st, mockAdp: mockAdp}
}

func TestHappyPathEcho(t *testing.T) {
	env := newEnv(t)

	sessionID, err := env.c.CreateSession(t.Context(), CreateSessionRequest{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}

	firstTurn := make(chan struct{}, 4)
	env.bus.Subscribe("t", func(ev bus.Event) {
		if ev.Name == bus.EventSessionFirstTurn {
			firstTurn <- struct{}{}
		}
	})

	sock := &fakeSocket{}
	env.c.Bridge().HandleConsumerOpen(sock, sessionID, "")
	env.c.Bridge().HandleConsumerMessage(sock, sessionID, []byte(`{"type":"user_message","content":"ping"}`))

	echo := sock.waitFrames(t, protocol.OutUserMessage, 1)
	if echo[0]["message"].(map[string]any)["content"] != "ping" {
		t.Errorf("echo = %v", echo[0])
	}
	assistant := sock.waitFrames(t, protocol.OutAssistant, 1)
	text := assistant[0]["message"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"]
	if text != "echo: ping" {
		t.Errorf("assistant text = %v", text)
	}
	results := sock.waitFrames(t, protocol.OutResult, 1)
	if results[0]["data"].(map[string]any)["is_error"] != false {
		t.Errorf("result = %v", results[0])
	}

	select {
	case <-firstTurn:
	case <-time.After(3 * time.Second):
		t.Fatal("first_turn_completed never fired")
	}
	select {
	case <-firstTurn:
		t.Error("first_turn_completed fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	// Session record persisted with discovered backend session id.
	rec, err := env.store.Load(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AdapterName != "mock" || rec.BackendSessionID != "mock-"+sessionID {
		t.Errorf("record = %+v", rec)
	}
}

func TestTwoConsumersOneBroadcast(t *testing.T) {
	env := newEnv(t)
	sessionID, err := env.c.CreateSession(t.Context(), CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := &fakeSocket{}, &fakeSocket{}
	env.c.Bridge().HandleConsumerOpen(c1, sessionID, "")
	env.c.Bridge().HandleConsumerOpen(c2, sessionID, "")

	env.c.Bridge().HandleConsumerMessage(c1, sessionID, []byte(`{"type":"user_message","content":"hi"}`))

	a1 := c1.waitFrames(t, protocol.OutAssistant, 1)
	a2 := c2.waitFrames(t, protocol.OutAssistant, 1)
	t1 := a1[0]["message"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"]
	t2 := a2[0]["message"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"]
	if t1 != t2 {
		t.Errorf("contents differ: %v vs %v", t1, t2)
	}

	for _, sock := range []*fakeSocket{c1, c2} {
		var prev float64
		sock.mu.Lock()
		for _, fr := range sock.frames {
			seq := fr["seq"].(float64)
			if seq <= prev {
				t.Errorf("seq not increasing: %v after %v", seq, prev)
			}
			prev = seq
		}
		sock.mu.Unlock()
	}
}

func TestCrashAndReconnect(t *testing.T) {
	env := newEnv(t)
	sessionID, err := env.c.CreateSession(t.Context(), CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}

	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 2)
	env.bus.Subscribe("t", func(ev bus.Event) {
		if ev.SessionID != sessionID {
			return
		}
		switch ev.Name {
		case bus.EventBackendDisconnected:
			select {
			case disconnected <- struct{}{}:
			default:
			}
		case bus.EventBackendConnected:
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}
	})

	// Kill the backend mid-session.
	env.mockAdp.SessionFor(sessionID).Close()
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("no backend:disconnected")
	}

	rt, _ := env.c.Bridge().Runtime(sessionID)
	waitLifecycle(t, rt, session.LifecycleDegraded)

	// A new consumer joining triggers relaunch_needed → coordinator
	// relaunches.
	sock := &fakeSocket{}
	env.c.Bridge().HandleConsumerOpen(sock, sessionID, "")

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("no backend:connected after relaunch")
	}
	waitLifecycle(t, rt, session.LifecycleActive)

	// Second turn works.
	env.c.Bridge().HandleConsumerMessage(sock, sessionID, []byte(`{"type":"user_message","content":"round two"}`))
	assistant := sock.waitFrames(t, protocol.OutAssistant, 1)
	text := assistant[0]["message"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"]
	if text != "echo: round two" {
		t.Errorf("assistant = %v", text)
	}
}

func waitLifecycle(t *testing.T, rt *session.Runtime, want session.Lifecycle) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rt.Session().Lifecycle() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lifecycle = %s, want %s", rt.Session().Lifecycle(), want)
}

func TestCreateSessionUnknownAdapter(t *testing.T) {
	env := newEnv(t)
	_, err := env.c.CreateSession(t.Context(), CreateSessionRequest{AdapterName: "ghost"})
	if err == nil {
		t.Fatal("unknown adapter accepted")
	}
}

func TestCreateSessionConnectFailureRollsBack(t *testing.T) {
	env := newEnv(t)
	env.mockAdp.FailConnect = true
	defer func() { env.mockAdp.FailConnect = false }()

	_, err := env.c.CreateSession(t.Context(), CreateSessionRequest{})
	if err == nil {
		t.Fatal("connect failure not propagated")
	}
	if len(env.c.Bridge().Sessions()) != 0 {
		t.Error("half-created session left in registry")
	}
	recs, _ := env.store.List()
	if len(recs) != 0 {
		t.Errorf("records persisted despite failure: %v", recs)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newEnv(t)
	sessionID, err := env.c.CreateSession(t.Context(), CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	env.c.DeleteSession(sessionID)
	if _, ok := env.c.Bridge().Runtime(sessionID); ok {
		t.Error("session still registered")
	}
	if _, err := env.store.Load(sessionID); err == nil {
		t.Error("record still persisted")
	}
}

func TestRestoreSeedsStateBeforeBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Adapters.Default = "mock"
	dir := t.TempDir()
	st, err := storefile.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(&store.SessionRecord{
		SessionID:   "11111111-1111-1111-1111-111111111111",
		Cwd:         "/tmp/restored",
		AdapterName: "mock",
		Name:        "restored session",
		CreatedAt:   time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	eventBus := bus.New()
	resolver := adapter.NewResolver()
	resolver.Register("mock", func() (adapter.Adapter, error) { return mock.New(), nil })
	c := New(Options{
		Config:     cfg,
		Bus:        eventBus,
		Store:      st,
		ProcessLog: store.NewProcessLog(10),
		Supervisor: supervisor.New(eventBus, time.Second, 0),
		Resolver:   resolver,
	})
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)

	rt, ok := c.Bridge().Runtime("11111111-1111-1111-1111-111111111111")
	if !ok {
		t.Fatal("restored session not registered")
	}
	snap := rt.Session().StateSnapshot()
	if snap["cwd"] != "/tmp/restored" || snap["name"] != "restored session" {
		t.Errorf("snapshot = %v", snap)
	}
	if got := c.StartingSessions(); len(got) != 1 {
		t.Errorf("starting = %v", got)
	}

	// A consumer join before reconnect still renders meaningfully and asks
	// for a relaunch, which the coordinator serves with the mock backend.
	relaunch := make(chan struct{}, 1)
	eventBus.Subscribe("t", func(ev bus.Event) {
		if ev.Name == bus.EventBackendConnected && ev.SessionID == rt.Session().ID {
			select {
			case relaunch <- struct{}{}:
			default:
			}
		}
	})
	sock := &fakeSocket{}
	c.Bridge().HandleConsumerOpen(sock, rt.Session().ID, "")
	sock.waitFrames(t, protocol.OutSessionInit, 1)
	select {
	case <-relaunch:
	case <-time.After(3 * time.Second):
		t.Fatal("restored session never relaunched on join")
	}
}

func TestInterruptFlow(t *testing.T) {
	env := newEnv(t)
	sessionID, err := env.c.CreateSession(t.Context(), CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	sock := &fakeSocket{}
	env.c.Bridge().HandleConsumerOpen(sock, sessionID, "")
	env.c.Bridge().HandleConsumerMessage(sock, sessionID, []byte(`{"type":"interrupt"}`))
	sock.waitFrames(t, protocol.OutInterrupt, 1)
	results := sock.waitFrames(t, protocol.OutResult, 1)
	if results[0]["data"].(map[string]any)["stop_reason"] != "interrupted" {
		t.Errorf("result = %v", results[0])
	}
}
