package session

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func TestUserMessageEchoAndBackendTurn(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "ping"})

	echoes := sock.waitFrames(t, protocol.OutUserMessage, 1)
	msg := echoes[0]["message"].(map[string]any)
	if msg["content"] != "ping" {
		t.Errorf("echo = %v", msg)
	}

	assistants := sock.waitFrames(t, protocol.OutAssistant, 1)
	am := assistants[0]["message"].(map[string]any)
	content := am["content"].([]any)
	first := content[0].(map[string]any)
	if first["text"] != "echo: ping" {
		t.Errorf("assistant = %v", first)
	}

	sock.waitFrames(t, protocol.OutResult, 1)
}

func TestSeqMonotonicNoGaps(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "a"})
	sock.waitFrames(t, protocol.OutResult, 1)
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "b"})
	sock.waitFrames(t, protocol.OutResult, 2)

	var prev float64
	for i, fr := range sock.allFrames() {
		seq, ok := fr["seq"].(float64)
		if !ok {
			t.Fatalf("frame %d missing seq: %v", i, fr)
		}
		if seq != prev+1 {
			t.Fatalf("seq gap at frame %d: %v after %v", i, seq, prev)
		}
		prev = seq
	}
}

func TestEmptyUserMessageRejected(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "   "})
	errs := sock.waitFrames(t, protocol.OutError, 1)
	if errs[0]["message"] != "empty message" {
		t.Errorf("error = %v", errs[0])
	}
}

func TestQueueWhileRunningThenAutoFlush(t *testing.T) {
	rt, ms, sock, _ := newTestRuntime(t)

	rt.session.SetLastStatus("running")
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InQueueMessage, Content: "later"})

	queued := sock.waitFrames(t, protocol.OutMessageQueued, 1)
	if queued[0]["content"] != "later" {
		t.Errorf("queued frame = %v", queued[0])
	}

	// Second queue while one exists is rejected and leaves the first alone.
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InQueueMessage, Content: "again"})
	sock.waitFrames(t, protocol.OutError, 1)
	if rt.session.Queued().Content != "later" {
		t.Errorf("queued = %+v", rt.session.Queued())
	}

	// Backend goes idle: the parked message flushes automatically.
	ms.EmitStatus("idle")
	sock.waitFrames(t, protocol.OutQueuedMessageSent, 1)
	sock.waitFrames(t, protocol.OutAssistant, 1) // the flushed turn ran
	if rt.session.Queued() != nil {
		t.Error("queue slot not cleared")
	}
}

func TestQueueWhileIdleSendsImmediately(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)

	rt.session.SetLastStatus("idle")
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InQueueMessage, Content: "now"})

	sock.waitFrames(t, protocol.OutUserMessage, 1)
	if got := sock.framesOfType(protocol.OutMessageQueued); len(got) != 0 {
		t.Errorf("message_queued emitted for idle queue: %v", got)
	}
}

func TestQueuedUpdateByNonAuthorRejected(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	bobSock := &fakeSocket{}
	rt.session.AddConsumer(bobSock, identityWith("bob"), nil)

	rt.session.SetLastStatus("running")
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InQueueMessage, Content: "mine"})
	sock.waitFrames(t, protocol.OutMessageQueued, 1)

	rt.HandleInbound(bobSock, &protocol.Inbound{Type: protocol.InUpdateQueuedMessage, Content: "stolen"})
	bobSock.waitFrames(t, protocol.OutError, 1)
	if rt.session.Queued().Content != "mine" {
		t.Errorf("queued content = %q", rt.session.Queued().Content)
	}

	rt.HandleInbound(bobSock, &protocol.Inbound{Type: protocol.InCancelQueuedMessage})
	bobSock.waitFrames(t, protocol.OutError, 2)
	if rt.session.Queued() == nil {
		t.Error("queued entry removed by non-author")
	}
}

func TestPermissionDenyFlow(t *testing.T) {
	rt, ms, sock, eventBus := newTestRuntime(t)

	var mu sync.Mutex
	var resolved []bus.Event
	eventBus.Subscribe("test", func(ev bus.Event) {
		if ev.Name == bus.EventPermissionResolved {
			mu.Lock()
			resolved = append(resolved, ev)
			mu.Unlock()
		}
	})

	ms.EmitPermissionRequest("Bash", map[string]any{"command": "rm -rf /"})
	reqs := sock.waitFrames(t, protocol.OutPermissionRequest, 1)
	reqID, _ := reqs[0]["request_id"].(string)
	if reqID == "" {
		t.Fatalf("no request id in %v", reqs[0])
	}
	if rt.session.Permissions.PendingCount() != 1 {
		t.Fatalf("pending = %d", rt.session.Permissions.PendingCount())
	}

	rt.HandleInbound(sock, &protocol.Inbound{
		Type: protocol.InPermissionResponse, RequestID: reqID,
		Behavior: "deny", Message: "too dangerous",
	})

	select {
	case d := <-ms.Decisions():
		if d.Behavior != "deny" || d.Message != "too dangerous" {
			t.Errorf("backend decision = %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received the decision")
	}

	mu.Lock()
	n := len(resolved)
	mu.Unlock()
	if n != 1 {
		t.Errorf("permission:resolved events = %d", n)
	}
	if rt.session.Permissions.PendingCount() != 0 {
		t.Error("pending not cleared")
	}
	sock.waitFrames(t, protocol.OutControlResponse, 1)
}

func TestSetAdapterOnlyWhenCreated(t *testing.T) {
	eventBus := bus.New()
	s := NewSession("s1", 10, time.Minute)
	s.AdapterName = "mock"
	rt := NewRuntime(s, NewBroadcaster(), eventBus)
	sock := &fakeSocket{}
	s.AddConsumer(sock, identityWith("alice"), nil)

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InSetAdapter, Adapter: "codex"})
	if s.AdapterName != "codex" {
		t.Errorf("adapter = %q", s.AdapterName)
	}

	if err := s.transition(LifecycleActive); err != nil {
		t.Fatal(err)
	}
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InSetAdapter, Adapter: "acp"})
	sock.waitFrames(t, protocol.OutError, 1)
	if s.AdapterName != "codex" {
		t.Errorf("adapter changed after active: %q", s.AdapterName)
	}
}

func TestFirstTurnNamingFiresOnce(t *testing.T) {
	rt, _, sock, eventBus := newTestRuntime(t)

	fired := make(chan bus.Event, 4)
	eventBus.Subscribe("test", func(ev bus.Event) {
		if ev.Name == bus.EventSessionFirstTurn {
			fired <- ev
		}
	})

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "name me\nsecond line"})
	sock.waitFrames(t, protocol.OutResult, 1)
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "again"})
	sock.waitFrames(t, protocol.OutResult, 2)

	select {
	case ev := <-fired:
		if ev.Payload["name"] != "name me" {
			t.Errorf("name = %v", ev.Payload["name"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first_turn_completed never fired")
	}
	select {
	case <-fired:
		t.Error("first_turn_completed fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlashLocalHelp(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InSlashCommand, Command: "/help", RequestID: "q1"})
	results := sock.waitFrames(t, protocol.OutSlashCommandResult, 1)
	if results[0]["source"] != "emulated" || results[0]["request_id"] != "q1" {
		t.Errorf("result = %v", results[0])
	}
}

func TestSlashUnsupported(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InSlashCommand, Command: "/frobnicate"})
	errs := sock.waitFrames(t, protocol.OutSlashCommandError, 1)
	if errs[0]["error"] != "/frobnicate is not supported" {
		t.Errorf("error = %v", errs[0])
	}
}

func TestSlashPassthroughCorrelation(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	rt.session.SetSupportsPassthrough(true)

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InSlashCommand, Command: "/compact", RequestID: "q9"})

	results := sock.waitFrames(t, protocol.OutSlashCommandResult, 1)
	if results[0]["source"] != "passthrough" || results[0]["command"] != "/compact" {
		t.Errorf("result = %v", results[0])
	}
	if results[0]["content"] != "echo: /compact" {
		t.Errorf("content = %v", results[0]["content"])
	}
	// The correlated result is not double-surfaced as a plain result frame.
	if got := sock.framesOfType(protocol.OutResult); len(got) != 0 {
		t.Errorf("plain result frames = %v", got)
	}
}

func TestPolicyCommands(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)

	rt.ApplyPolicyCommand(PolicyCommand{Type: "capabilities_timeout"})
	sock.waitFrames(t, protocol.OutWarning, 1)

	rt.ApplyPolicyCommand(PolicyCommand{Type: "reconnect_timeout"})
	if rt.session.Lifecycle() != LifecycleDegraded {
		t.Errorf("lifecycle = %s", rt.session.Lifecycle())
	}

	var invalid []string
	rt.OnInvalidLifecycleTransition = func(sessionID string, from Lifecycle, source string) {
		invalid = append(invalid, source)
	}
	// degraded -> idle_reap -> closing is legal; closed is not reachable via
	// policy, so drive an illegal one: reconnect_timeout from closing.
	rt.ApplyPolicyCommand(PolicyCommand{Type: "idle_reap"})
	if rt.session.Lifecycle() != LifecycleClosing {
		t.Errorf("lifecycle = %s", rt.session.Lifecycle())
	}
	rt.ApplyPolicyCommand(PolicyCommand{Type: "reconnect_timeout"})
	if len(invalid) != 1 {
		t.Errorf("invalid transition hook calls = %d", len(invalid))
	}
}

func TestBrokenSocketDoesNotAffectOthers(t *testing.T) {
	rt, _, sock, _ := newTestRuntime(t)
	broken := &fakeSocket{failSend: true}
	rt.session.AddConsumer(broken, identityWith("broken"), nil)

	rt.HandleInbound(sock, &protocol.Inbound{Type: protocol.InUserMessage, Content: "hello"})
	sock.waitFrames(t, protocol.OutResult, 1)
}
