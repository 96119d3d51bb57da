package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/mock"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/session"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

type testGateway struct {
	addr   string
	bridge *session.Bridge
	adp    *mock.Adapter
}

func startGateway(t *testing.T, apiKey string) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.APIKey = apiKey

	eventBus := bus.New()
	bridge := session.NewBridge(session.BridgeConfig{
		HistoryLimit:      50,
		PermissionTimeout: time.Minute,
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
	}, eventBus, &session.APIKeyAuthenticator{Key: apiKey})

	srv := NewServer(cfg, bridge)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	start()

	return &testGateway{addr: addr, bridge: bridge, adp: mock.New()}
}

func (g *testGateway) newSession(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	g.bridge.CreateSession(id, "mock")
	if err := g.bridge.ConnectBackend(context.Background(), id, g.adp, adapter.ConnectOptions{SessionID: id}); err != nil {
		t.Fatal(err)
	}
	return id
}

func dial(t *testing.T, addr, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/ws/consumer/" + sessionID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != code {
					t.Fatalf("close code = %d, want %d", ce.Code, code)
				}
				return
			}
			t.Fatalf("connection ended without close frame: %v", err)
		}
	}
}

func TestJoinReceivesIdentityAndInit(t *testing.T) {
	g := startGateway(t, "")
	id := g.newSession(t)

	conn := dial(t, g.addr, id, "")
	identity := readUntil(t, conn, protocol.OutIdentity)
	if identity["identity"].(map[string]any)["display_name"] == "" {
		t.Errorf("identity = %v", identity)
	}
	init := readUntil(t, conn, protocol.OutSessionInit)
	if init["session"].(map[string]any)["adapterName"] != "mock" {
		t.Errorf("init = %v", init)
	}
	readUntil(t, conn, protocol.OutMessageHistory)
}

func TestEchoTurnOverWebSocket(t *testing.T) {
	g := startGateway(t, "")
	id := g.newSession(t)
	conn := dial(t, g.addr, id, "")
	readUntil(t, conn, protocol.OutMessageHistory)

	if err := conn.WriteJSON(map[string]any{"type": "user_message", "content": "ping"}); err != nil {
		t.Fatal(err)
	}
	assistant := readUntil(t, conn, protocol.OutAssistant)
	content := assistant["message"].(map[string]any)["content"].([]any)
	if content[0].(map[string]any)["text"] != "echo: ping" {
		t.Errorf("assistant = %v", assistant)
	}
	readUntil(t, conn, protocol.OutResult)
}

func TestBadSessionIDCloses1008(t *testing.T) {
	g := startGateway(t, "")
	conn := dial(t, g.addr, "not-a-uuid", "")
	expectClose(t, conn, protocol.ClosePolicyViolation)
}

func TestUnknownSessionCloses4404(t *testing.T) {
	g := startGateway(t, "")
	conn := dial(t, g.addr, uuid.NewString(), "")
	expectClose(t, conn, protocol.CloseSessionNotFound)
}

func TestBadTokenCloses4401(t *testing.T) {
	g := startGateway(t, "sekret")
	id := g.newSession(t)
	conn := dial(t, g.addr, id, "wrong")
	expectClose(t, conn, protocol.CloseAuthFailed)
}

func TestOversizedFrameCloses1009(t *testing.T) {
	g := startGateway(t, "")
	id := g.newSession(t)
	conn := dial(t, g.addr, id, "")
	readUntil(t, conn, protocol.OutMessageHistory)

	big, _ := json.Marshal(map[string]any{
		"type":    "user_message",
		"content": string(bytes.Repeat([]byte("x"), 300*1024)),
	})
	if err := conn.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatal(err)
	}
	expectClose(t, conn, protocol.CloseMessageTooBig)

	// No runtime mutation: the session still has no queued message and the
	// next consumer works normally.
	rt, _ := g.bridge.Runtime(id)
	if rt.Session().Queued() != nil {
		t.Error("oversized frame mutated runtime state")
	}
}

func TestOriginAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{"https://good.example"}
	eventBus := bus.New()
	bridge := session.NewBridge(session.BridgeConfig{HistoryLimit: 10, PermissionTimeout: time.Minute}, eventBus, &session.APIKeyAuthenticator{})
	srv := NewServer(cfg, bridge)

	reqHeaders := map[string][]string{"Origin": {"https://evil.example"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(srv, ctx)
	start()

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/consumer/"+uuid.NewString(), reqHeaders)
	if err == nil {
		t.Fatal("disallowed origin accepted")
	}
	if resp != nil && resp.StatusCode != 403 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
