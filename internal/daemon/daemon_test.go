package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/mock"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/coordinator"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	storefile "github.com/nextlevelbuilder/agentgate/internal/store/file"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
)

func TestLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Second acquire fails while we hold it (our own pid is alive).
	if _, err := AcquireLock(dir); !errors.Is(err, ErrDaemonAlreadyRunning) {
		t.Errorf("second acquire: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	l2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	// A pid that cannot exist.
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	l.Release()
}

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Adapters.Default = "mock"
	eventBus := bus.New()
	st, err := storefile.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	resolver := adapter.NewResolver()
	resolver.Register("mock", func() (adapter.Adapter, error) { return mock.New(), nil })
	c := coordinator.New(coordinator.Options{
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
	return c
}

func TestControlAPI(t *testing.T) {
	coord := newCoordinator(t)
	dir := t.TempDir()
	api, err := NewControlAPI(coord, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := api.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Port != api.Port() || info.Token != api.Token() || len(info.Token) != 64 {
		t.Errorf("info = %+v", info)
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", info.Port)
	do := func(method, path, token, body string) (*http.Response, map[string]any) {
		t.Helper()
		var req *http.Request
		if body != "" {
			req, _ = http.NewRequest(method, base+path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req, _ = http.NewRequest(method, base+path, nil)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var m map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&m)
		return resp, m
	}

	// Missing and wrong tokens are rejected.
	if resp, _ := do("GET", "/health", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: %d", resp.StatusCode)
	}
	if resp, _ := do("GET", "/health", "bogus", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: %d", resp.StatusCode)
	}

	if resp, m := do("GET", "/health", info.Token, ""); resp.StatusCode != http.StatusOK || m["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, m)
	}

	resp, m := do("POST", "/sessions", info.Token, `{"cwd":"/tmp"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, m)
	}
	sessionID, _ := m["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("no session id: %v", m)
	}

	if _, m := do("GET", "/sessions", info.Token, ""); len(m["sessions"].([]any)) != 1 {
		t.Errorf("sessions = %v", m)
	}

	if resp, _ := do("DELETE", "/sessions/"+sessionID, info.Token, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	if _, m := do("GET", "/sessions", info.Token, ""); len(m["sessions"].([]any)) != 0 {
		t.Errorf("sessions after delete = %v", m)
	}
}

