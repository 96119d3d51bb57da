package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := &store.SessionRecord{
		SessionID:        "abc-123",
		Cwd:              "/tmp/p",
		Model:            "sonnet",
		AdapterName:      "codex",
		BackendSessionID: "backend-9",
		Name:             "fix the tests",
		CreatedAt:        time.Now().Truncate(time.Millisecond),
	}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("abc-123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cwd != rec.Cwd || got.BackendSessionID != rec.BackendSessionID || got.Name != rec.Name {
		t.Errorf("loaded %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	rec := &store.SessionRecord{SessionID: "x", AdapterName: "acp", CreatedAt: time.Now()}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}
	rec.BackendSessionID = "discovered-later"
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("x")
	if err != nil {
		t.Fatal(err)
	}
	if got.BackendSessionID != "discovered-later" {
		t.Errorf("backend id = %q", got.BackendSessionID)
	}
	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("list = %d records", len(recs))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(&store.SessionRecord{SessionID: "x", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("x"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if _, err := s.Load("x"); err == nil {
		t.Error("load after delete succeeded")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "re.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Save(&store.SessionRecord{SessionID: "keep", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Load("keep"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}
