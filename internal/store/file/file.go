// Package file persists session records as one JSON file per session.
package file

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Store writes <dataDir>/<sessionID>.json per session.
type Store struct {
	dir string
}

// New creates the directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gateerr.Storage("create data dir", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) (string, error) {
	name := sessionID + ".json"
	if !filepath.IsLocal(name) || strings.ContainsAny(sessionID, `/\`) {
		return "", gateerr.Newf(gateerr.KindStorage, "invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, name), nil
}

// Save writes the record atomically: temp file, fsync, rename.
func (s *Store) Save(rec *store.SessionRecord) error {
	path, err := s.path(rec.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return gateerr.Storage("marshal session record", err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return gateerr.Storage("create temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return gateerr.Storage("write session record", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return gateerr.Storage("sync session record", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return gateerr.Storage("rename session record", err)
	}
	cleanup = false
	return nil
}

// Load reads one record. Missing files are a storage-kind error.
func (s *Store) Load(sessionID string) (*store.SessionRecord, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gateerr.Storage("read session record", err)
	}
	var rec store.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, gateerr.Storage("parse session record", err)
	}
	return &rec, nil
}

// List loads every record in the directory, skipping unreadable files.
func (s *Store) List() ([]*store.SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, gateerr.Storage("read data dir", err)
	}
	var out []*store.SessionRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec store.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.SessionID == "" {
			slog.Warn("skipping unreadable session file", "file", e.Name())
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Delete removes a record; deleting a missing record is not an error.
func (s *Store) Delete(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return gateerr.Storage("delete session record", err)
	}
	return nil
}

// Close is a no-op for the file driver.
func (s *Store) Close() error { return nil }
