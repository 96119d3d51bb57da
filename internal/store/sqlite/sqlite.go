// Package sqlite persists session records in a single sqlite database.
// Schema changes ship as embedded migrations applied on open.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store backs session records with sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, gateerr.Storage("open sqlite", err)
	}
	// Single writer: sqlite locks the file; serialize through one conn.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return gateerr.Storage("load migrations", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return gateerr.Storage("migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return gateerr.Storage("init migrations", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return gateerr.Storage("apply migrations", err)
	}
	return nil
}

// Save upserts one record.
func (s *Store) Save(rec *store.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, cwd, model, adapter_name, backend_session_id, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			cwd = excluded.cwd,
			model = excluded.model,
			adapter_name = excluded.adapter_name,
			backend_session_id = excluded.backend_session_id,
			name = excluded.name`,
		rec.SessionID, rec.Cwd, rec.Model, rec.AdapterName, rec.BackendSessionID, rec.Name, rec.CreatedAt.UnixMilli())
	if err != nil {
		return gateerr.Storage("save session record", err)
	}
	return nil
}

// Load reads one record.
func (s *Store) Load(sessionID string) (*store.SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, cwd, model, adapter_name, backend_session_id, name, created_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanRecord(row.Scan)
}

// List reads all records.
func (s *Store) List() ([]*store.SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, cwd, model, adapter_name, backend_session_id, name, created_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, gateerr.Storage("list session records", err)
	}
	defer rows.Close()

	var out []*store.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*store.SessionRecord, error) {
	var rec store.SessionRecord
	var createdMs int64
	if err := scan(&rec.SessionID, &rec.Cwd, &rec.Model, &rec.AdapterName,
		&rec.BackendSessionID, &rec.Name, &createdMs); err != nil {
		return nil, gateerr.Storage("scan session record", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	return &rec, nil
}

// Delete removes a record; missing rows are not an error.
func (s *Store) Delete(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return gateerr.Storage("delete session record", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
