// Package sqlite stores episodes in a local SQLite file so a mobile unit can
// keep working without a network connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/sqlstore"
)

// Dialect is the SQLite schema. Audit events and stage records reject
// updates and deletes at the database level.
var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id          TEXT PRIMARY KEY,
			patient_ref TEXT NOT NULL,
			created_by  TEXT NOT NULL,
			frontier    TEXT NOT NULL,
			open_stages TEXT NOT NULL,
			join_state  TEXT,
			outcome     TEXT NOT NULL,
			version     INTEGER NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			closed_at   TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_closed_at ON episodes(closed_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			episode_id TEXT NOT NULL REFERENCES episodes(id),
			record_seq INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			from_stage TEXT NOT NULL,
			to_stages  TEXT NOT NULL,
			actor      TEXT NOT NULL,
			ts         TIMESTAMP NOT NULL,
			outcome    TEXT NOT NULL,
			supersedes INTEGER REFERENCES audit_events(event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_episode ON audit_events(episode_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS stage_records (
			episode_id   TEXT NOT NULL REFERENCES episodes(id),
			seq          INTEGER NOT NULL,
			stage_id     TEXT NOT NULL,
			field_values TEXT NOT NULL,
			warnings     TEXT,
			actor        TEXT NOT NULL,
			submitted_at TIMESTAMP NOT NULL,
			automatic    INTEGER NOT NULL DEFAULT 0,
			outcome      TEXT NOT NULL DEFAULT '',
			supersedes   INTEGER,
			event_id     INTEGER NOT NULL REFERENCES audit_events(event_id),
			PRIMARY KEY (episode_id, seq)
		)`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS stage_records_no_update BEFORE UPDATE ON stage_records
			BEGIN SELECT RAISE(ABORT, 'stage_records is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS stage_records_no_delete BEFORE DELETE ON stage_records
			BEGIN SELECT RAISE(ABORT, 'stage_records is append-only'); END`,
	},
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, reg *registry.Registry) (*sqlstore.Store, error) {
	if path == "" {
		path = "screening.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection keeps commits serialized
	// inside this process.
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, Dialect, reg)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
