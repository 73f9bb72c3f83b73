// Package postgres opens the central episode store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/ScreeningEngine/internal/config"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/sqlstore"
)

// Dialect is the PostgreSQL schema.
var Dialect = sqlstore.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id          TEXT PRIMARY KEY,
			patient_ref TEXT NOT NULL,
			created_by  TEXT NOT NULL,
			frontier    JSONB NOT NULL,
			open_stages JSONB NOT NULL,
			join_state  JSONB,
			outcome     TEXT NOT NULL,
			version     BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			closed_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_closed_at ON episodes(closed_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id   BIGSERIAL PRIMARY KEY,
			episode_id TEXT NOT NULL REFERENCES episodes(id),
			record_seq INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			from_stage TEXT NOT NULL,
			to_stages  JSONB NOT NULL,
			actor      TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			outcome    TEXT NOT NULL,
			supersedes BIGINT REFERENCES audit_events(event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_episode ON audit_events(episode_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS stage_records (
			episode_id   TEXT NOT NULL REFERENCES episodes(id),
			seq          INTEGER NOT NULL,
			stage_id     TEXT NOT NULL,
			field_values JSONB NOT NULL,
			warnings     JSONB,
			actor        TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			automatic    BOOLEAN NOT NULL DEFAULT FALSE,
			outcome      TEXT NOT NULL DEFAULT '',
			supersedes   INTEGER,
			event_id     BIGINT NOT NULL REFERENCES audit_events(event_id),
			PRIMARY KEY (episode_id, seq)
		)`,
		`CREATE OR REPLACE FUNCTION screening_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS audit_events_append_only ON audit_events`,
		`CREATE TRIGGER audit_events_append_only BEFORE UPDATE OR DELETE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION screening_append_only()`,
		`DROP TRIGGER IF EXISTS stage_records_append_only ON stage_records`,
		`CREATE TRIGGER stage_records_append_only BEFORE UPDATE OR DELETE ON stage_records
			FOR EACH ROW EXECUTE FUNCTION screening_append_only()`,
	},
}

// Options are libpq connection parameters.
type Options struct {
	Host     string
	Port     string
	User     string
	Database string
	Password string
	SSLMode  string
}

// OptionsFromEnv reads the standard PG* variables. The password is required
// and honours the PGPASSWORD_FILE convention.
func OptionsFromEnv() (Options, error) {
	password, err := config.RequireSecret("PGPASSWORD")
	if err != nil {
		return Options{}, err
	}
	return Options{
		Host:     getEnv("PGHOST", "127.0.0.1"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "screening"),
		Database: getEnv("PGDATABASE", "screening"),
		Password: password,
		SSLMode:  getEnv("PGSSLMODE", "disable"),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// DSN renders the options as a libpq keyword/value string.
func (o Options) DSN() string {
	parts := []string{
		"host=" + quote(o.Host),
		"port=" + quote(o.Port),
		"user=" + quote(o.User),
	}
	if o.Password != "" {
		parts = append(parts, "password="+quote(o.Password))
	}
	parts = append(parts, "dbname="+quote(o.Database), "sslmode="+quote(o.SSLMode))
	return strings.Join(parts, " ")
}

// quote escapes a libpq value when it contains spaces or quotes.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Open connects, verifies the connection, and migrates the schema. An empty
// dsn is built from the environment.
func Open(ctx context.Context, dsn string, reg *registry.Registry) (*sqlstore.Store, error) {
	if dsn == "" {
		opts, err := OptionsFromEnv()
		if err != nil {
			return nil, err
		}
		dsn = opts.DSN()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := sqlstore.New(db, Dialect, reg)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}
