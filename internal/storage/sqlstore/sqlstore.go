// Package sqlstore implements the episode store and audit log on
// database/sql. Dialects supply the schema and placeholder style; every
// commit runs in one transaction guarded by the episode version.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string
	// Schema statements are run in order by Migrate.
	Schema []string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

// Store is a SQL-backed episode.Store and audit.Log.
type Store struct {
	db  *sql.DB
	d   Dialect
	reg *registry.Registry
}

var (
	_ episode.Store = (*Store)(nil)
	_ audit.Log     = (*Store)(nil)
)

// New wraps an open database. reg is used to restore typed field values
// when records are read back.
func New(db *sql.DB, d Dialect, reg *registry.Registry) *Store {
	return &Store{db: db, d: d, reg: reg}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.Name, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites '?' placeholders for dialects with numbered parameters.
func (s *Store) rebind(q string) string {
	if !s.d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// CreateEpisode inserts a new episode header.
func (s *Store) CreateEpisode(ctx context.Context, ep *episode.Episode) error {
	h, err := encodeHeader(ep)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO episodes (id, patient_ref, created_by, frontier, open_stages, join_state, outcome, version, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ep.ID, ep.PatientRef, ep.CreatedBy, h.frontier, h.open, h.join, string(ep.Outcome), ep.Version, ep.CreatedAt.UTC(), ep.UpdatedAt.UTC(), h.closedAt)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// LoadEpisode reads an episode and all of its records.
func (s *Store) LoadEpisode(ctx context.Context, id string) (*episode.Episode, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, patient_ref, created_by, frontier, open_stages, join_state, outcome, version, created_at, updated_at, closed_at
		FROM episodes WHERE id = ?
	`), id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select episode: %w", err)
	}
	if ep.Records, err = s.records(ctx, id); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *Store) records(ctx context.Context, id string) ([]episode.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, stage_id, field_values, warnings, actor, submitted_at, automatic, outcome, supersedes, event_id
		FROM stage_records WHERE episode_id = ? ORDER BY seq
	`), id)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []episode.StageRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Commit applies c in a single transaction.
func (s *Store) Commit(ctx context.Context, c episode.Commit) (_ []audit.Event, retErr error) {
	if len(c.Records) != len(c.Events) {
		return nil, fmt.Errorf("commit has %d records but %d events", len(c.Records), len(c.Events))
	}
	for _, ev := range c.Events {
		if err := ev.Check(); err != nil {
			return nil, err
		}
	}
	h, err := encodeHeader(c.Episode)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE episodes
		SET frontier = ?, open_stages = ?, join_state = ?, outcome = ?, version = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND version = ?
	`), h.frontier, h.open, h.join, string(c.Episode.Outcome), c.Episode.Version, c.Episode.UpdatedAt.UTC(), h.closedAt, c.Episode.ID, c.PrevVersion)
	if err != nil {
		return nil, fmt.Errorf("update episode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update episode: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM episodes WHERE id = ?`), c.Episode.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, c.Episode.ID)
		}
		return nil, fmt.Errorf("%w: %s expected version %d", episode.ErrConflict, c.Episode.ID, c.PrevVersion)
	}

	stored := make([]audit.Event, len(c.Events))
	for i, ev := range c.Events {
		if ev, err = s.insertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		rec := c.Records[i]
		rec.EventID = ev.ID
		if err := s.insertRecord(ctx, tx, c.Episode.ID, rec); err != nil {
			return nil, err
		}
		stored[i] = ev
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEvent(ctx context.Context, q queryer, ev audit.Event) (audit.Event, error) {
	to, err := encodeJSON(ev.To)
	if err != nil {
		return ev, err
	}
	var supersedes sql.NullInt64
	if ev.Supersedes != 0 {
		supersedes = sql.NullInt64{Int64: ev.Supersedes, Valid: true}
	}
	err = q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO audit_events (episode_id, record_seq, kind, from_stage, to_stages, actor, ts, outcome, supersedes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING event_id
	`), ev.EpisodeID, ev.RecordSeq, string(ev.Kind), ev.From, to, ev.Actor, ev.Timestamp.UTC(), ev.Outcome, supersedes).Scan(&ev.ID)
	if err != nil {
		return ev, fmt.Errorf("insert audit event: %w", err)
	}
	return ev, nil
}

func (s *Store) insertRecord(ctx context.Context, q queryer, episodeID string, rec episode.StageRecord) error {
	values, err := encodeJSON(rec.Values)
	if err != nil {
		return err
	}
	warnings, err := encodeJSON(rec.Warnings)
	if err != nil {
		return err
	}
	var supersedes sql.NullInt64
	if rec.Supersedes != 0 {
		supersedes = sql.NullInt64{Int64: int64(rec.Supersedes), Valid: true}
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO stage_records (episode_id, seq, stage_id, field_values, warnings, actor, submitted_at, automatic, outcome, supersedes, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), episodeID, rec.Seq, rec.Stage, values, warnings, rec.Actor, rec.SubmittedAt.UTC(), rec.Automatic, string(rec.Outcome), supersedes, rec.EventID)
	if err != nil {
		return fmt.Errorf("insert stage record: %w", err)
	}
	return nil
}

// ListClosed returns every episode closed at or before until, ordered by
// identifier.
func (s *Store) ListClosed(ctx context.Context, until time.Time) ([]*episode.Episode, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id FROM episodes WHERE closed_at IS NOT NULL AND closed_at <= ? ORDER BY id
	`), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("select closed episodes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*episode.Episode, 0, len(ids))
	for _, id := range ids {
		ep, err := s.LoadEpisode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// History returns the audit trail of an episode ordered by event ID.
func (s *Store) History(ctx context.Context, episodeID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT event_id, episode_id, record_seq, kind, from_stage, to_stages, actor, ts, outcome, supersedes
		FROM audit_events WHERE episode_id = ? ORDER BY event_id
	`), episodeID)
	if err != nil {
		return nil, fmt.Errorf("select audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Append adds a single audit event outside of a stage commit.
func (s *Store) Append(ctx context.Context, ev audit.Event) (audit.Event, error) {
	if err := ev.Check(); err != nil {
		return audit.Event{}, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM episodes WHERE id = ?`), ev.EpisodeID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, ev.EpisodeID)
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("select episode: %w", err)
	}
	return s.insertEvent(ctx, s.db, ev)
}
