package sqlstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

type header struct {
	frontier string
	open     string
	join     sql.NullString
	closedAt sql.NullTime
}

func encodeHeader(ep *episode.Episode) (header, error) {
	var h header
	var err error
	if h.frontier, err = encodeJSON(nonNil(ep.Frontier)); err != nil {
		return h, err
	}
	if h.open, err = encodeJSON(nonNil(ep.Open)); err != nil {
		return h, err
	}
	if ep.Join != nil {
		s, err := encodeJSON(ep.Join)
		if err != nil {
			return h, err
		}
		h.join = sql.NullString{String: s, Valid: true}
	}
	if ep.ClosedAt != nil {
		h.closedAt = sql.NullTime{Time: ep.ClosedAt.UTC(), Valid: true}
	}
	return h, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// dbTime scans timestamps from drivers that return either time.Time or
// their text form.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = dbTime{}
		return nil
	case time.Time:
		*t = dbTime{Time: v.UTC(), Valid: true}
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = dbTime{Time: parsed.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row scanner) (*episode.Episode, error) {
	var (
		ep                   episode.Episode
		frontier, open, join []byte
		outcome              string
		created, updated     dbTime
		closed               dbTime
	)
	if err := row.Scan(&ep.ID, &ep.PatientRef, &ep.CreatedBy, &frontier, &open, &join, &outcome, &ep.Version, &created, &updated, &closed); err != nil {
		return nil, err
	}
	ep.Outcome = registry.Outcome(outcome)
	ep.CreatedAt = created.Time
	ep.UpdatedAt = updated.Time
	if closed.Valid {
		at := closed.Time
		ep.ClosedAt = &at
	}
	if err := decodeJSON(frontier, &ep.Frontier); err != nil {
		return nil, err
	}
	if err := decodeJSON(open, &ep.Open); err != nil {
		return nil, err
	}
	if len(join) > 0 {
		ep.Join = &episode.JoinProgress{}
		if err := decodeJSON(join, ep.Join); err != nil {
			return nil, err
		}
	}
	if len(ep.Open) == 0 {
		ep.Open = nil
	}
	return &ep, nil
}

func (s *Store) scanRecord(row scanner) (episode.StageRecord, error) {
	var (
		rec              episode.StageRecord
		values, warnings []byte
		submitted        dbTime
		outcome          string
		supersedes       sql.NullInt64
	)
	if err := row.Scan(&rec.Seq, &rec.Stage, &values, &warnings, &rec.Actor, &submitted, &rec.Automatic, &outcome, &supersedes, &rec.EventID); err != nil {
		return rec, fmt.Errorf("scan stage record: %w", err)
	}
	rec.SubmittedAt = submitted.Time
	rec.Outcome = registry.Outcome(outcome)
	rec.Supersedes = int(supersedes.Int64)
	if err := decodeJSON(values, &rec.Values); err != nil {
		return rec, err
	}
	if err := decodeJSON(warnings, &rec.Warnings); err != nil {
		return rec, err
	}
	if s.reg != nil {
		if def, err := s.reg.Definition(rec.Stage); err == nil {
			typed, err := validation.Coerce(def, rec.Values)
			if err != nil {
				return rec, err
			}
			rec.Values = typed
		}
	}
	return rec, nil
}

func scanEvent(row scanner) (audit.Event, error) {
	var (
		ev         audit.Event
		kind       string
		to         []byte
		ts         dbTime
		supersedes sql.NullInt64
	)
	if err := row.Scan(&ev.ID, &ev.EpisodeID, &ev.RecordSeq, &kind, &ev.From, &to, &ev.Actor, &ts, &ev.Outcome, &supersedes); err != nil {
		return ev, fmt.Errorf("scan audit event: %w", err)
	}
	ev.Kind = audit.Kind(kind)
	ev.Timestamp = ts.Time
	ev.Supersedes = supersedes.Int64
	if err := decodeJSON(to, &ev.To); err != nil {
		return ev, err
	}
	return ev, nil
}
