// Package memory is an in-process episode store for tests and development.
// It honours the same commit contract as the SQL stores: version-checked,
// all-or-nothing, audit IDs in commit order.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
)

// Store keeps episodes and audit events in maps.
type Store struct {
	mu        sync.RWMutex
	episodes  map[string]*episode.Episode
	events    map[string][]audit.Event
	lastEvent int64
}

var (
	_ episode.Store = (*Store)(nil)
	_ audit.Log     = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		episodes: make(map[string]*episode.Episode),
		events:   make(map[string][]audit.Event),
	}
}

// CreateEpisode stores a new episode.
func (s *Store) CreateEpisode(_ context.Context, ep *episode.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[ep.ID]; ok {
		return fmt.Errorf("episode %s already exists", ep.ID)
	}
	s.episodes[ep.ID] = ep.Clone()
	return nil
}

// LoadEpisode returns a copy of the stored episode.
func (s *Store) LoadEpisode(_ context.Context, id string) (*episode.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, id)
	}
	return ep.Clone(), nil
}

// Commit applies c if the stored version still matches.
func (s *Store) Commit(_ context.Context, c episode.Commit) ([]audit.Event, error) {
	if len(c.Records) != len(c.Events) {
		return nil, fmt.Errorf("commit has %d records but %d events", len(c.Records), len(c.Events))
	}
	for _, ev := range c.Events {
		if err := ev.Check(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.episodes[c.Episode.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, c.Episode.ID)
	}
	if cur.Version != c.PrevVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", episode.ErrConflict, cur.ID, cur.Version, c.PrevVersion)
	}

	next := c.Episode.Clone()
	base := len(next.Records) - len(c.Records)
	stored := make([]audit.Event, len(c.Events))
	for i, ev := range c.Events {
		s.lastEvent++
		ev.ID = s.lastEvent
		ev.To = append([]string(nil), ev.To...)
		stored[i] = ev
		next.Records[base+i].EventID = ev.ID
	}
	s.events[next.ID] = append(s.events[next.ID], stored...)
	s.episodes[next.ID] = next
	return append([]audit.Event(nil), stored...), nil
}

// ListClosed returns episodes closed at or before until, ordered by
// identifier.
func (s *Store) ListClosed(_ context.Context, until time.Time) ([]*episode.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*episode.Episode
	for _, ep := range s.episodes {
		if ep.Closed() && !ep.ClosedAt.After(until) {
			out = append(out, ep.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// History returns the audit trail of an episode in commit order.
func (s *Store) History(_ context.Context, episodeID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event(nil), s.events[episodeID]...), nil
}

// Append adds a single audit event outside of a stage commit.
func (s *Store) Append(_ context.Context, ev audit.Event) (audit.Event, error) {
	if err := ev.Check(); err != nil {
		return audit.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[ev.EpisodeID]; !ok {
		return audit.Event{}, fmt.Errorf("%w: %s", episode.ErrEpisodeNotFound, ev.EpisodeID)
	}
	s.lastEvent++
	ev.ID = s.lastEvent
	s.events[ev.EpisodeID] = append(s.events[ev.EpisodeID], ev)
	return ev, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op; the data lives only as long as the process.
func (s *Store) Close() error { return nil }
