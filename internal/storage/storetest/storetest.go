// Package storetest holds the behaviour every episode store must share. Store
// packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/episode/episodetest"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// Store is what the suite needs from an implementation.
type Store interface {
	episode.Store
	audit.Log
}

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T, reg *registry.Registry) Store

// Run exercises store through the engine and directly.
func Run(t *testing.T, newStore Factory) {
	reg, err := registry.Default()
	require.NoError(t, err)

	engine := func(t *testing.T) (*episode.Engine, Store) {
		s := newStore(t, reg)
		clock := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		tick := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}
		return episode.New(reg, s, episode.WithClock(tick)), s
	}

	t.Run("prescription path round trip", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		ep, err := e.Create(ctx, "patient-9", episodetest.Actor)
		require.NoError(t, err)

		loaded, err := s.LoadEpisode(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, ep.Frontier, loaded.Frontier)
		assert.True(t, ep.CreatedAt.Equal(loaded.CreatedAt))

		episodetest.Drive(t, e, ep.ID, episodetest.PrescriptionPath())

		got, err := s.LoadEpisode(ctx, ep.ID)
		require.NoError(t, err)
		assert.True(t, got.Closed())
		assert.Equal(t, registry.OutcomeClosed, got.Outcome)
		assert.Equal(t, []string{"closed"}, got.Frontier)
		assert.Nil(t, got.Join)
		require.Len(t, got.Records, 11)

		rx, ok := got.Latest("prescription")
		require.True(t, ok)
		assert.Equal(t, registry.OutcomePrescribed, rx.Outcome)
		assert.Equal(t, int64(90), rx.Values["right_axis"])
		assert.Equal(t, -1.5, rx.Values["right_sphere"])
		assert.Equal(t, "single_vision", rx.Values["lens_type"])

		delivery, _ := got.Latest("delivery")
		assert.Equal(t, true, delivery.Values["fit_ok"])
		assert.Equal(t, "2026-02-12", delivery.Values["delivered_on"])

		hist, err := s.History(ctx, ep.ID)
		require.NoError(t, err)
		require.Len(t, hist, len(got.Records))
		for i, ev := range hist {
			assert.Equal(t, got.Records[i].Seq, ev.RecordSeq)
			assert.Equal(t, got.Records[i].Stage, ev.From)
			assert.Equal(t, got.Records[i].EventID, ev.ID)
			if i > 0 {
				assert.Greater(t, ev.ID, hist[i-1].ID)
			}
		}
		assert.Equal(t, []string{"auto_refraction", "reading_vision", "abnormality_screen"}, hist[0].To)
		assert.Equal(t, audit.KindAutomatic, hist[len(hist)-1].Kind)

		closed, err := s.ListClosed(ctx, *got.ClosedAt)
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, ep.ID, closed[0].ID)

		closed, err = s.ListClosed(ctx, got.ClosedAt.Add(-time.Millisecond))
		require.NoError(t, err)
		assert.Empty(t, closed, "closed after the cutoff")
	})

	t.Run("join state and retakes survive reload", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		ep, err := e.Create(ctx, "patient-3", episodetest.Actor)
		require.NoError(t, err)
		episodetest.Drive(t, e, ep.ID, []episodetest.Step{
			{Stage: "registration", Payload: episodetest.Registration()},
			{Stage: "auto_refraction", Payload: episodetest.AutoRefraction("normal", "poor")},
			{Stage: "auto_refraction", Payload: episodetest.AutoRefraction("normal", "good")},
		})

		got, err := s.LoadEpisode(ctx, ep.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Join)
		assert.Equal(t, "outcome_gate", got.Join.Target)
		assert.Equal(t, []string{"auto_refraction"}, got.Join.Satisfied)
		assert.Equal(t, []string{"reading_vision", "abnormality_screen"}, got.Frontier)
		assert.False(t, got.Closed())

		hist, err := s.History(ctx, ep.ID)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, audit.KindRetake, hist[2].Kind)
		assert.Equal(t, hist[1].ID, hist[2].Supersedes)
		assert.Equal(t, 2, got.Records[2].Supersedes)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		_, s := engine(t)
		ctx := context.Background()
		now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
		ep := &episode.Episode{
			ID: "ep-conflict", PatientRef: "p", CreatedBy: "a",
			Frontier: []string{"registration"}, Open: []string{"registration"},
			Outcome: registry.OutcomePending, Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateEpisode(ctx, ep))

		next := ep.Clone()
		next.Version = 2
		rec := episode.StageRecord{Seq: 1, Stage: "registration", Values: map[string]any{"consent": true, "age_years": int64(5)}, Actor: "a", SubmittedAt: now}
		next.Records = []episode.StageRecord{rec}
		ev := audit.Event{EpisodeID: ep.ID, RecordSeq: 1, Kind: audit.KindSubmitted, From: "registration", Actor: "a", Timestamp: now, Outcome: "pending"}
		commit := episode.Commit{Episode: next, PrevVersion: 1, Records: []episode.StageRecord{rec}, Events: []audit.Event{ev}}

		stored, err := s.Commit(ctx, commit)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.NotZero(t, stored[0].ID)

		_, err = s.Commit(ctx, commit)
		assert.ErrorIs(t, err, episode.ErrConflict)

		hist, err := s.History(ctx, ep.ID)
		require.NoError(t, err)
		assert.Len(t, hist, 1, "a lost commit writes nothing")

		got, err := s.LoadEpisode(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, stored[0].ID, got.Records[0].EventID)
	})

	t.Run("missing episode", func(t *testing.T) {
		_, s := engine(t)
		ctx := context.Background()
		_, err := s.LoadEpisode(ctx, "nope")
		assert.ErrorIs(t, err, episode.ErrEpisodeNotFound)

		_, err = s.Append(ctx, audit.Event{EpisodeID: "nope", From: "registration", Actor: "a", Kind: audit.KindSubmitted, Timestamp: time.Now()})
		assert.ErrorIs(t, err, episode.ErrEpisodeNotFound)
	})

	t.Run("append assigns increasing ids", func(t *testing.T) {
		e, s := engine(t)
		ctx := context.Background()
		ep, err := e.Create(ctx, "patient-1", episodetest.Actor)
		require.NoError(t, err)

		_, err = s.Append(ctx, audit.Event{EpisodeID: ep.ID})
		assert.True(t, errors.Is(err, audit.ErrInvalidEvent))

		base := audit.Event{EpisodeID: ep.ID, From: "registration", Actor: "clerk", Kind: audit.KindSubmitted, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		first, err := s.Append(ctx, base)
		require.NoError(t, err)
		// A skewed clock must not reorder history.
		base.Timestamp = base.Timestamp.Add(-time.Hour)
		base.Supersedes = first.ID
		second, err := s.Append(ctx, base)
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)

		hist, err := s.History(ctx, ep.ID)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, first.ID, hist[0].ID)
		assert.Equal(t, first.ID, hist[1].Supersedes)
	})
}
