package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/events"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

type staticSource struct {
	episodes []*episode.Episode
	err      error
}

func (s staticSource) ListClosed(_ context.Context, until time.Time) ([]*episode.Episode, error) {
	var out []*episode.Episode
	for _, ep := range s.episodes {
		if !ep.ClosedAt.After(until) {
			out = append(out, ep)
		}
	}
	return out, s.err
}

func closedEpisode(id string, at time.Time, outcomes ...registry.Outcome) *episode.Episode {
	ep := &episode.Episode{ID: id, PatientRef: "p-" + id, ClosedAt: &at}
	for i, o := range outcomes {
		ep.Records = append(ep.Records, episode.StageRecord{
			Seq:         i + 1,
			Stage:       "stage",
			Outcome:     o,
			SubmittedAt: at.Add(time.Duration(i-len(outcomes)+1) * time.Hour),
		})
	}
	return ep
}

func TestComputeDueDates(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	p := DefaultPolicy()

	d, ok := p.ComputeDueDates(closedEpisode("a", at, registry.OutcomeNormal))
	require.True(t, ok, "closed episode has due dates")
	assert.Nil(t, d.SixMonth, "normal episode gets no six-month review")
	assert.Equal(t, time.Date(2027, 3, 10, 14, 30, 0, 0, time.UTC), d.Annual)
	assert.Equal(t, at, d.Anchor)

	d, _ = p.ComputeDueDates(closedEpisode("b", at, registry.OutcomePrescribed, registry.OutcomeClosed))
	require.NotNil(t, d.SixMonth, "prescription episode needs a six-month review")
	assert.Equal(t, time.Date(2026, 9, 10, 14, 30, 0, 0, time.UTC), *d.SixMonth)

	_, ok = p.ComputeDueDates(&episode.Episode{ID: "c"})
	assert.False(t, ok, "open episode has no due dates")
}

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		from time.Time
		n    int
		want time.Time
	}{
		{time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), 6, time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2027, 8, 31, 0, 0, 0, 0, time.UTC), 6, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), 12, time.Date(2029, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), 6, time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)},
		{time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC), -6, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, addMonths(tt.from, tt.n), "addMonths(%v, %d)", tt.from, tt.n)
	}
}

func dueKeys(due []Followup) []string {
	var out []string
	for _, f := range due {
		out = append(out, f.EpisodeID+"/"+string(f.Type))
	}
	return out
}

func TestDueFollowupsOrdering(t *testing.T) {
	jan := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	src := staticSource{episodes: []*episode.Episode{
		closedEpisode("zeta", jan, registry.OutcomePrescribed, registry.OutcomeClosed),
		closedEpisode("alpha", jan, registry.OutcomePrescribed, registry.OutcomeClosed),
		closedEpisode("mid", jan.AddDate(0, 2, 0), registry.OutcomeNormal),
	}}
	svc := NewService(src, DefaultPolicy(), nil, zerolog.Nop())
	ctx := context.Background()

	due, err := svc.DueFollowups(ctx, jan.AddDate(0, 7, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha/six_month_review", "zeta/six_month_review"}, dueKeys(due))

	due, err = svc.DueFollowups(ctx, jan.AddDate(2, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"alpha/six_month_review", "zeta/six_month_review",
		"alpha/annual_screening", "zeta/annual_screening",
		"mid/annual_screening",
	}, dueKeys(due))

	// The due date itself is included.
	due, err = svc.DueFollowups(ctx, jan.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestClosedByKeepsEveryDueEpisode(t *testing.T) {
	p := DefaultPolicy()
	for _, closed := range []time.Time{
		time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2027, 8, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
	} {
		due := addMonths(closed, p.SixMonthMonths)
		cutoff := p.closedBy(due)
		assert.False(t, cutoff.Before(closed), "closed %v is due %v but cutoff is %v", closed, due, cutoff)
	}

	asOf := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, p.closedBy(asOf).Before(time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)),
		"episodes closed in mid April owe nothing yet")
}

func TestDueFollowupsSkipsRecentClosures(t *testing.T) {
	asOf := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	var seen time.Time
	src := sourceFunc(func(_ context.Context, until time.Time) ([]*episode.Episode, error) {
		seen = until
		return nil, nil
	})
	svc := NewService(src, DefaultPolicy(), nil, zerolog.Nop())
	_, err := svc.DueFollowups(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC), seen)
}

type sourceFunc func(ctx context.Context, until time.Time) ([]*episode.Episode, error)

func (f sourceFunc) ListClosed(ctx context.Context, until time.Time) ([]*episode.Episode, error) {
	return f(ctx, until)
}

func TestDueFollowupsSourceError(t *testing.T) {
	boom := errors.New("disk gone")
	svc := NewService(staticSource{err: boom}, DefaultPolicy(), nil, zerolog.Nop())
	_, err := svc.DueFollowups(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestOnClosedPublishesSchedule(t *testing.T) {
	bus := events.NewBroadcaster(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	svc := NewService(staticSource{}, DefaultPolicy(), bus, zerolog.Nop())
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	svc.OnClosed(context.Background(), closedEpisode("ep", at, registry.OutcomePrescribed, registry.OutcomeClosed))

	select {
	case e := <-sub:
		require.Equal(t, "followup.scheduled", e.Name)
		assert.Equal(t, "2026-09-10T00:00:00Z", e.Fields["six_month"])
		assert.Equal(t, "2027-03-10T00:00:00Z", e.Fields["annual"])
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for followup.scheduled")
	}
}
