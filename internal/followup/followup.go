// Package followup derives review and re-screening due dates from closed
// episodes. Dispatching reminders is left to whoever consumes the dates.
package followup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// Type names a kind of follow-up.
type Type string

const (
	SixMonthReview  Type = "six_month_review"
	AnnualScreening Type = "annual_screening"
)

// Policy holds the follow-up intervals in months.
type Policy struct {
	SixMonthMonths int
	AnnualMonths   int
}

// DefaultPolicy is a six-month review and an annual re-screen.
func DefaultPolicy() Policy {
	return Policy{SixMonthMonths: 6, AnnualMonths: 12}
}

// DueDates are the follow-ups owed by one closed episode.
type DueDates struct {
	Anchor   time.Time  `json:"anchor"`
	SixMonth *time.Time `json:"six_month,omitempty"`
	Annual   time.Time  `json:"annual"`
}

// ComputeDueDates anchors on the terminal record's timestamp. Episodes that
// committed a prescription get a six-month review; every closed episode gets
// an annual screening. The second result is false for episodes that have not
// closed.
func (p Policy) ComputeDueDates(ep *episode.Episode) (DueDates, bool) {
	terminal, ok := ep.Terminal()
	if !ok {
		return DueDates{}, false
	}
	anchor := terminal.SubmittedAt.UTC()
	d := DueDates{
		Anchor: anchor,
		Annual: addMonths(anchor, p.AnnualMonths),
	}
	if ep.HasOutcome(registry.OutcomePrescribed) {
		six := addMonths(anchor, p.SixMonthMonths)
		d.SixMonth = &six
	}
	return d, true
}

// addMonths adds n calendar months, clamping to the last day of the target
// month so 31 Aug + 6 months is 28/29 Feb rather than early March.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// closedBy bounds the closing time of episodes that can owe anything by
// asOf. Month-end clamping pulls a due date back by at most three days.
func (p Policy) closedBy(asOf time.Time) time.Time {
	n := p.AnnualMonths
	if p.SixMonthMonths < n {
		n = p.SixMonthMonths
	}
	return addMonths(asOf.UTC(), -n).AddDate(0, 0, 3)
}

// Followup is one due follow-up.
type Followup struct {
	EpisodeID  string    `json:"episode_id"`
	PatientRef string    `json:"patient_ref"`
	DueDate    time.Time `json:"due_date"`
	Type       Type      `json:"type"`
}

// Source lists episodes closed at or before a cutoff.
type Source interface {
	ListClosed(ctx context.Context, until time.Time) ([]*episode.Episode, error)
}

// Service answers due-follow-up queries and announces schedules.
type Service struct {
	src    Source
	policy Policy
	bus    episode.Publisher
	log    zerolog.Logger
}

// NewService returns a scheduler over src. bus may be nil.
func NewService(src Source, policy Policy, bus episode.Publisher, log zerolog.Logger) *Service {
	return &Service{src: src, policy: policy, bus: bus, log: log}
}

// DueFollowups returns every follow-up due on or before asOf, sorted by due
// date, then episode, then type.
func (s *Service) DueFollowups(ctx context.Context, asOf time.Time) ([]Followup, error) {
	closed, err := s.src.ListClosed(ctx, s.policy.closedBy(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to list closed episodes: %w", err)
	}
	var due []Followup
	for _, ep := range closed {
		d, ok := s.policy.ComputeDueDates(ep)
		if !ok {
			continue
		}
		if d.SixMonth != nil && !d.SixMonth.After(asOf) {
			due = append(due, Followup{EpisodeID: ep.ID, PatientRef: ep.PatientRef, DueDate: *d.SixMonth, Type: SixMonthReview})
		}
		if !d.Annual.After(asOf) {
			due = append(due, Followup{EpisodeID: ep.ID, PatientRef: ep.PatientRef, DueDate: d.Annual, Type: AnnualScreening})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.EpisodeID != b.EpisodeID {
			return a.EpisodeID < b.EpisodeID
		}
		return a.Type < b.Type
	})
	return due, nil
}

// OnClosed is an episode.ClosedHook that publishes followup.scheduled.
func (s *Service) OnClosed(_ context.Context, ep *episode.Episode) {
	d, ok := s.policy.ComputeDueDates(ep)
	if !ok {
		return
	}
	fields := map[string]any{
		"episode_id":  ep.ID,
		"patient_ref": ep.PatientRef,
		"outcome":     string(ep.Outcome),
		"annual":      d.Annual.Format(time.RFC3339),
	}
	if d.SixMonth != nil {
		fields["six_month"] = d.SixMonth.Format(time.RFC3339)
	}
	s.log.Info().Str("episode_id", ep.ID).Time("annual", d.Annual).Msg("follow-up scheduled")
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish("info", "followup.scheduled", "", fields); err != nil {
		s.log.Error().Err(err).Msg("failed to publish follow-up schedule")
	}
}
