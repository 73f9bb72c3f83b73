package episode

import (
	"context"
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
)

// Commit is one atomic unit of change: the new episode header, the records
// appended by the submission (including automatic ones), and one audit event
// per record in the same order.
type Commit struct {
	Episode     *Episode
	PrevVersion int64
	Records     []StageRecord
	Events      []audit.Event
}

// Store persists episodes, their records, and the audit trail.
//
// Commit must apply everything or nothing, and only when the stored version
// still equals PrevVersion; otherwise it returns ErrConflict. It assigns
// audit event IDs in commit order and returns the stored events.
type Store interface {
	CreateEpisode(ctx context.Context, ep *Episode) error
	LoadEpisode(ctx context.Context, id string) (*Episode, error)
	Commit(ctx context.Context, c Commit) ([]audit.Event, error)
	// ListClosed returns every episode closed at or before until, with its
	// records, ordered by identifier.
	ListClosed(ctx context.Context, until time.Time) ([]*Episode, error)
	audit.Reader
}
