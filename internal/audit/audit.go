// Package audit defines the append-only trail of committed stage transitions.
// Events are never edited or removed; a correction is a new event whose
// Supersedes names the event it replaces.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned by Append for events missing required data.
var ErrInvalidEvent = errors.New("invalid audit event")

// Kind says how the recorded stage was committed.
type Kind string

const (
	// KindSubmitted is a caller's first submission of a stage.
	KindSubmitted Kind = "submitted"
	// KindRetake is a resubmission of a retakeable stage.
	KindRetake Kind = "retake"
	// KindAutomatic is a stage committed by the engine itself.
	KindAutomatic Kind = "automatic"
)

// Event records one committed transition. ID is the commit sequence assigned
// by the log; history is ordered by it, never by Timestamp.
type Event struct {
	ID         int64     `json:"event_id"`
	EpisodeID  string    `json:"episode_id"`
	RecordSeq  int       `json:"record_seq"`
	Kind       Kind      `json:"kind"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"ts"`
	Outcome    string    `json:"outcome"`
	Supersedes int64     `json:"supersedes,omitempty"`
}

// Check reports missing mandatory fields.
func (e Event) Check() error {
	switch {
	case e.EpisodeID == "":
		return fmt.Errorf("%w: episode id is required", ErrInvalidEvent)
	case e.From == "":
		return fmt.Errorf("%w: from stage is required", ErrInvalidEvent)
	case e.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	case e.Kind != KindSubmitted && e.Kind != KindRetake && e.Kind != KindAutomatic:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Reader gives read-only access to the trail.
type Reader interface {
	// History returns the episode's events in commit order.
	History(ctx context.Context, episodeID string) ([]Event, error)
}

// Log is the append side of the trail. Append assigns the event's ID and
// returns the stored event; it fails only on invalid input or storage
// failure.
type Log interface {
	Reader
	Append(ctx context.Context, e Event) (Event, error)
}
