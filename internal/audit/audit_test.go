package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventCheck(t *testing.T) {
	valid := Event{
		EpisodeID: "ep-1",
		From:      "registration",
		Actor:     "nurse-7",
		Timestamp: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		Kind:      KindSubmitted,
	}
	require.NoError(t, valid.Check())

	tests := map[string]func(*Event){
		"no episode":   func(e *Event) { e.EpisodeID = "" },
		"no stage":     func(e *Event) { e.From = "" },
		"no actor":     func(e *Event) { e.Actor = "" },
		"no timestamp": func(e *Event) { e.Timestamp = time.Time{} },
		"bad kind":     func(e *Event) { e.Kind = "edited" },
	}
	for name, mutate := range tests {
		e := valid
		mutate(&e)
		assert.ErrorIs(t, e.Check(), ErrInvalidEvent, name)
	}
}
