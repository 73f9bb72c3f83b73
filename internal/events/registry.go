package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// episode
	"episode.created":  {},
	"episode.advanced": {},
	"episode.closed":   {},

	// stage
	"stage.committed": {},
	"stage.retaken":   {},

	// followup
	"followup.scheduled": {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

// Validate rejects event names outside the allow-list.
func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
