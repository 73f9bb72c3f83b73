package episode

import (
	"errors"
	"fmt"

	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

var (
	// ErrEpisodeNotFound is returned for unknown episode identifiers.
	ErrEpisodeNotFound = errors.New("episode not found")
	// ErrIllegalStage is returned when the stage is not open for the episode.
	ErrIllegalStage = errors.New("illegal stage")
	// ErrValidationFailure is wrapped by every *ValidationError.
	ErrValidationFailure = errors.New("validation failure")
	// ErrConflict is returned when another writer committed first. Nothing
	// was written; the caller may reload and retry.
	ErrConflict = errors.New("episode was modified concurrently")
	// ErrInvalidRequest is returned for missing actor or patient references.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAutomaticRecord means the registry let an automatic stage build a
	// record its own schema rejects. The submission that triggered it was
	// valid and nothing was written.
	ErrAutomaticRecord = errors.New("automatic stage record rejected")
)

// ValidationError carries the field-level detail of a rejected submission.
type ValidationError struct {
	Result validation.Result
}

func (e *ValidationError) Error() string {
	n := len(e.Result.Errors)
	if n == 0 {
		return fmt.Sprintf("validation failed for stage %s", e.Result.Stage)
	}
	return fmt.Sprintf("validation failed for stage %s: %d error(s), first: %s", e.Result.Stage, n, e.Result.Errors[0].Error())
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailure }
