// Package episode implements the screening episode state machine. The Engine
// owns the authoritative frontier of every episode; all mutation happens
// through Submit, one atomic commit at a time.
package episode

import (
	"time"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

// SystemActor is recorded as the actor of automatically committed stages.
const SystemActor = "engine"

// StageRecord is one committed, validated stage submission. Records are
// immutable once appended.
type StageRecord struct {
	Seq         int                  `json:"seq"`
	Stage       string               `json:"stage"`
	Values      map[string]any       `json:"values"`
	Warnings    []validation.Warning `json:"warnings,omitempty"`
	Actor       string               `json:"actor"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Automatic   bool                 `json:"automatic,omitempty"`
	// Outcome is the classification the stage applied, if any.
	Outcome registry.Outcome `json:"outcome,omitempty"`
	// Supersedes is the Seq of the earlier record of the same stage that a
	// retake replaces.
	Supersedes int   `json:"supersedes,omitempty"`
	EventID    int64 `json:"event_id"`
}

// JoinProgress tracks an open AND-join.
type JoinProgress struct {
	Target    string   `json:"target"`
	Members   []string `json:"members"`
	Satisfied []string `json:"satisfied"`
}

// Complete reports whether every member is satisfied.
func (j *JoinProgress) Complete() bool {
	for _, m := range j.Members {
		if !contains(j.Satisfied, m) {
			return false
		}
	}
	return true
}

// Outstanding returns the members not yet satisfied, in member order.
func (j *JoinProgress) Outstanding() []string {
	var out []string
	for _, m := range j.Members {
		if !contains(j.Satisfied, m) {
			out = append(out, m)
		}
	}
	return out
}

// Episode is one patient's screening record.
//
// Frontier holds the stages the episode is waiting on; once closed it holds
// the terminal stage. Open holds the stages that accept a submission right
// now, which during a join also includes satisfied members that may still be
// retaken.
type Episode struct {
	ID         string           `json:"id"`
	PatientRef string           `json:"patient_ref"`
	CreatedBy  string           `json:"created_by"`
	Frontier   []string         `json:"frontier"`
	Open       []string         `json:"open"`
	Join       *JoinProgress    `json:"join,omitempty"`
	Outcome    registry.Outcome `json:"outcome"`
	Records    []StageRecord    `json:"records"`
	Version    int64            `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`
}

// Closed reports whether the episode reached a terminal stage.
func (e *Episode) Closed() bool { return e.ClosedAt != nil }

// IsOpen reports whether stageID currently accepts a submission.
func (e *Episode) IsOpen(stageID string) bool { return contains(e.Open, stageID) }

// Latest returns the most recent record of stageID.
func (e *Episode) Latest(stageID string) (StageRecord, bool) {
	for i := len(e.Records) - 1; i >= 0; i-- {
		if e.Records[i].Stage == stageID {
			return e.Records[i], true
		}
	}
	return StageRecord{}, false
}

// Terminal returns the record that closed the episode.
func (e *Episode) Terminal() (StageRecord, bool) {
	if !e.Closed() || len(e.Records) == 0 {
		return StageRecord{}, false
	}
	return e.Records[len(e.Records)-1], true
}

// HasOutcome reports whether any committed record applied outcome o.
func (e *Episode) HasOutcome(o registry.Outcome) bool {
	for _, r := range e.Records {
		if r.Outcome == o {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; stores hand out clones so callers never share
// state with the authoritative copy.
func (e *Episode) Clone() *Episode {
	c := *e
	c.Frontier = append([]string(nil), e.Frontier...)
	c.Open = append([]string(nil), e.Open...)
	if e.Join != nil {
		j := *e.Join
		j.Members = append([]string(nil), e.Join.Members...)
		j.Satisfied = append([]string(nil), e.Join.Satisfied...)
		c.Join = &j
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		c.ClosedAt = &t
	}
	c.Records = make([]StageRecord, len(e.Records))
	for i, r := range e.Records {
		c.Records[i] = r.clone()
	}
	return &c
}

func (r StageRecord) clone() StageRecord {
	c := r
	if r.Values != nil {
		c.Values = make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			c.Values[k] = v
		}
	}
	c.Warnings = append([]validation.Warning(nil), r.Warnings...)
	return c
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
