package registry

import "regexp"

// FieldType enumerates the value domains a stage field may declare.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldDate    FieldType = "date"
)

// DateLayout is the accepted layout for date fields.
const DateLayout = "2006-01-02"

// Outcome is the classification of a screening episode.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeNormal     Outcome = "normal"
	OutcomeReferred   Outcome = "referred"
	OutcomePrescribed Outcome = "prescribed"
	OutcomeClosed     Outcome = "closed"
)

// Valid reports whether o is one of the known classifications.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeNormal, OutcomeReferred, OutcomePrescribed, OutcomeClosed:
		return true
	}
	return false
}

// JoinMode controls how a stage with several predecessors becomes reachable.
type JoinMode string

const (
	// JoinAny makes the stage reachable from whichever predecessor routes to it.
	JoinAny JoinMode = ""
	// JoinAll requires every predecessor to be satisfied first.
	JoinAll JoinMode = "all"
)

// Range is an inclusive numeric interval; either bound may be open.
type Range struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Contains reports whether v lies inside the interval.
func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// FieldSpec declares one field of a stage payload.
type FieldSpec struct {
	Name      string    `yaml:"name" json:"name"`
	Type      FieldType `yaml:"type" json:"type"`
	Required  bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Enum      []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min       *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Step      float64   `yaml:"step,omitempty" json:"step,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MaxLength int       `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	// Typical values outside this range pass validation with a warning.
	Typical *Range `yaml:"typical,omitempty" json:"typical,omitempty"`

	pattern *regexp.Regexp
}

// Regexp returns the compiled pattern, or nil when no pattern is declared.
func (f *FieldSpec) Regexp() *regexp.Regexp { return f.pattern }

// Bounds returns the hard numeric range of the field.
func (f *FieldSpec) Bounds() Range { return Range{Min: f.Min, Max: f.Max} }

// AllowsValue reports whether v is one of the enumerated values.
func (f *FieldSpec) AllowsValue(v string) bool {
	for _, e := range f.Enum {
		if e == v {
			return true
		}
	}
	return false
}

// Branch routes a completed stage to its successors. A branch with several
// targets forks into parallel stages that must later AND-join.
type Branch struct {
	To   []string `yaml:"to" json:"to"`
	When string   `yaml:"when,omitempty" json:"when,omitempty"`
	// Set is recorded on an automatic stage's record when it takes this branch.
	Set map[string]any `yaml:"set,omitempty" json:"set,omitempty"`

	cond *Condition
}

// Condition returns the compiled branch predicate.
func (b *Branch) Condition() *Condition { return b.cond }

// IsFork reports whether the branch opens parallel stages.
func (b *Branch) IsFork() bool { return len(b.To) > 1 }

// Rule is a record-level cross-field check evaluated after field checks pass.
type Rule struct {
	Name    string   `yaml:"name" json:"name"`
	When    string   `yaml:"when,omitempty" json:"when,omitempty"`
	Require []string `yaml:"require,omitempty" json:"require,omitempty"`
	Assert  string   `yaml:"assert,omitempty" json:"assert,omitempty"`
	Message string   `yaml:"message,omitempty" json:"message,omitempty"`

	when   *Condition
	assert *Condition
}

// WhenCondition returns the compiled guard; it always holds when unset.
func (r *Rule) WhenCondition() *Condition { return r.when }

// AssertCondition returns the compiled assertion, or nil.
func (r *Rule) AssertCondition() *Condition { return r.assert }

// StageDefinition describes one clinical step of the pathway. Definitions are
// shared and must be treated as read-only.
type StageDefinition struct {
	ID           string      `yaml:"id" json:"id"`
	Title        string      `yaml:"title,omitempty" json:"title,omitempty"`
	Fields       []FieldSpec `yaml:"fields,omitempty" json:"fields,omitempty"`
	Rules        []Rule      `yaml:"rules,omitempty" json:"rules,omitempty"`
	Predecessors []string    `yaml:"predecessors,omitempty" json:"predecessors,omitempty"`
	Branches     []Branch    `yaml:"branches,omitempty" json:"branches,omitempty"`
	Join         JoinMode    `yaml:"join,omitempty" json:"join,omitempty"`
	Retakeable   bool        `yaml:"retakeable,omitempty" json:"retakeable,omitempty"`
	// SatisfiedWhen decides whether a retakeable join member's record counts
	// toward the join.
	SatisfiedWhen string `yaml:"satisfied_when,omitempty" json:"satisfied_when,omitempty"`
	// Automatic stages are committed by the engine as soon as they are reached.
	Automatic bool `yaml:"automatic,omitempty" json:"automatic,omitempty"`
	// Carry copies the named fields from the latest predecessor record into an
	// automatic stage's record.
	Carry   []string `yaml:"carry,omitempty" json:"carry,omitempty"`
	Outcome Outcome  `yaml:"outcome,omitempty" json:"outcome,omitempty"`

	satisfied *Condition
	fields    map[string]*FieldSpec
}

// Field returns the spec of a named field.
func (d *StageDefinition) Field(name string) (*FieldSpec, bool) {
	f, ok := d.fields[name]
	return f, ok
}

// IsTerminal reports whether the stage has no successors.
func (d *StageDefinition) IsTerminal() bool { return len(d.Branches) == 0 }

// IsJoin reports whether the stage is an AND-join.
func (d *StageDefinition) IsJoin() bool { return d.Join == JoinAll }

// SatisfiedCondition returns the compiled satisfied_when predicate.
func (d *StageDefinition) SatisfiedCondition() *Condition { return d.satisfied }
