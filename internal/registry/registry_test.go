package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPathwayLoads(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "registration", reg.Initial())
	assert.Equal(t, "community-vision-screening", reg.Pathway())

	succ, err := reg.LegalSuccessors("registration")
	require.NoError(t, err)
	assert.Equal(t, []string{"auto_refraction", "reading_vision", "abnormality_screen"}, succ)

	succ, err = reg.LegalSuccessors("outcome_gate")
	require.NoError(t, err)
	assert.Equal(t, []string{"normal_exit", "detailed_measurement"}, succ)

	succ, err = reg.LegalSuccessors("detailed_measurement")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"referral", "prescription"}, succ)

	for _, terminal := range []string{"normal_exit", "referral", "closed"} {
		def, err := reg.Definition(terminal)
		require.NoError(t, err)
		assert.True(t, def.IsTerminal(), terminal)
		assert.True(t, def.Automatic, terminal)
	}

	join, ok := reg.JoinTarget("reading_vision")
	require.True(t, ok)
	assert.Equal(t, "outcome_gate", join)
	_, ok = reg.JoinTarget("prescription")
	assert.False(t, ok)
}

func TestDefinitionUnknownStage(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	_, err = reg.Definition("triage")
	assert.ErrorIs(t, err, ErrUnknownStage)
	_, err = reg.LegalSuccessors("triage")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestFieldLookup(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	def, err := reg.Definition("auto_refraction")
	require.NoError(t, err)

	f, ok := def.Field("right_axis")
	require.True(t, ok)
	assert.Equal(t, FieldInteger, f.Type)
	bounds := f.Bounds()
	assert.True(t, bounds.Contains(180))
	assert.False(t, bounds.Contains(181))

	f, ok = def.Field("right_sphere")
	require.True(t, ok)
	assert.Equal(t, 0.25, f.Step)
	assert.False(t, f.Typical.Contains(-12))

	assert.NotNil(t, def.SatisfiedCondition())
}

const twoWay = `
version: 1
pathway: test
stages:
  - id: start
    fields:
      - { name: result, type: enum, required: true, enum: [a, b, c] }
    branches:
      - to: [left]
        when: %s
      - to: [right]
        when: %s
  - id: left
    predecessors: [start]
  - id: right
    predecessors: [start]
`

func loadTwoWay(left, right string) error {
	doc := strings.Replace(twoWay, "%s", quote(left), 1)
	doc = strings.Replace(doc, "%s", quote(right), 1)
	_, err := Load([]byte(doc))
	return err
}

func quote(s string) string { return `"` + s + `"` }

func TestPartitionChecks(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		right string
		want  error
	}{
		{"exact partition", "result == 'a'", "result != 'a'", nil},
		{"overlap", "result != 'c'", "result != 'a'", ErrAmbiguousRoute},
		{"gap", "result == 'a'", "result == 'b'", ErrUncoveredRoute},
		{"disjunction covers", "result == 'a' || result == 'b'", "result == 'c'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loadTwoWay(tt.left, tt.right)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConditionLiteralsMustFitField(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		right string
	}{
		{"enum typo", "result == 'x'", "result != 'x'"},
		{"boolean literal on enum", "result == true", "result != true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loadTwoWay(tt.left, tt.right)
			assert.ErrorIs(t, err, ErrInvalidRegistry)
		})
	}

	docs := map[string]string{
		"string literal on boolean": `version: 1
stages:
  - id: a
    fields: [{name: ok, type: boolean, required: true}]
    branches:
      - {to: [b], when: "ok == 'true'"}
      - {to: [c], when: "ok != 'true'"}
  - id: b
    predecessors: [a]
  - id: c
    predecessors: [a]
`,
		"rule when outside enum": `version: 1
stages:
  - id: a
    fields:
      - {name: kind, type: enum, required: true, enum: [eye_disease, refractive_error]}
      - {name: referral, type: string}
    rules:
      - {name: referral_needed, when: "kind == 'eye_desease'", require: [referral]}
`,
		"assert on number": `version: 1
stages:
  - id: a
    fields: [{name: age, type: integer}]
    rules:
      - {name: adult, assert: "age == 'eighteen'"}
`,
		"assert on bad date": `version: 1
stages:
  - id: a
    fields: [{name: due, type: date}]
    rules:
      - {name: fixed, assert: "due == '2026-13-01'"}
`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidRegistry)
		})
	}
}

func TestOptionalPredicateFieldIncludesAbsent(t *testing.T) {
	doc := `
version: 1
stages:
  - id: start
    fields:
      - { name: flag, type: boolean }
    branches:
      - to: [yes]
        when: "flag == true"
      - to: [no]
        when: "flag == false"
  - id: "yes"
    predecessors: [start]
  - id: "no"
    predecessors: [start]
`
	_, err := Load([]byte(doc))
	assert.ErrorIs(t, err, ErrUncoveredRoute)
}

func TestInvalidRegistries(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong version", "version: 2\nstages: [{id: a}]\n"},
		{"unknown key", "version: 1\nstages: [{id: a, colour: red}]\n"},
		{"duplicate stage", "version: 1\nstages: [{id: a}, {id: a}]\n"},
		{"two initial stages", "version: 1\nstages: [{id: a}, {id: b}]\n"},
		{"unknown field type", "version: 1\nstages: [{id: a, fields: [{name: x, type: blob}]}]\n"},
		{"empty enum", "version: 1\nstages: [{id: a, fields: [{name: x, type: enum}]}]\n"},
		{"min above max", "version: 1\nstages: [{id: a, fields: [{name: x, type: number, min: 5, max: 1}]}]\n"},
		{"bad pattern", "version: 1\nstages: [{id: a, fields: [{name: x, type: string, pattern: '('}]}]\n"},
		{"unknown target", "version: 1\nstages: [{id: a, branches: [{to: [b]}]}]\n"},
		{"missing predecessor link", "version: 1\nstages: [{id: a, branches: [{to: [b]}]}, {id: b}]\n"},
		{"predicate on number", `version: 1
stages:
  - id: a
    fields: [{name: x, type: number, required: true}]
    branches: [{to: [b], when: "x == 'one'"}]
  - id: b
    predecessors: [a]
`},
		{"rule requires unknown field", "version: 1\nstages: [{id: a, rules: [{name: r, require: [ghost]}]}]\n"},
		{"automatic without value", `version: 1
stages:
  - id: a
    branches: [{to: [b]}]
  - id: b
    predecessors: [a]
    automatic: true
    fields: [{name: x, type: string, required: true}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRegistry), "got %v", err)
		})
	}
}

func TestForkMustFeedSingleJoin(t *testing.T) {
	doc := `
version: 1
stages:
  - id: start
    branches: [{to: [x, y]}]
  - id: x
    predecessors: [start]
    branches: [{to: [done]}]
  - id: y
    predecessors: [start]
    branches: [{to: [done]}]
  - id: done
    predecessors: [x, y]
`
	_, err := Load([]byte(doc))
	assert.ErrorIs(t, err, ErrInvalidRegistry, "join stage without join: all")

	fixed := strings.Replace(doc, "predecessors: [x, y]", "predecessors: [x, y]\n    join: all", 1)
	_, err = Load([]byte(fixed))
	assert.NoError(t, err)
}

func TestCycleRejected(t *testing.T) {
	doc := `
version: 1
stages:
  - id: start
    branches: [{to: [a]}]
  - id: a
    predecessors: [start, b]
    branches: [{to: [b]}]
  - id: b
    predecessors: [a]
    branches: [{to: [a]}]
`
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRegistry)
	assert.Contains(t, err.Error(), "cycle")
}
