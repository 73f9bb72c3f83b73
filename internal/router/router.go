// Package router selects successor stages from validated stage data. Branch
// predicates are proven to partition their domain when the registry loads, so
// at most one branch ever matches a complete record.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// ErrNoRoute is returned when no branch matches. The registry's partition
// check makes this unreachable for values that passed validation.
var ErrNoRoute = errors.New("no route")

// Select returns the branch of def whose predicate holds under lookup. A
// terminal stage yields a nil branch.
func Select(def *registry.StageDefinition, lookup registry.Lookup) (*registry.Branch, error) {
	if def.IsTerminal() {
		return nil, nil
	}
	for i := range def.Branches {
		b := &def.Branches[i]
		if b.Condition().Eval(lookup) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: stage %s", ErrNoRoute, def.ID)
}

// Route computes the successors of a stage from its validated values.
func Route(def *registry.StageDefinition, values map[string]any) ([]string, error) {
	b, err := Select(def, ValuesLookup(values))
	if err != nil || b == nil {
		return nil, err
	}
	return append([]string(nil), b.To...), nil
}

// RouteJoin selects the branch of an AND-join stage from the values of its
// members, keyed by member stage.
func RouteJoin(def *registry.StageDefinition, members map[string]map[string]any) (*registry.Branch, error) {
	if !def.IsJoin() {
		return nil, fmt.Errorf("stage %s is not a join", def.ID)
	}
	return Select(def, JoinLookup(members))
}

// Satisfied reports whether a record counts toward its join. Stages without
// a satisfied_when predicate are always satisfied.
func Satisfied(def *registry.StageDefinition, values map[string]any) bool {
	return def.SatisfiedCondition().Eval(ValuesLookup(values))
}

// ValuesLookup resolves references against one record's values. Nil values
// count as absent.
func ValuesLookup(values map[string]any) registry.Lookup {
	return func(ref string) (any, bool) {
		v, ok := values[ref]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
}

// JoinLookup resolves <stage>.<field> references against member records.
func JoinLookup(members map[string]map[string]any) registry.Lookup {
	return func(ref string) (any, bool) {
		stage, field, ok := strings.Cut(ref, ".")
		if !ok {
			return nil, false
		}
		values, ok := members[stage]
		if !ok {
			return nil, false
		}
		return ValuesLookup(values)(field)
	}
}
