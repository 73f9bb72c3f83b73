package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// maxAssignments caps the cartesian product explored when proving that a
// stage's branch predicates partition their domain.
const maxAssignments = 4096

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRegistry, fmt.Sprintf(format, args...))
}

func build(doc Document) (*Registry, error) {
	r := &Registry{
		pathway: doc.Pathway,
		stages:  make(map[string]*StageDefinition, len(doc.Stages)),
	}
	if len(doc.Stages) == 0 {
		return nil, invalid("no stages declared")
	}

	for i := range doc.Stages {
		def := doc.Stages[i]
		if def.ID == "" {
			return nil, invalid("stage %d has no id", i)
		}
		if _, dup := r.stages[def.ID]; dup {
			return nil, invalid("duplicate stage id: %s", def.ID)
		}
		if err := compileFields(&def); err != nil {
			return nil, err
		}
		r.stages[def.ID] = &def
		r.order = append(r.order, def.ID)
	}

	for _, id := range r.order {
		if err := r.checkEdges(r.stages[id]); err != nil {
			return nil, err
		}
	}
	if err := r.findInitial(); err != nil {
		return nil, err
	}
	if err := r.checkAcyclic(); err != nil {
		return nil, err
	}
	for _, id := range r.order {
		def := r.stages[id]
		if err := r.checkForks(def); err != nil {
			return nil, err
		}
		if err := r.compileConditions(def); err != nil {
			return nil, err
		}
		if err := r.checkAutomatic(def); err != nil {
			return nil, err
		}
		if err := r.checkPartition(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func compileFields(def *StageDefinition) error {
	def.fields = make(map[string]*FieldSpec, len(def.Fields))
	for i := range def.Fields {
		f := &def.Fields[i]
		if f.Name == "" {
			return invalid("stage %s: field %d has no name", def.ID, i)
		}
		if _, dup := def.fields[f.Name]; dup {
			return invalid("stage %s: duplicate field %s", def.ID, f.Name)
		}
		switch f.Type {
		case FieldString, FieldInteger, FieldNumber, FieldBoolean, FieldEnum, FieldDate:
		default:
			return invalid("stage %s: field %s has unknown type %q", def.ID, f.Name, f.Type)
		}
		numeric := f.Type == FieldInteger || f.Type == FieldNumber
		if f.Type == FieldEnum {
			if len(f.Enum) == 0 {
				return invalid("stage %s: enum field %s declares no values", def.ID, f.Name)
			}
			seen := make(map[string]struct{}, len(f.Enum))
			for _, v := range f.Enum {
				if _, dup := seen[v]; dup {
					return invalid("stage %s: enum field %s repeats %q", def.ID, f.Name, v)
				}
				seen[v] = struct{}{}
			}
		} else if len(f.Enum) > 0 {
			return invalid("stage %s: field %s declares enum values but is %s", def.ID, f.Name, f.Type)
		}
		if !numeric && (f.Min != nil || f.Max != nil || f.Step != 0 || f.Typical != nil) {
			return invalid("stage %s: field %s has numeric constraints but is %s", def.ID, f.Name, f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return invalid("stage %s: field %s has min > max", def.ID, f.Name)
		}
		if f.Step < 0 {
			return invalid("stage %s: field %s has negative step", def.ID, f.Name)
		}
		if f.Pattern != "" || f.MaxLength != 0 {
			if f.Type != FieldString {
				return invalid("stage %s: field %s has string constraints but is %s", def.ID, f.Name, f.Type)
			}
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return invalid("stage %s: field %s pattern: %v", def.ID, f.Name, err)
			}
			f.pattern = re
		}
		def.fields[f.Name] = f
	}
	if def.Outcome != "" && !def.Outcome.Valid() {
		return invalid("stage %s: unknown outcome %q", def.ID, def.Outcome)
	}
	if def.Join != JoinAny && def.Join != JoinAll {
		return invalid("stage %s: unknown join mode %q", def.ID, def.Join)
	}
	return nil
}

func (r *Registry) checkEdges(def *StageDefinition) error {
	for i, b := range def.Branches {
		if len(b.To) == 0 {
			return invalid("stage %s: branch %d has no targets", def.ID, i)
		}
		for _, to := range b.To {
			target, ok := r.stages[to]
			if !ok {
				return invalid("stage %s: branch targets unknown stage %s", def.ID, to)
			}
			if !contains(target.Predecessors, def.ID) {
				return invalid("stage %s routes to %s but is not listed among its predecessors", def.ID, to)
			}
		}
	}
	for _, p := range def.Predecessors {
		pred, ok := r.stages[p]
		if !ok {
			return invalid("stage %s: unknown predecessor %s", def.ID, p)
		}
		routed := false
		for _, b := range pred.Branches {
			if contains(b.To, def.ID) {
				routed = true
				break
			}
		}
		if !routed {
			return invalid("stage %s lists predecessor %s which never routes to it", def.ID, p)
		}
	}
	if def.IsJoin() && len(def.Predecessors) < 2 {
		return invalid("stage %s joins fewer than two predecessors", def.ID)
	}
	return nil
}

func (r *Registry) findInitial() error {
	for _, id := range r.order {
		if len(r.stages[id].Predecessors) > 0 {
			continue
		}
		if r.initial != "" {
			return invalid("more than one initial stage: %s and %s", r.initial, id)
		}
		r.initial = id
	}
	if r.initial == "" {
		return invalid("no initial stage")
	}
	if r.stages[r.initial].Automatic {
		return invalid("initial stage %s cannot be automatic", r.initial)
	}
	return nil
}

func (r *Registry) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		finished
	)
	state := make(map[string]int, len(r.order))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return invalid("cycle: %s", strings.Join(append(path, id), " -> "))
		case finished:
			return nil
		}
		state[id] = visiting
		for _, b := range r.stages[id].Branches {
			for _, to := range b.To {
				if err := visit(to, append(path, id)); err != nil {
					return err
				}
			}
		}
		state[id] = finished
		return nil
	}
	for _, id := range r.order {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// checkForks enforces the fork/join shape: a fork branch is the only,
// unconditional branch of its stage, and every member routes solely to one
// AND-join whose predecessors are exactly the members.
func (r *Registry) checkForks(def *StageDefinition) error {
	for _, b := range def.Branches {
		if !b.IsFork() {
			if target := r.stages[b.To[0]]; target.IsJoin() && !r.isForkMember(def.ID) {
				return invalid("stage %s routes to join %s without being a fork member", def.ID, target.ID)
			}
			continue
		}
		if len(def.Branches) != 1 || b.When != "" {
			return invalid("stage %s: a fork must be the stage's only, unconditional branch", def.ID)
		}
		join := ""
		for _, m := range b.To {
			member := r.stages[m]
			if member.Automatic {
				return invalid("fork member %s cannot be automatic", m)
			}
			if member.IsJoin() || len(member.Predecessors) != 1 {
				return invalid("fork member %s must have %s as its only predecessor", m, def.ID)
			}
			if len(member.Branches) != 1 || member.Branches[0].IsFork() || member.Branches[0].When != "" {
				return invalid("fork member %s must have a single unconditional branch to its join", m)
			}
			target := r.stages[member.Branches[0].To[0]]
			if !target.IsJoin() {
				return invalid("fork member %s must route to an AND-join, not %s", m, target.ID)
			}
			if join == "" {
				join = target.ID
			} else if join != target.ID {
				return invalid("fork from %s feeds two joins: %s and %s", def.ID, join, target.ID)
			}
		}
		if !sameSet(r.stages[join].Predecessors, b.To) {
			return invalid("join %s predecessors differ from the fork members of %s", join, def.ID)
		}
	}
	if def.SatisfiedWhen != "" && (!def.Retakeable || !r.isForkMember(def.ID)) {
		return invalid("stage %s: satisfied_when requires a retakeable fork member", def.ID)
	}
	return nil
}

func (r *Registry) isForkMember(id string) bool {
	def := r.stages[id]
	if len(def.Predecessors) != 1 {
		return false
	}
	for _, b := range r.stages[def.Predecessors[0]].Branches {
		if b.IsFork() && contains(b.To, id) {
			return true
		}
	}
	return false
}

// refField resolves a condition reference against the fields visible to def:
// its own fields, or member-qualified fields for an AND-join.
func (r *Registry) refField(def *StageDefinition, ref string) (*FieldSpec, error) {
	if def.IsJoin() {
		stage, field, ok := strings.Cut(ref, ".")
		if !ok || !contains(def.Predecessors, stage) {
			return nil, invalid("stage %s: join condition reference %q must be <member>.<field>", def.ID, ref)
		}
		f, ok := r.stages[stage].Field(field)
		if !ok {
			return nil, invalid("stage %s: %s has no field %s", def.ID, stage, field)
		}
		return f, nil
	}
	f, ok := def.Field(ref)
	if !ok {
		return nil, invalid("stage %s: condition references unknown field %s", def.ID, ref)
	}
	return f, nil
}

func (r *Registry) compileConditions(def *StageDefinition) error {
	finite := func(ref string, f *FieldSpec) error {
		if f.Type != FieldEnum && f.Type != FieldBoolean {
			return invalid("stage %s: predicate field %s must be enum or boolean, not %s", def.ID, ref, f.Type)
		}
		return nil
	}
	for i := range def.Branches {
		b := &def.Branches[i]
		cond, err := ParseCondition(b.When)
		if err != nil {
			return invalid("stage %s: %v", def.ID, err)
		}
		for _, ref := range cond.Refs() {
			f, err := r.refField(def, ref)
			if err != nil {
				return err
			}
			if err := finite(ref, f); err != nil {
				return err
			}
		}
		if err := checkLiterals(def, cond, func(ref string) (*FieldSpec, error) { return r.refField(def, ref) }); err != nil {
			return err
		}
		b.cond = cond
	}
	if def.SatisfiedWhen != "" {
		cond, err := ParseCondition(def.SatisfiedWhen)
		if err != nil {
			return invalid("stage %s: %v", def.ID, err)
		}
		for _, ref := range cond.Refs() {
			f, ok := def.Field(ref)
			if !ok {
				return invalid("stage %s: satisfied_when references unknown field %s", def.ID, ref)
			}
			if err := finite(ref, f); err != nil {
				return err
			}
		}
		if err := checkLiterals(def, cond, ownField(def)); err != nil {
			return err
		}
		def.satisfied = cond
	}
	for i := range def.Rules {
		rule := &def.Rules[i]
		if rule.Name == "" {
			return invalid("stage %s: rule %d has no name", def.ID, i)
		}
		if len(rule.Require) == 0 && rule.Assert == "" {
			return invalid("stage %s: rule %s neither requires nor asserts anything", def.ID, rule.Name)
		}
		for _, name := range rule.Require {
			if _, ok := def.Field(name); !ok {
				return invalid("stage %s: rule %s requires unknown field %s", def.ID, rule.Name, name)
			}
		}
		var err error
		if rule.when, err = r.ownCondition(def, rule.When); err != nil {
			return err
		}
		if rule.Assert != "" {
			if rule.assert, err = r.ownCondition(def, rule.Assert); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) ownCondition(def *StageDefinition, expr string) (*Condition, error) {
	cond, err := ParseCondition(expr)
	if err != nil {
		return nil, invalid("stage %s: %v", def.ID, err)
	}
	if err := checkLiterals(def, cond, ownField(def)); err != nil {
		return nil, err
	}
	return cond, nil
}

func ownField(def *StageDefinition) func(string) (*FieldSpec, error) {
	return func(ref string) (*FieldSpec, error) {
		f, ok := def.Field(ref)
		if !ok {
			return nil, invalid("stage %s: condition references unknown field %s", def.ID, ref)
		}
		return f, nil
	}
}

// checkLiterals rejects comparisons that can never hold because the literal
// lies outside the referenced field's domain.
func checkLiterals(def *StageDefinition, cond *Condition, field func(string) (*FieldSpec, error)) error {
	for _, cmp := range cond.comparisons() {
		f, err := field(cmp.ref)
		if err != nil {
			return err
		}
		s, isString := cmp.literal.(string)
		switch f.Type {
		case FieldBoolean:
			if _, ok := cmp.literal.(bool); !ok {
				return invalid("stage %s: %s is boolean but is compared with %q", def.ID, cmp.ref, s)
			}
		case FieldEnum:
			if !isString {
				return invalid("stage %s: %s is an enum but is compared with %v", def.ID, cmp.ref, cmp.literal)
			}
			if !f.AllowsValue(s) {
				return invalid("stage %s: %q is not one of %s values %v", def.ID, s, cmp.ref, f.Enum)
			}
		case FieldString:
			if !isString {
				return invalid("stage %s: %s is a string but is compared with %v", def.ID, cmp.ref, cmp.literal)
			}
		case FieldDate:
			if !isString {
				return invalid("stage %s: %s is a date but is compared with %v", def.ID, cmp.ref, cmp.literal)
			}
			if _, err := time.Parse(DateLayout, s); err != nil {
				return invalid("stage %s: %q is not a date for %s", def.ID, s, cmp.ref)
			}
		default:
			return invalid("stage %s: %s is %s and cannot appear in a condition", def.ID, cmp.ref, f.Type)
		}
	}
	return nil
}

// checkAutomatic ensures an automatic stage can always build a complete
// record from carried fields and the values set by its branches.
func (r *Registry) checkAutomatic(def *StageDefinition) error {
	if !def.Automatic {
		if len(def.Carry) > 0 {
			return invalid("stage %s: carry is only allowed on automatic stages", def.ID)
		}
		for _, b := range def.Branches {
			if len(b.Set) > 0 {
				return invalid("stage %s: branch values are only allowed on automatic stages", def.ID)
			}
		}
		return nil
	}
	if def.Retakeable {
		return invalid("stage %s: automatic stages cannot be retakeable", def.ID)
	}
	for _, name := range def.Carry {
		if _, ok := def.Field(name); !ok {
			return invalid("stage %s: carries undeclared field %s", def.ID, name)
		}
		found := false
		for _, p := range def.Predecessors {
			if _, ok := r.stages[p].Field(name); ok {
				found = true
				break
			}
		}
		if !found {
			return invalid("stage %s: no predecessor declares carried field %s", def.ID, name)
		}
	}
	for i, b := range def.Branches {
		for k, v := range b.Set {
			f, ok := def.Field(k)
			if !ok {
				return invalid("stage %s: branch %d sets undeclared field %s", def.ID, i, k)
			}
			if f.Type == FieldEnum {
				s, isString := v.(string)
				if !isString || !f.AllowsValue(s) {
					return invalid("stage %s: branch %d sets %s to %v outside its enum", def.ID, i, k, v)
				}
			}
		}
	}
	for _, f := range def.Fields {
		if !f.Required || contains(def.Carry, f.Name) {
			continue
		}
		if len(def.Branches) == 0 {
			return invalid("stage %s: required field %s is never populated", def.ID, f.Name)
		}
		for i, b := range def.Branches {
			if _, ok := b.Set[f.Name]; !ok {
				return invalid("stage %s: branch %d does not populate required field %s", def.ID, i, f.Name)
			}
		}
	}
	return nil
}

// checkPartition proves, by enumerating every assignment of the referenced
// finite domains, that exactly one branch matches each assignment.
func (r *Registry) checkPartition(def *StageDefinition) error {
	if len(def.Branches) == 0 {
		return nil
	}
	var refs []string
	seen := make(map[string]struct{})
	for _, b := range def.Branches {
		for _, ref := range b.cond.Refs() {
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}

	domains := make([][]any, len(refs))
	total := 1
	for i, ref := range refs {
		f, err := r.refField(def, ref)
		if err != nil {
			return err
		}
		domains[i] = domainOf(f)
		total *= len(domains[i])
		if total > maxAssignments {
			return invalid("stage %s: branch predicates span more than %d assignments", def.ID, maxAssignments)
		}
	}

	assignment := make(map[string]any, len(refs))
	lookup := func(ref string) (any, bool) {
		v, ok := assignment[ref]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
	for n := 0; n < total; n++ {
		rem := n
		for i, ref := range refs {
			assignment[ref] = domains[i][rem%len(domains[i])]
			rem /= len(domains[i])
		}
		var matched []int
		for i := range def.Branches {
			if def.Branches[i].cond.Eval(lookup) {
				matched = append(matched, i)
			}
		}
		switch {
		case len(matched) > 1:
			return fmt.Errorf("%w: stage %s branches %v all match %s", ErrAmbiguousRoute, def.ID, matched, describe(refs, assignment))
		case len(matched) == 0:
			return fmt.Errorf("%w: stage %s has no branch for %s", ErrUncoveredRoute, def.ID, describe(refs, assignment))
		}
	}
	return nil
}

// domainOf lists the values a finite field can take; nil stands for absent.
func domainOf(f *FieldSpec) []any {
	var out []any
	switch f.Type {
	case FieldEnum:
		for _, v := range f.Enum {
			out = append(out, v)
		}
	case FieldBoolean:
		out = append(out, true, false)
	}
	if !f.Required {
		out = append(out, nil)
	}
	return out
}

func describe(refs []string, assignment map[string]any) string {
	if len(refs) == 0 {
		return "every payload"
	}
	parts := make([]string, len(refs))
	for i, ref := range refs {
		if v := assignment[ref]; v != nil {
			parts[i] = fmt.Sprintf("%s=%v", ref, v)
		} else {
			parts[i] = ref + "=<absent>"
		}
	}
	return strings.Join(parts, ", ")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !contains(b, v) {
			return false
		}
	}
	return true
}
