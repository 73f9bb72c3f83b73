// Package validation applies a stage's field schema and record-level rules to
// a submitted payload. Validate is a pure function: identical inputs always
// produce identical results, and nothing outside the returned Result changes.
package validation

import (
	"fmt"
	"sort"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// Code classifies a field-level error.
type Code string

const (
	MissingField        Code = "missing_field"
	TypeMismatch        Code = "type_mismatch"
	ConstraintViolation Code = "constraint_violation"
	UnknownField        Code = "unknown_field"
	RuleViolation       Code = "rule_violation"
)

// FieldError pinpoints one offending input.
type FieldError struct {
	Stage      string `json:"stage"`
	Field      string `json:"field,omitempty"`
	Code       Code   `json:"code"`
	Constraint string `json:"constraint"`
	Value      any    `json:"value,omitempty"`
	Message    string `json:"message"`
	// Related lists the other fields a record-level rule looked at.
	Related []string `json:"related,omitempty"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Message, e.Constraint)
	}
	return fmt.Sprintf("%s.%s: %s (%s)", e.Stage, e.Field, e.Message, e.Constraint)
}

// Warning flags an accepted value that lies outside its typical range.
type Warning struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Value      any    `json:"value"`
	Message    string `json:"message"`
}

// Result is the outcome of validating one payload. Values holds the typed
// field values and is only populated when there are no errors.
type Result struct {
	Stage    string         `json:"stage"`
	Errors   []FieldError   `json:"errors,omitempty"`
	Warnings []Warning      `json:"warnings,omitempty"`
	Values   map[string]any `json:"-"`
}

// OK reports whether the payload passed.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Validate checks payload against def. Field checks run in declaration order,
// followed by unknown fields in name order. Record-level rules only run once
// every field check has passed.
func Validate(def *registry.StageDefinition, payload map[string]any) Result {
	res := Result{Stage: def.ID}
	values := make(map[string]any, len(def.Fields))

	for i := range def.Fields {
		f := &def.Fields[i]
		raw, present := payload[f.Name]
		if !present || raw == nil {
			if f.Required {
				res.Errors = append(res.Errors, FieldError{
					Stage:      def.ID,
					Field:      f.Name,
					Code:       MissingField,
					Constraint: "required",
					Message:    "field is required",
				})
			}
			continue
		}
		v, ferr := checkField(f, raw)
		if ferr != nil {
			ferr.Stage = def.ID
			ferr.Field = f.Name
			res.Errors = append(res.Errors, *ferr)
			continue
		}
		values[f.Name] = v
		if w, ok := typicalWarning(f, v); ok {
			res.Warnings = append(res.Warnings, w)
		}
	}

	var unknown []string
	for name := range payload {
		if _, ok := def.Field(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		res.Errors = append(res.Errors, FieldError{
			Stage:      def.ID,
			Field:      name,
			Code:       UnknownField,
			Constraint: "declared",
			Value:      payload[name],
			Message:    "field is not part of this stage",
		})
	}

	if len(res.Errors) == 0 {
		res.Errors = checkRules(def, values)
	}
	if res.OK() {
		res.Values = values
	}
	return res
}

func checkRules(def *registry.StageDefinition, values map[string]any) []FieldError {
	lookup := func(ref string) (any, bool) {
		v, ok := values[ref]
		return v, ok
	}
	var errs []FieldError
	for i := range def.Rules {
		rule := &def.Rules[i]
		if !rule.WhenCondition().Eval(lookup) {
			continue
		}
		related := rule.WhenCondition().Refs()
		for _, name := range rule.Require {
			if _, ok := values[name]; ok {
				continue
			}
			errs = append(errs, FieldError{
				Stage:      def.ID,
				Field:      name,
				Code:       RuleViolation,
				Constraint: rule.Name,
				Message:    ruleMessage(rule, "field is required here"),
				Related:    related,
			})
		}
		if assert := rule.AssertCondition(); assert != nil && !assert.Eval(lookup) {
			refs := assert.Refs()
			fe := FieldError{
				Stage:      def.ID,
				Code:       RuleViolation,
				Constraint: rule.Name,
				Message:    ruleMessage(rule, "condition "+assert.String()+" does not hold"),
				Related:    related,
			}
			if len(refs) > 0 {
				fe.Field = refs[0]
				fe.Value = values[refs[0]]
			}
			errs = append(errs, fe)
		}
	}
	return errs
}

func ruleMessage(rule *registry.Rule, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}

func typicalWarning(f *registry.FieldSpec, v any) (Warning, bool) {
	if f.Typical == nil {
		return Warning{}, false
	}
	n, ok := asFloat(v)
	if !ok || f.Typical.Contains(n) {
		return Warning{}, false
	}
	return Warning{
		Field:      f.Name,
		Constraint: "typical",
		Value:      v,
		Message:    fmt.Sprintf("%v is outside the usual range %s", v, describeRange(f.Typical)),
	}, true
}

func describeRange(r *registry.Range) string {
	switch {
	case r.Min != nil && r.Max != nil:
		return fmt.Sprintf("%g..%g", *r.Min, *r.Max)
	case r.Min != nil:
		return fmt.Sprintf(">= %g", *r.Min)
	case r.Max != nil:
		return fmt.Sprintf("<= %g", *r.Max)
	}
	return "(unbounded)"
}
