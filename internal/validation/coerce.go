package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

// stepTolerance absorbs binary floating point error on grid checks such as
// quarter-dioptre steps.
const stepTolerance = 1e-9

// checkField converts raw into the field's Go representation and applies its
// hard constraints. Integers become int64, numbers float64, dates a
// normalized YYYY-MM-DD string.
func checkField(f *registry.FieldSpec, raw any) (any, *FieldError) {
	mismatch := func() (any, *FieldError) {
		return nil, &FieldError{
			Code:       TypeMismatch,
			Constraint: "type:" + string(f.Type),
			Value:      raw,
			Message:    fmt.Sprintf("expected %s", f.Type),
		}
	}
	violation := func(constraint, format string, args ...any) (any, *FieldError) {
		return nil, &FieldError{
			Code:       ConstraintViolation,
			Constraint: constraint,
			Value:      raw,
			Message:    fmt.Sprintf(format, args...),
		}
	}

	switch f.Type {
	case registry.FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return mismatch()
		}
		return b, nil

	case registry.FieldString:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		if f.MaxLength > 0 && utf8.RuneCountInString(s) > f.MaxLength {
			return violation("max_length", "must be at most %d characters", f.MaxLength)
		}
		if re := f.Regexp(); re != nil && !re.MatchString(s) {
			return violation("pattern", "must match %s", f.Pattern)
		}
		return s, nil

	case registry.FieldEnum:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		if !f.AllowsValue(s) {
			return violation("enum", "must be one of %v", f.Enum)
		}
		return s, nil

	case registry.FieldDate:
		var d time.Time
		switch v := raw.(type) {
		case string:
			parsed, err := time.Parse(registry.DateLayout, v)
			if err != nil {
				return violation("date", "must be a date in YYYY-MM-DD form")
			}
			d = parsed
		case time.Time:
			d = v
		default:
			return mismatch()
		}
		return d.Format(registry.DateLayout), nil

	case registry.FieldInteger:
		n, ok := asInteger(raw)
		if !ok {
			return mismatch()
		}
		if err := checkBounds(f, float64(n)); err != nil {
			return violation(err.constraint, "%s", err.message)
		}
		return n, nil

	case registry.FieldNumber:
		n, ok := asFloat(raw)
		if !ok {
			return mismatch()
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return violation("finite", "must be a finite number")
		}
		if err := checkBounds(f, n); err != nil {
			return violation(err.constraint, "%s", err.message)
		}
		if f.Step > 0 {
			q := n / f.Step
			if math.Abs(q-math.Round(q)) > stepTolerance {
				return violation("step", "must be a multiple of %g", f.Step)
			}
		}
		return n, nil
	}
	return mismatch()
}

type boundError struct {
	constraint string
	message    string
}

func checkBounds(f *registry.FieldSpec, n float64) *boundError {
	b := f.Bounds()
	switch {
	case b.Contains(n):
		return nil
	case b.Min != nil && n < *b.Min:
		return &boundError{"min", fmt.Sprintf("must be at least %g", *b.Min)}
	default:
		return &boundError{"max", fmt.Sprintf("must be at most %g", *b.Max)}
	}
}

func asInteger(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return integralFloat(float64(v))
	case float64:
		return integralFloat(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return integralFloat(f)
		}
	}
	return 0, false
}

func integralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	if n, ok := asInteger(raw); ok {
		return float64(n), true
	}
	return 0, false
}

// Coerce restores the typed representation of values that were previously
// accepted by Validate, e.g. after a JSON round trip through a store where
// integers come back as float64. Fields the stage no longer declares are kept
// untouched.
func Coerce(def *registry.StageDefinition, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, raw := range values {
		f, ok := def.Field(name)
		if !ok || raw == nil {
			out[name] = raw
			continue
		}
		v, ferr := checkField(f, raw)
		if ferr != nil {
			return nil, fmt.Errorf("stage %s field %s: %s", def.ID, name, ferr.Message)
		}
		out[name] = v
	}
	return out, nil
}
