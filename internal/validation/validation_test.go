package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

func mustDefinition(t *testing.T, stageID string) *registry.StageDefinition {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	def, err := reg.Definition(stageID)
	require.NoError(t, err)
	return def
}

func refraction() map[string]any {
	return map[string]any{
		"right_sphere":       -1.25,
		"right_cylinder":     -0.5,
		"right_axis":         90,
		"left_sphere":        -1.0,
		"left_cylinder":      0.0,
		"left_axis":          180,
		"quality":            "good",
		"assessment_outcome": "abnormal",
	}
}

func TestValidateAcceptsAndTypesValues(t *testing.T) {
	def := mustDefinition(t, "auto_refraction")

	res := Validate(def, refraction())
	require.True(t, res.OK(), "%v", res.Errors)
	assert.IsType(t, int64(0), res.Values["right_axis"])
	assert.IsType(t, float64(0), res.Values["right_sphere"])
	assert.Empty(t, res.Warnings)
}

func TestValidateFieldErrors(t *testing.T) {
	def := mustDefinition(t, "auto_refraction")

	tests := []struct {
		name       string
		mutate     func(map[string]any)
		field      string
		code       Code
		constraint string
	}{
		{"missing required", func(p map[string]any) { delete(p, "quality") }, "quality", MissingField, "required"},
		{"null counts as missing", func(p map[string]any) { p["quality"] = nil }, "quality", MissingField, "required"},
		{"axis above range", func(p map[string]any) { p["right_axis"] = 181 }, "right_axis", ConstraintViolation, "max"},
		{"axis below range", func(p map[string]any) { p["right_axis"] = -1 }, "right_axis", ConstraintViolation, "min"},
		{"axis fractional", func(p map[string]any) { p["left_axis"] = 12.5 }, "left_axis", TypeMismatch, "type:integer"},
		{"sphere off step", func(p map[string]any) { p["right_sphere"] = -1.3 }, "right_sphere", ConstraintViolation, "step"},
		{"sphere as text", func(p map[string]any) { p["left_sphere"] = "-1.00" }, "left_sphere", TypeMismatch, "type:number"},
		{"enum outside set", func(p map[string]any) { p["quality"] = "blurry" }, "quality", ConstraintViolation, "enum"},
		{"undeclared field", func(p map[string]any) { p["pressure"] = 14 }, "pressure", UnknownField, "declared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := refraction()
			tt.mutate(p)
			res := Validate(def, p)
			require.False(t, res.OK())
			assert.Nil(t, res.Values, "no values on failure")
			require.Len(t, res.Errors, 1)
			got := res.Errors[0]
			assert.Equal(t, "auto_refraction", got.Stage)
			assert.Equal(t, tt.field, got.Field)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.constraint, got.Constraint)
		})
	}
}

func TestValidateTypicalRangeWarns(t *testing.T) {
	def := mustDefinition(t, "auto_refraction")
	p := refraction()
	p["right_sphere"] = -12.5

	res := Validate(def, p)
	require.True(t, res.OK(), "%v", res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "right_sphere", res.Warnings[0].Field)
}

func TestValidateAcceptsJSONNumbers(t *testing.T) {
	def := mustDefinition(t, "auto_refraction")
	dec := json.NewDecoder(strings.NewReader(`{
		"right_sphere": -1.25, "right_cylinder": -0.5, "right_axis": 90,
		"left_sphere": -1, "left_cylinder": 0, "left_axis": 180,
		"quality": "good", "assessment_outcome": "normal"
	}`))
	dec.UseNumber()
	var p map[string]any
	require.NoError(t, dec.Decode(&p))

	res := Validate(def, p)
	require.True(t, res.OK(), "%v", res.Errors)
	assert.Equal(t, int64(180), res.Values["left_axis"])
}

func TestRulesRunAfterFieldChecks(t *testing.T) {
	def := mustDefinition(t, "detailed_measurement")
	p := map[string]any{
		"right_sphere":     -3.0,
		"right_cylinder":   -1.0,
		"right_axis":       10,
		"left_sphere":      -2.75,
		"left_cylinder":    -0.75,
		"left_axis":        170,
		"abnormality_type": "eye_disease",
	}

	res := Validate(def, p)
	require.Len(t, res.Errors, 1)
	got := res.Errors[0]
	assert.Equal(t, RuleViolation, got.Code)
	assert.Equal(t, "referral_type", got.Field)
	assert.Equal(t, "referral_type_required", got.Constraint)
	assert.Equal(t, []string{"abnormality_type"}, got.Related)

	// A field error masks the rule.
	p["left_axis"] = 200
	res = Validate(def, p)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "left_axis", res.Errors[0].Field)

	p["left_axis"] = 170
	p["referral_type"] = "ophthalmologist"
	res = Validate(def, p)
	assert.True(t, res.OK(), "%v", res.Errors)
}

func TestAssertRule(t *testing.T) {
	def := mustDefinition(t, "registration")

	res := Validate(def, map[string]any{"consent": false, "age_years": 7})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "consent_given", res.Errors[0].Constraint)
	assert.Equal(t, "consent", res.Errors[0].Field)

	res = Validate(def, map[string]any{"consent": true, "age_years": 7, "contact_phone": "not a phone"})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "pattern", res.Errors[0].Constraint)
}

func TestValidateIsDeterministic(t *testing.T) {
	def := mustDefinition(t, "registration")
	p := map[string]any{"zeta": 1, "alpha": 2, "age_years": "seven", "mood": "ok"}

	first := Validate(def, p)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Validate(def, p), "run %d", i)
	}
	var fields []string
	for _, e := range first.Errors {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"consent", "age_years", "alpha", "mood", "zeta"}, fields)
}

func TestCoerceRestoresTypes(t *testing.T) {
	def := mustDefinition(t, "manufacturing")
	got, err := Coerce(def, map[string]any{
		"order_reference": "ORD-1",
		"lab":             "Central",
		"promised_date":   "2026-03-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", got["promised_date"])

	def = mustDefinition(t, "registration")
	got, err = Coerce(def, map[string]any{"consent": true, "age_years": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got["age_years"])
}
