package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
)

func definition(t *testing.T, id string) *registry.StageDefinition {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	def, err := reg.Definition(id)
	require.NoError(t, err)
	return def
}

func TestRouteRegistrationForks(t *testing.T) {
	next, err := Route(definition(t, "registration"), map[string]any{"consent": true, "age_years": int64(9)})
	require.NoError(t, err)
	assert.Equal(t, []string{"auto_refraction", "reading_vision", "abnormality_screen"}, next)
}

func TestRouteDetailedMeasurement(t *testing.T) {
	def := definition(t, "detailed_measurement")

	next, err := Route(def, map[string]any{"abnormality_type": "eye_disease"})
	require.NoError(t, err)
	assert.Equal(t, []string{"referral"}, next)

	for _, kind := range []string{"refractive_error", "amblyopia_risk"} {
		next, err := Route(def, map[string]any{"abnormality_type": kind})
		require.NoError(t, err)
		assert.Equal(t, []string{"prescription"}, next, kind)
	}
}

func TestRouteTerminal(t *testing.T) {
	next, err := Route(definition(t, "normal_exit"), nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRouteJoin(t *testing.T) {
	gate := definition(t, "outcome_gate")
	members := map[string]map[string]any{
		"auto_refraction":    {"assessment_outcome": "normal"},
		"reading_vision":     {"assessment_outcome": "normal"},
		"abnormality_screen": {"assessment_outcome": "normal"},
	}

	b, err := RouteJoin(gate, members)
	require.NoError(t, err)
	assert.Equal(t, []string{"normal_exit"}, b.To)
	assert.Equal(t, "normal", b.Set["assessment_outcome"])

	members["reading_vision"]["assessment_outcome"] = "abnormal"
	b, err = RouteJoin(gate, members)
	require.NoError(t, err)
	assert.Equal(t, []string{"detailed_measurement"}, b.To)

	_, err = RouteJoin(definition(t, "prescription"), members)
	assert.Error(t, err)
}

func TestRouteJoinIncompleteHasNoRoute(t *testing.T) {
	gate := definition(t, "outcome_gate")
	_, err := RouteJoin(gate, map[string]map[string]any{
		"auto_refraction": {"assessment_outcome": "normal"},
	})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSatisfied(t *testing.T) {
	def := definition(t, "auto_refraction")
	assert.False(t, Satisfied(def, map[string]any{"quality": "poor"}))
	assert.True(t, Satisfied(def, map[string]any{"quality": "acceptable"}))
	assert.True(t, Satisfied(definition(t, "reading_vision"), map[string]any{}))
}
