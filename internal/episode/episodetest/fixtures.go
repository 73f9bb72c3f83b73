// Package episodetest provides valid stage payloads for the default pathway
// and helpers to drive an episode through it in tests.
package episodetest

import (
	"context"
	"testing"

	"github.com/AaronLay10/ScreeningEngine/internal/episode"
)

// Actor is the submitting operator used by fixtures.
const Actor = "optometrist-1"

func Registration() map[string]any {
	return map[string]any{
		"consent":       true,
		"age_years":     34,
		"sex":           "female",
		"wears_glasses": false,
	}
}

func AutoRefraction(outcome, quality string) map[string]any {
	return map[string]any{
		"right_sphere":       -1.25,
		"right_cylinder":     -0.5,
		"right_axis":         90,
		"left_sphere":        -1.0,
		"left_cylinder":      -0.25,
		"left_axis":          85,
		"quality":            quality,
		"assessment_outcome": outcome,
	}
}

func ReadingVision(outcome string) map[string]any {
	return map[string]any{
		"chart_type":         "snellen",
		"right_acuity":       0.8,
		"left_acuity":        1.0,
		"assessment_outcome": outcome,
	}
}

func AbnormalityScreen(outcome string) map[string]any {
	return map[string]any{
		"strabismus":           false,
		"external_abnormality": false,
		"assessment_outcome":   outcome,
	}
}

// DetailedMeasurement omits referral_type when it is empty.
func DetailedMeasurement(abnormalityType, referralType string) map[string]any {
	p := map[string]any{
		"right_sphere":       -1.5,
		"right_cylinder":     -0.5,
		"right_axis":         90,
		"left_sphere":        -1.25,
		"left_cylinder":      -0.25,
		"left_axis":          85,
		"pupillary_distance": 62,
		"abnormality_type":   abnormalityType,
	}
	if referralType != "" {
		p["referral_type"] = referralType
	}
	return p
}

func Prescription() map[string]any {
	return map[string]any{
		"right_sphere":       -1.5,
		"right_cylinder":     -0.5,
		"right_axis":         90,
		"left_sphere":        -1.25,
		"left_cylinder":      -0.25,
		"left_axis":          85,
		"pupillary_distance": 62,
		"lens_type":          "single_vision",
		"prescribed_by":      "Dr. Somchai",
	}
}

func Manufacturing() map[string]any {
	return map[string]any{
		"order_reference": "ORD-0001",
		"lab":             "Provincial optical lab",
		"promised_date":   "2026-02-10",
	}
}

func Delivery() map[string]any {
	return map[string]any{
		"delivered_on": "2026-02-12",
		"fit_ok":       true,
	}
}

func Followup() map[string]any {
	return map[string]any{
		"preferred_channel": "sms",
		"reminder_consent":  true,
	}
}

// Step is one submission.
type Step struct {
	Stage   string
	Payload map[string]any
}

// Initial returns the registration and three normal or abnormal initial
// assessments.
func Initial(outcome string) []Step {
	return []Step{
		{"registration", Registration()},
		{"auto_refraction", AutoRefraction(outcome, "good")},
		{"reading_vision", ReadingVision(outcome)},
		{"abnormality_screen", AbnormalityScreen(outcome)},
	}
}

// PrescriptionPath runs an episode from registration to closed through a
// prescription.
func PrescriptionPath() []Step {
	return append(Initial("abnormal"),
		Step{"detailed_measurement", DetailedMeasurement("refractive_error", "")},
		Step{"prescription", Prescription()},
		Step{"manufacturing", Manufacturing()},
		Step{"delivery", Delivery()},
		Step{"followup", Followup()},
	)
}

// Drive submits steps in order and fails the test on the first error.
func Drive(t testing.TB, e *episode.Engine, episodeID string, steps []Step) {
	t.Helper()
	for _, s := range steps {
		if _, err := e.Submit(context.Background(), episodeID, s.Stage, s.Payload, Actor); err != nil {
			t.Fatalf("submit %s: %v", s.Stage, err)
		}
	}
}
