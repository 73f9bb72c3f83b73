package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New("debug", &buf), "engine")
	log.Debug().Str("episode_id", "ep-1").Msg("stage committed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	for _, key := range []string{"ts", "level", "msg", "component", "episode_id"} {
		assert.Contains(t, line, key)
	}
	assert.Equal(t, "stage committed", line["msg"])
	assert.Equal(t, "engine", line["component"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", &buf)
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len(), "info should be filtered at warn")
	log.Warn().Msg("shown")
	assert.NotZero(t, buf.Len(), "warn should be written")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" ERROR ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}
