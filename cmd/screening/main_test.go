package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/metrics"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/memory"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/sqlite"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckRegistryDefault(t *testing.T) {
	out, err := run(t, "check-registry")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pathway community-vision-screening")
	assert.Contains(t, out, "registration")
	assert.Contains(t, out, "outcome_gate")
}

func TestCheckRegistryRejectsOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	doc := `version: 1
pathway: overlap
stages:
  - id: start
    fields:
      - { name: ok, type: boolean, required: true }
    branches:
      - { to: [a], when: "ok == true" }
      - { to: [b], when: "ok == true || ok == false" }
  - id: a
    predecessors: [start]
  - id: b
    predecessors: [start]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	out, err := run(t, "check-registry", "--file", path)
	require.Error(t, err, out)
	assert.Contains(t, err.Error(), "ambiguous route")
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 9\n"), 0600))
	_, err := run(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported unit.yaml version")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.yaml")
	cfg := "version: 1\nunit:\n  id: test-unit\nnetwork:\n  api_port: 18931\nstorage:\n  driver: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	var logs bytes.Buffer
	require.NoError(t, serve(ctx, path, &logs), logs.String())
	assert.Contains(t, logs.String(), "system.startup")
	assert.Contains(t, logs.String(), "system.shutdown")
}

func gathered(t *testing.T, m *metrics.Metrics, name string) bool {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}

func TestObserveStoreExportsPoolGauge(t *testing.T) {
	reg, err := registry.Default()
	require.NoError(t, err)
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "screening.db"), reg)
	require.NoError(t, err)
	defer st.Close()

	m := metrics.New("test-unit", "dev")
	observeStore(m, st)
	assert.True(t, gathered(t, m, "screening_db_open_connections"), "SQL store exports its pool")

	m = metrics.New("test-unit", "dev")
	observeStore(m, memory.New())
	assert.False(t, gathered(t, m, "screening_db_open_connections"), "memory store has no pool")
}
