package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/storetest"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "6432")
	t.Setenv("PGUSER", "")
	t.Setenv("PGDATABASE", "")
	t.Setenv("PGSSLMODE", "require")
	t.Setenv("PGPASSWORD", "")
	secret := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(secret, []byte("it's a secret\n"), 0o600))
	t.Setenv("PGPASSWORD_FILE", secret)

	opts, err := OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", opts.Host)
	assert.Equal(t, "screening", opts.User)
	assert.Equal(t, "it's a secret", opts.Password)
	assert.Equal(t,
		`host=db.internal port=6432 user=screening password='it\'s a secret' dbname=screening sslmode=require`,
		opts.DSN())
}

func TestOptionsFromEnvRequiresPassword(t *testing.T) {
	t.Setenv("PGPASSWORD", "")
	t.Setenv("PGPASSWORD_FILE", "")
	_, err := OptionsFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PGPASSWORD")

	_, err = Open(context.Background(), "", nil)
	assert.Error(t, err, "no DSN and no password")
}

func TestDSNWithoutPassword(t *testing.T) {
	o := Options{Host: "localhost", Port: "5432", User: "u", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=u dbname=d sslmode=disable", o.DSN())
	assert.Equal(t, "''", quote(""))
}

// TestStore needs a disposable database, selected with SCREENING_TEST_PG=1 and
// the usual PG* variables.
func TestStore(t *testing.T) {
	if os.Getenv("SCREENING_TEST_PG") != "1" {
		t.Skip("set SCREENING_TEST_PG=1 to run against PostgreSQL")
	}
	storetest.Run(t, func(t *testing.T, reg *registry.Registry) storetest.Store {
		ctx := context.Background()
		s, err := Open(ctx, "", reg)
		require.NoError(t, err)
		_, err = s.DB().ExecContext(ctx, `TRUNCATE stage_records, audit_events, episodes`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
