package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 28, cfg.Jobs.HorizonDays)
}

func TestLoad_FileExpandsEnv(t *testing.T) {
	// GIVEN: A config file referencing ${PG_DSN}
	// WHEN: Loaded
	// THEN: The reference is expanded and other values are kept
	t.Setenv("PG_DSN", "postgres://visits@db/visits")
	path := writeConfig(t, `
server:
  address: ":9090"
  read_timeout: 5s
database:
  driver: postgres
  dsn: ${PG_DSN}
billing:
  bill_missed_default: true
jobs:
  enabled: true
  timezone: America/Chicago
  materialize_schedule: "15 1 * * *"
  billing_schedule: "0 4 * * 1"
  horizon_days: 14
  billing_lookback_days: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, "postgres://visits@db/visits", cfg.Database.DSN)
	assert.True(t, cfg.Billing.BillMissedDefault)
	assert.Equal(t, 14, cfg.Jobs.HorizonDays)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("VISIT_DB_DSN", "/tmp/override.db")
	t.Setenv("VISIT_LOG_LEVEL", "debug")
	t.Setenv("VISIT_JOBS_ENABLED", "false")
	path := writeConfig(t, "database:\n  dsn: file.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Jobs.Enabled)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"bad cron", "jobs:\n  materialize_schedule: \"every night\"\n"},
		{"bad duration", "server:\n  read_timeout: soon\n"},
		{"zero horizon", "jobs:\n  horizon_days: 0\n"},
		{"bad timezone", "jobs:\n  timezone: Mars/Olympus\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
