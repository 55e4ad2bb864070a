package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "./data/billing.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 1000, cfg.Runner.CatchUpCap)
	assert.Equal(t, uint64(3), cfg.Runner.NumberRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Runner.RetryDelay)
	assert.True(t, cfg.Reporting.DedupEpsilon.Equal(decimal.RequireFromString("0.01")))
	assert.False(t, cfg.IsProduction())
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	// GIVEN: config.toml sets the port and the scheduler
	// AND: BILLING_APP_PORT is set in the environment
	// THEN: env wins over the file, file wins over defaults

	dir := t.TempDir()
	toml := `
[app]
env = "production"
port = "9000"

[scheduler]
enabled = true
interval = "15m"

[runner]
catch_up_cap = 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o644))
	t.Setenv("BILLING_APP_PORT", "9100")
	t.Setenv("BILLING_RUNNER_RETRY_DELAY", "250ms")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.App.Port)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 50, cfg.Runner.CatchUpCap)
	assert.Equal(t, 250*time.Millisecond, cfg.Runner.RetryDelay)

	bc := cfg.BillingConfig()
	assert.Equal(t, 50, bc.CatchUpCap)
	assert.Equal(t, cfg.Scheduler.MaxConcurrency, bc.MaxConcurrency)
}

func TestLoadFrom_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("BILLING_DATABASE_PATH=/tmp/from-dotenv.db\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("BILLING_DATABASE_PATH") })

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.Database.Path)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad epsilon", map[string]string{"BILLING_REPORTING_DEDUP_EPSILON": "cents"}},
		{"negative epsilon", map[string]string{"BILLING_REPORTING_DEDUP_EPSILON": "-0.5"}},
		{"zero cap", map[string]string{"BILLING_RUNNER_CATCH_UP_CAP": "0"}},
		{"zero concurrency", map[string]string{"BILLING_SCHEDULER_MAX_CONCURRENCY": "0"}},
		{"enabled without interval", map[string]string{
			"BILLING_SCHEDULER_ENABLED":  "true",
			"BILLING_SCHEDULER_INTERVAL": "0s",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom(t.TempDir())
			assert.Error(t, err)
		})
	}
}
