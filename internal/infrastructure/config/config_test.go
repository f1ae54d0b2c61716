package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Save original env vars and restore after tests
	originalEnv := map[string]string{
		"TIERSYNC_APP_NAME":                   os.Getenv("TIERSYNC_APP_NAME"),
		"TIERSYNC_APP_ENV":                    os.Getenv("TIERSYNC_APP_ENV"),
		"TIERSYNC_APP_PORT":                   os.Getenv("TIERSYNC_APP_PORT"),
		"TIERSYNC_DATABASE_HOST":              os.Getenv("TIERSYNC_DATABASE_HOST"),
		"TIERSYNC_DATABASE_PORT":              os.Getenv("TIERSYNC_DATABASE_PORT"),
		"TIERSYNC_DATABASE_PASSWORD":          os.Getenv("TIERSYNC_DATABASE_PASSWORD"),
		"TIERSYNC_DATABASE_MAX_OPEN_CONNS":    os.Getenv("TIERSYNC_DATABASE_MAX_OPEN_CONNS"),
		"TIERSYNC_DATABASE_MAX_IDLE_CONNS":    os.Getenv("TIERSYNC_DATABASE_MAX_IDLE_CONNS"),
		"TIERSYNC_SCHEDULER_LEDGER_BACKEND":   os.Getenv("TIERSYNC_SCHEDULER_LEDGER_BACKEND"),
		"TIERSYNC_SCHEDULER_USAGE_RETENTION":  os.Getenv("TIERSYNC_SCHEDULER_USAGE_RETENTION"),
		"TIERSYNC_SCHEDULER_CONNECTOR_TIMEOUT": os.Getenv("TIERSYNC_SCHEDULER_CONNECTOR_TIMEOUT"),
		"TIERSYNC_JWT_SECRET":                 os.Getenv("TIERSYNC_JWT_SECRET"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	clearEnv := func() {
		for k := range originalEnv {
			os.Unsetenv(k)
		}
	}

	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearEnv()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "tiersync", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, "localhost", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, LedgerBackendDatabase, cfg.Scheduler.LedgerBackend)
		assert.Equal(t, LedgerBackendMemory, cfg.Scheduler.RunLockBackend)
		assert.Equal(t, 30*time.Second, cfg.Scheduler.ConnectorTimeout)
		assert.Equal(t, 24*time.Hour, cfg.Scheduler.UsageRetention)
		assert.Empty(t, cfg.Targets)
		assert.Empty(t, cfg.Scheduler.Tiers)
	})

	t.Run("loads values from environment variables with TIERSYNC prefix", func(t *testing.T) {
		clearEnv()
		os.Setenv("TIERSYNC_APP_NAME", "sync-test")
		os.Setenv("TIERSYNC_DATABASE_HOST", "testdb.local")
		os.Setenv("TIERSYNC_DATABASE_PORT", "5433")
		os.Setenv("TIERSYNC_SCHEDULER_LEDGER_BACKEND", "redis")
		os.Setenv("TIERSYNC_SCHEDULER_CONNECTOR_TIMEOUT", "10s")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "sync-test", cfg.App.Name)
		assert.Equal(t, "testdb.local", cfg.Database.Host)
		assert.Equal(t, 5433, cfg.Database.Port)
		assert.Equal(t, LedgerBackendRedis, cfg.Scheduler.LedgerBackend)
		assert.Equal(t, 10*time.Second, cfg.Scheduler.ConnectorTimeout)
	})

	t.Run("validates MaxIdleConns cannot exceed MaxOpenConns", func(t *testing.T) {
		clearEnv()
		os.Setenv("TIERSYNC_DATABASE_MAX_OPEN_CONNS", "10")
		os.Setenv("TIERSYNC_DATABASE_MAX_IDLE_CONNS", "20")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("rejects unknown ledger backend", func(t *testing.T) {
		clearEnv()
		os.Setenv("TIERSYNC_SCHEDULER_LEDGER_BACKEND", "etcd")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger_backend")
	})

	t.Run("rejects retention shorter than the hour window", func(t *testing.T) {
		clearEnv()
		os.Setenv("TIERSYNC_SCHEDULER_USAGE_RETENTION", "30m")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "usage_retention")
	})

	t.Run("requires long jwt secret in production", func(t *testing.T) {
		clearEnv()
		os.Setenv("TIERSYNC_APP_ENV", "production")
		os.Setenv("TIERSYNC_JWT_SECRET", "short")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt.secret")
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_TargetsAndTiers(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
enabled = true

[scheduler.tiers.high]
cadence = "2m"
quota_fraction = "0.75"
delay = "1s"

[[targets]]
code = "shop-a"
enabled = true
per_minute_limit = 30
per_hour_limit = 1000
connector = "http"
base_url = "https://gateway.example.com"
app_key = "key"
app_secret = "secret"
timeout = "5s"

[[targets]]
code = "shop-b"
enabled = false
per_minute_limit = 0
per_hour_limit = 0
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Scheduler.Enabled)
	require.Contains(t, cfg.Scheduler.Tiers, "high")
	high := cfg.Scheduler.Tiers["high"]
	assert.Equal(t, 2*time.Minute, high.Cadence)
	assert.Equal(t, time.Second, high.Delay)
	assert.Equal(t, "0.75", high.QuotaFraction.String())

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, "shop-a", cfg.Targets[0].Code)
	assert.Equal(t, 30, cfg.Targets[0].PerMinuteLimit)
	assert.Equal(t, 1000, cfg.Targets[0].PerHourLimit)
	assert.Equal(t, 5*time.Second, cfg.Targets[0].Timeout)
	// unusable limits are loaded, the registry decides what to do with them
	assert.Equal(t, 0, cfg.Targets[1].PerMinuteLimit)
	assert.False(t, cfg.Targets[1].Enabled)
}

func TestLoadFile_TargetValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		errPart string
	}{
		{
			name: "missing code",
			body: `
[[targets]]
enabled = true
`,
			errPart: "Code",
		},
		{
			name: "duplicate code",
			body: `
[[targets]]
code = "a"
[[targets]]
code = "a"
`,
			errPart: "duplicate",
		},
		{
			name: "unknown connector",
			body: `
[[targets]]
code = "a"
connector = "grpc"
`,
			errPart: "Connector",
		},
		{
			name: "bad quota fraction",
			body: `
[scheduler.tiers.low]
quota_fraction = "forty percent"
`,
			errPart: "quota_fraction",
		},
		{
			name: "unknown tier",
			body: `
[scheduler.tiers.urgent]
cadence = "1m"
`,
			errPart: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			if tt.errPart == "" {
				// unknown tier names are ignored by the loader
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "sync",
		Password: "p@ss word",
		DBName:   "tiersync",
		SSLMode:  "require",
	}
	assert.Equal(t, "postgres://sync:p%40ss%20word@db:5432/tiersync?sslmode=require", d.DSN())
}
