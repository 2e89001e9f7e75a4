package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "cache.example.com:6380", cfg.Redis.Address)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 3*time.Second, cfg.Redis.Timeout)

	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "tickwell-staging", cfg.Auth.JWT.Issuer)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.AccessTTL)
	require.Equal(t, 240*time.Hour, cfg.Auth.JWT.RefreshTTL)
	require.Equal(t, 30*time.Minute, cfg.Auth.Session.SweepInterval)
	require.Equal(t, 7, cfg.Auth.RateLimit.MaxAttempts)
	require.Equal(t, 20*time.Minute, cfg.Auth.RateLimit.LockDuration)
	require.Equal(t, 5*time.Minute, cfg.Auth.TwoFactor.CodeTTL)

	require.True(t, cfg.Email.SMTP.Enabled)
	require.Equal(t, "smtp.example.com", cfg.Email.SMTP.Host)
	require.Equal(t, 2525, cfg.Email.SMTP.Port)
	require.Equal(t, "no-reply@example.com", cfg.Email.SMTP.From)
	require.Equal(t, 15*time.Second, cfg.Email.SMTP.Timeout)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, 45*time.Minute, cfg.Auth.JWT.AccessTTL)
	require.Equal(t, 168*time.Hour, cfg.Auth.JWT.RefreshTTL)
	require.Equal(t, 5, cfg.Auth.RateLimit.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.Auth.RateLimit.LockDuration)
	require.Equal(t, 10*time.Minute, cfg.Auth.TwoFactor.CodeTTL)
	require.False(t, cfg.Email.SMTP.Enabled)

	// The JWT secret has no default and must be supplied.
	require.Error(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TICKWELL_SERVER_PORT", "9001")
	t.Setenv("TICKWELL_AUTH_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
}
