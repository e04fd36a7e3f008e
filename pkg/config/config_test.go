package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "warden.db", cfg.DatabaseURL)
	assert.Equal(t, "policy.yaml", cfg.PolicyPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.BindingTTL)
	assert.Equal(t, 30, cfg.AutoRepliesPerMinute)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WARDEN_DB_DRIVER", "postgres")
	t.Setenv("WARDEN_DATABASE_URL", "postgres://warden@localhost/warden")
	t.Setenv("WARDEN_BINDING_TTL", "5m")
	t.Setenv("WARDEN_AUTO_REPLIES_PER_MINUTE", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://warden@localhost/warden", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.BindingTTL)
	assert.Equal(t, 10, cfg.AutoRepliesPerMinute)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("WARDEN_DB_DRIVER", "oracle")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("WARDEN_BINDING_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)
}
