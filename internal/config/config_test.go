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

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 16, cfg.Session.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Session.Retention)
	assert.Equal(t, 30*time.Second, cfg.Session.ReapInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.KillGrace)
	assert.Equal(t, 1<<20, cfg.Session.SinkBufferBytes)
	assert.Equal(t, 4096, cfg.Job.OutputCap)
	assert.Equal(t, 300*time.Second, cfg.Job.DefaultTimeout)
	assert.NotEmpty(t, cfg.Session.Shell)
	assert.NotEmpty(t, cfg.Storage.DBPath)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SESSION_MAX", "3")
	t.Setenv("SESSION_RETENTION", "90s")
	t.Setenv("SESSION_SHELL", "/bin/sh")
	t.Setenv("LOG_DEV", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Session.MaxSessions)
	assert.Equal(t, 90*time.Second, cfg.Session.Retention)
	assert.Equal(t, "/bin/sh", cfg.Session.Shell)
	assert.True(t, cfg.Logging.Development)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Session.MaxSessions = 0
	cfg.WebSocket.PingPeriod = time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_MAX")
	assert.Contains(t, err.Error(), "WS_PING_PERIOD")
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
