package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 8, cfg.Agent.MaxTurns)
	assert.Equal(t, 60*time.Second, cfg.Agent.PerTurnTimeout)
	assert.Equal(t, 30.0, cfg.Agent.PadSide)
	assert.Equal(t, 70.0, cfg.Agent.PadTop)
	assert.Equal(t, 30.0, cfg.Agent.PadBottom)
	assert.Equal(t, 60*time.Millisecond, cfg.Presence.Throttle())
	assert.Equal(t, 30*time.Second, cfg.Presence.Stale)
	assert.Equal(t, 60*time.Second, cfg.Presence.StaleStore)
	assert.Equal(t, 10*time.Second, cfg.Presence.ReapInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention.EventTTL)
	assert.False(t, cfg.Langfuse.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("MAX_TURNS", "3")
	t.Setenv("PER_TURN_TIMEOUT", "5s")
	t.Setenv("THROTTLE_MS", "120")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk-lf")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk-lf")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, 3, cfg.Agent.MaxTurns)
	assert.Equal(t, 5*time.Second, cfg.Agent.PerTurnTimeout)
	assert.Equal(t, 120*time.Millisecond, cfg.Presence.Throttle())
	assert.True(t, cfg.Langfuse.Enabled())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T)
		wantErr string
	}{
		{
			"missing jwt secret",
			func(t *testing.T) { t.Setenv("AUTH_JWT_SECRET", "") },
			"AUTH_JWT_SECRET",
		},
		{
			"missing anthropic key",
			func(t *testing.T) { t.Setenv("ANTHROPIC_API_KEY", "") },
			"ANTHROPIC_API_KEY",
		},
		{
			"zero max turns",
			func(t *testing.T) { t.Setenv("MAX_TURNS", "0") },
			"MAX_TURNS",
		},
		{
			"stale beyond store",
			func(t *testing.T) { t.Setenv("STALE", "90s") },
			"STALE",
		},
		{
			"zero throttle",
			func(t *testing.T) { t.Setenv("THROTTLE_MS", "0") },
			"THROTTLE_MS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			tt.mutate(t)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
