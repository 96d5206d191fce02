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

	assert.Equal(t, "/var/lib/burrow", cfg.Root)
	assert.Equal(t, 3, cfg.MaxBots)
	assert.Equal(t, 9000, cfg.BasePort)
	assert.True(t, cfg.PoolModeEnabled)
	assert.Equal(t, HostModeAuto, cfg.HostMode)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 3, cfg.MaxRestartAttempts)
	assert.Equal(t, 60*time.Second, cfg.RestartCooldown)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("POOL_ROOT", "/tmp/pools")
	t.Setenv("MAX_BOTS_PER_CONTAINER", "5")
	t.Setenv("POOL_BASE_PORT", "10000")
	t.Setenv("POOL_HOST_MODE", "host")
	t.Setenv("HEALTH_CHECK_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pools", cfg.Root)
	assert.Equal(t, 5, cfg.MaxBots)
	assert.Equal(t, 10000, cfg.BasePort)
	assert.Equal(t, HostModeHost, cfg.HostMode)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
}

func TestDurationsAcceptBareSeconds(t *testing.T) {
	t.Setenv("HEALTH_CHECK_INTERVAL", "45")
	t.Setenv("RESTART_COOLDOWN", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 90*time.Second, cfg.RestartCooldown)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero capacity",
			mutate:  func(c *Config) { c.MaxBots = 0 },
			wantErr: "MAX_BOTS_PER_CONTAINER",
		},
		{
			name:    "port range overflows",
			mutate:  func(c *Config) { c.BasePort = 65534 },
			wantErr: "POOL_BASE_PORT",
		},
		{
			name:    "bad host mode",
			mutate:  func(c *Config) { c.HostMode = "cloud" },
			wantErr: "POOL_HOST_MODE",
		},
		{
			name:    "zero restart budget",
			mutate:  func(c *Config) { c.MaxRestartAttempts = 0 },
			wantErr: "MAX_RESTART_ATTEMPTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
