package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// HostMode selects how the Mapper resolves the host part of pooled endpoints.
type HostMode string

const (
	HostModeHost      HostMode = "host"      // orchestrator runs on the container host
	HostModeContainer HostMode = "container" // docker-internal DNS by container name
	HostModeAuto      HostMode = "auto"      // detect at startup
)

// Config holds all orchestrator configuration, loaded from the environment.
type Config struct {
	// Pool layout
	Root         string // filesystem root for per-user pool layouts
	MaxBots      int    // pool capacity (MAX_BOTS_PER_CONTAINER)
	BasePort     int    // floor of the contiguous port space (POOL_BASE_PORT)
	DefaultImage string // runtime image for pool and dedicated containers

	// Mapper
	PoolModeEnabled bool
	HostMode        HostMode
	HostOverride    string

	// Health monitor
	HealthCheckInterval time.Duration
	BotPingTimeout      time.Duration
	MaxRestartAttempts  int
	RestartCooldown     time.Duration

	// Runtime driver
	ExecTimeout time.Duration

	// Ambient
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		Root:                envString("POOL_ROOT", "/var/lib/burrow"),
		MaxBots:             envInt("MAX_BOTS_PER_CONTAINER", 3),
		BasePort:            envInt("POOL_BASE_PORT", 9000),
		DefaultImage:        envString("POOL_IMAGE", "burrow/bot-host:latest"),
		PoolModeEnabled:     envBool("POOL_MODE_ENABLED", true),
		HostMode:            HostMode(envString("POOL_HOST_MODE", string(HostModeAuto))),
		HostOverride:        envString("POOL_HOST_OVERRIDE", ""),
		HealthCheckInterval: envDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		BotPingTimeout:      envDuration("BOT_PING_TIMEOUT", 5*time.Second),
		MaxRestartAttempts:  envInt("MAX_RESTART_ATTEMPTS", 3),
		RestartCooldown:     envDuration("RESTART_COOLDOWN", 60*time.Second),
		ExecTimeout:         envDuration("CONTAINER_EXEC_TIMEOUT", 15*time.Second),
		LogLevel:            envString("LOG_LEVEL", "info"),
		LogJSON:             envBool("LOG_JSON", false),
		MetricsAddr:         envString("METRICS_ADDR", ":9090"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxBots <= 0 {
		return fmt.Errorf("MAX_BOTS_PER_CONTAINER must be positive, got %d", c.MaxBots)
	}
	if c.BasePort <= 0 || c.BasePort > 65535-c.MaxBots {
		return fmt.Errorf("POOL_BASE_PORT %d leaves no room for %d ports", c.BasePort, c.MaxBots)
	}
	switch c.HostMode {
	case HostModeHost, HostModeContainer, HostModeAuto:
	default:
		return fmt.Errorf("POOL_HOST_MODE must be host, container or auto, got %q", c.HostMode)
	}
	if c.MaxRestartAttempts <= 0 {
		return fmt.Errorf("MAX_RESTART_ATTEMPTS must be positive, got %d", c.MaxRestartAttempts)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept both bare seconds ("30") and Go durations ("30s").
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
