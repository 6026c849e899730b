package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the coordinator reads. The lifecycle
// thresholds are deliberately plain configuration: nothing derives them
// at runtime.
type Config struct {
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	WebSocket   WebSocketConfig
	Lifecycle   LifecycleConfig
}

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Path    string
	Timeout time.Duration
}

type WebSocketConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// LifecycleConfig bounds how quickly a silent teacher loses ownership and
// how quickly abandoned sessions are reclaimed.
type LifecycleConfig struct {
	// LivenessWindow is the grace period during which a silent owner is
	// not yet considered to have abandoned the session.
	LivenessWindow time.Duration
	// HardLivenessWindow is the longer, defense-in-depth demotion bound.
	HardLivenessWindow time.Duration
	// EmptyGrace is how long a session with zero participants may idle
	// before it is marked inactive.
	EmptyGrace time.Duration
	// SessionTTL is the inactivity bound after which a session expires.
	SessionTTL time.Duration
	// SweepInterval is the sweeper's tick period.
	SweepInterval time.Duration
}

// Default returns production-ready defaults. The lifecycle numbers mirror
// the thresholds the system was operated with; none of them is load-bearing.
func Default() *Config {
	return &Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:    "./liveclass.db",
			Timeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Lifecycle: LifecycleConfig{
			LivenessWindow:     10 * time.Second,
			HardLivenessWindow: 30 * time.Second,
			EmptyGrace:         5 * time.Minute,
			SessionTTL:         2 * time.Hour,
			SweepInterval:      5 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then a .env file if present,
// then environment variable overrides.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load(".env")

	cfg := Default()

	if env := os.Getenv("LIVECLASS_ENV"); env != "" {
		cfg.Environment = env
	}
	if host := os.Getenv("LIVECLASS_HTTP_HOST"); host != "" {
		cfg.HTTP.Host = host
	}
	overrideInt("LIVECLASS_HTTP_PORT", &cfg.HTTP.Port)
	overrideDuration("LIVECLASS_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	overrideDuration("LIVECLASS_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)

	if path := os.Getenv("LIVECLASS_DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	overrideDuration("LIVECLASS_DB_TIMEOUT", &cfg.Database.Timeout)

	overrideDuration("LIVECLASS_WS_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	overrideDuration("LIVECLASS_WS_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	overrideDuration("LIVECLASS_WS_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	overrideInt("LIVECLASS_WS_BUFFER_SIZE", &cfg.WebSocket.BufferSize)

	overrideDuration("LIVECLASS_LIVENESS_WINDOW", &cfg.Lifecycle.LivenessWindow)
	overrideDuration("LIVECLASS_HARD_LIVENESS_WINDOW", &cfg.Lifecycle.HardLivenessWindow)
	overrideDuration("LIVECLASS_EMPTY_GRACE", &cfg.Lifecycle.EmptyGrace)
	overrideDuration("LIVECLASS_SESSION_TTL", &cfg.Lifecycle.SessionTTL)
	overrideDuration("LIVECLASS_SWEEP_INTERVAL", &cfg.Lifecycle.SweepInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing loudly at startup.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.Lifecycle.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive")
	}
	if c.Lifecycle.HardLivenessWindow < c.Lifecycle.LivenessWindow {
		return fmt.Errorf("hard liveness window must not be shorter than the liveness window")
	}
	if c.Lifecycle.EmptyGrace <= 0 || c.Lifecycle.SessionTTL <= 0 {
		return fmt.Errorf("lifecycle thresholds must be positive")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func overrideInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			*dst = v
		}
	}
}
