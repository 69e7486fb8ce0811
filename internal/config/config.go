package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the engine's environment-sourced settings, loaded via
// caarlos0/env with an optional .env overlay.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"` // realtime queue/member backend; empty disables realtime

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"acd-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	QueueConfigPath string `env:"QUEUE_CONFIG_PATH" envDefault:"./queues.ini"`
	PersistDir      string `env:"PERSIST_DIR" envDefault:"./data/persist"`
	PersistMembers  bool   `env:"PERSIST_MEMBERS" envDefault:"true"`
	KeepStats       bool   `env:"KEEP_STATS" envDefault:"true"`
	EventRingSize   int    `env:"EVENT_RING_SIZE" envDefault:"256"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool   // true when auto-generated (not from env/config)
	CORSOrigins        string `env:"CORS_ORIGINS"` // comma-separated allowed origins; empty = allow all (*)
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Validate checks internally consistent settings.
func (c *Config) Validate() error {
	if c.PersistMembers && c.PersistDir == "" {
		return fmt.Errorf("PERSIST_DIR must be set when PERSIST_MEMBERS is enabled")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile         string
	HTTPAddr        string
	LogLevel        string
	DatabaseURL     string
	MQTTBrokerURL   string
	QueueConfigPath string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults (same precedence order as loader).
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.QueueConfigPath != "" {
		cfg.QueueConfigPath = overrides.QueueConfigPath
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate AUTH_TOKEN if not configured, so the management API
		// is never left open by omission. Set AUTH_TOKEN in .env for a
		// persistent one across restarts.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
