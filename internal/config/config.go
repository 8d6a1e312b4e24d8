// Package config loads server configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Room RoomConfig `yaml:"room"`
}

// RoomConfig holds room actor tunables. Durations accept Go duration
// strings ("5m") or bare integer seconds.
type RoomConfig struct {
	GracePeriod    time.Duration
	IdempotencyTTL time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler; yaml.v3 cannot decode
// duration strings into time.Duration fields directly.
func (rc *RoomConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		GracePeriod    string `yaml:"grace_period"`
		IdempotencyTTL string `yaml:"idempotency_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.GracePeriod != "" {
		d, err := parseDuration(raw.GracePeriod)
		if err != nil {
			return fmt.Errorf("room.grace_period: %w", err)
		}
		rc.GracePeriod = d
	}
	if raw.IdempotencyTTL != "" {
		d, err := parseDuration(raw.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("room.idempotency_ttl: %w", err)
		}
		rc.IdempotencyTTL = d
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Load reads the YAML file at path (when it exists) and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = url
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "sharepaint"
	cfg.Database.SSLMode = "disable"
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.Room.GracePeriod = 5 * time.Minute
	cfg.Room.IdempotencyTTL = 2 * time.Minute
	return cfg
}

// DSN returns the Postgres connection URL.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Database, c.Database.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
