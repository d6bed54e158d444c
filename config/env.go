package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are read from the environment
type Settings struct {
	ConfigPath    string        `env:"EVENTSOURCING_CONFIG"         envDefault:"eventsourcing.yaml"`
	LogLevel      slog.Level    `env:"EVENTSOURCING_LOG_LEVEL"      envDefault:"info"`
	BatchSize     int           `env:"EVENTSOURCING_BATCH_SIZE"     envDefault:"100"`
	WatchInterval time.Duration `env:"EVENTSOURCING_WATCH_INTERVAL" envDefault:"1s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

// LoadSettings reads Settings from the environment
func LoadSettings() (Settings, error) {
	var s Settings

	if err := ParseEnv(&s); err != nil {
		return Settings{}, err
	}

	if s.BatchSize <= 0 {
		return Settings{}, fmt.Errorf("parse env: EVENTSOURCING_BATCH_SIZE must be positive, got %d", s.BatchSize)
	}

	return s, nil
}
