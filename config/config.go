// Package config holds the process level configuration of the relay, parsed
// from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config wraps the environment driven settings of a relay process.
type Config struct {
	ServiceName         string        `env:"SERVICE_NAME" envDefault:"multicast-relay"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"INFO"`
	LogOutput           string        `env:"LOG_OUTPUT" envDefault:"stdout"`
	LogFormat           string        `env:"LOG_FORMAT" envDefault:"json"`
	RoutesFile          string        `env:"ROUTES_FILE"`
	SettingsPrefix      string        `env:"SETTINGS_PREFIX"`
	OpsAddr             string        `env:"OPS_ADDR" envDefault:":9090"`
	CopyTimeout         time.Duration `env:"COPY_TIMEOUT" envDefault:"30s"`
	DequeueBatchSize    int           `env:"DEQUEUE_BATCH_SIZE" envDefault:"10"`
	MinEmptyPollBackoff time.Duration `env:"MIN_EMPTY_POLL_BACKOFF" envDefault:"100ms"`
	DequeueRateLimit    float64       `env:"DEQUEUE_RATE_LIMIT" envDefault:"0"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses Config from the environment, returning the config and error (if any).
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parsing environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the numeric settings are usable.
func (c Config) Validate() error {
	if c.DequeueBatchSize < 1 {
		return fmt.Errorf("DEQUEUE_BATCH_SIZE must be at least 1, got %d", c.DequeueBatchSize)
	}
	if c.CopyTimeout < 0 {
		return fmt.Errorf("COPY_TIMEOUT cannot be negative")
	}
	if c.MinEmptyPollBackoff < 0 {
		return fmt.Errorf("MIN_EMPTY_POLL_BACKOFF cannot be negative")
	}
	if c.DequeueRateLimit < 0 {
		return fmt.Errorf("DEQUEUE_RATE_LIMIT cannot be negative")
	}
	return nil
}
