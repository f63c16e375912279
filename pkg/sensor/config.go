package sensor

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sentiolabs/sentio/pkg/telemetry"
)

// Config holds driver configuration. It is created once at startup and
// read-only thereafter.
type Config struct {
	// NamePrefix filters discovery to devices whose display name starts
	// with this prefix.
	NamePrefix string `yaml:"name_prefix" default:"SENTIO"`

	// AutoReconnect enables automatic reconnection after an involuntary
	// disconnect from the last-known device.
	AutoReconnect bool `yaml:"auto_reconnect" default:"true"`

	// EventQueueSize bounds the dispatcher's event queue.
	EventQueueSize int `yaml:"event_queue_size" default:"256"`

	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level" default:"info"`

	// Decoding groups the fixed-point hardware constants for the
	// telemetry decoder.
	Decoding telemetry.Config `yaml:"decoding"`
}

// DefaultConfig returns configuration with the shipped hardware constants.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Decoding = telemetry.DefaultConfig()
	return cfg
}

// LoadConfig reads a YAML file over the defaults. Fields absent from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects inconsistent configuration.
func (c *Config) Validate() error {
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event_queue_size must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return c.Decoding.Validate()
}

// NewLogger creates a logger configured from the config's log level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
