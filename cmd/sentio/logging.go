package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sentiolabs/sentio/pkg/sensor"
)

// configureLogger creates a logger with the appropriate log level based on
// flags. --log-level takes precedence over the config file's level.
func configureLogger(cmd *cobra.Command, cfg *sensor.Config) (*logrus.Logger, error) {
	logLevel := logrus.WarnLevel
	if cfg != nil {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logLevel = level
		}
	}

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		level, err := logrus.ParseLevel(logLevelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		logLevel = level
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

// loadConfig resolves driver configuration from --config, falling back to
// the shipped hardware defaults.
func loadConfig(cmd *cobra.Command) (*sensor.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return sensor.DefaultConfig(), nil
	}
	return sensor.LoadConfig(path)
}
