// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed configuration for the transfer engine and shipped transports,
// loadable from YAML with sane defaults.

package control

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config carries tunables for the engine, notifier and transports.
type Config struct {
	// LogLevel is a logrus level name: panic..trace.
	LogLevel string `yaml:"log_level"`

	// DispatchWorkers sizes the completion callback dispatch pool used
	// by the websocket transport. Zero means one worker per CPU.
	DispatchWorkers int `yaml:"dispatch_workers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		DispatchWorkers: 0,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.DispatchWorkers < 0 {
		return fmt.Errorf("dispatch_workers must be >= 0, got %d", c.DispatchWorkers)
	}
	return nil
}

// Logger builds a logrus logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
