// Package config loads grove's file configuration: store location and
// tuning, vector index dimensions, logging, and spawn limits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig tunes the embedded database.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults under the user home.
	Path string `yaml:"path"`
	// BusyTimeoutMS is the sqlite busy handler timeout.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
	// BlobThresholdBytes externalizes event content larger than this into
	// the blob store. Zero keeps everything inline.
	BlobThresholdBytes int `yaml:"blob_threshold_bytes"`
}

// VectorConfig tunes the optional embedding index.
type VectorConfig struct {
	// Dimensions is the required embedding length; zero disables the check.
	Dimensions int `yaml:"dimensions"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// SpawnConfig bounds subagent execution.
type SpawnConfig struct {
	// TimeoutSeconds bounds blocking subagent waits.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the root file configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Vector VectorConfig `yaml:"vector"`
	Log    LogConfig    `yaml:"log"`
	Spawn  SpawnConfig  `yaml:"spawn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Store: StoreConfig{
			Path:               filepath.Join(home, ".grove", "grove.db"),
			BusyTimeoutMS:      5000,
			WAL:                true,
			BlobThresholdBytes: 64 * 1024,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Spawn: SpawnConfig{TimeoutSeconds: 300},
	}
}

// Load reads a YAML config file over the defaults. A missing file returns
// the defaults without error; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SpawnTimeout returns the configured blocking-spawn bound as a duration.
func (c *Config) SpawnTimeout() time.Duration {
	if c.Spawn.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Spawn.TimeoutSeconds) * time.Second
}
