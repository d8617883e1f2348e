// Package config holds the transfer core's configuration surface, per
// spec.md §6, loaded from an optional YAML file and falling back to
// documented defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tunable surface consumed by the scheduler,
// session engine, allocator, connection supervisor, classifier, and
// resume store.
type Config struct {
	// Concurrency
	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers"`
	WorkerThreadCount      int `yaml:"worker_thread_count"`

	// Retry / classifier
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	MaxOperationDuration time.Duration `yaml:"max_operation_duration"`

	// Connection supervisor
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// Bandwidth allocator
	TotalAvailableBandwidth int64         `yaml:"total_available_bandwidth"`
	MinimumAllowedBytes     int64         `yaml:"minimum_allowed_bytes"`
	MaxThrottleDelay        time.Duration `yaml:"max_throttle_delay"`
	AdaptationInterval      time.Duration `yaml:"adaptation_interval"`

	// Resume store
	MaxResumeAge   time.Duration `yaml:"max_resume_age"`
	StateDirectory string        `yaml:"state_directory"`

	// Chunk manager
	DefaultChunkSize int64 `yaml:"default_chunk_size"`

	// Transport
	QUICAddress string `yaml:"quic_address"`

	// Observability
	EventBufferSize int    `yaml:"event_buffer_size"`
	MetricsAddress  string `yaml:"metrics_address"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns the documented defaults from spec.md §6.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "share", "transfercore", "TransferStates")

	return &Config{
		MaxConcurrentTransfers:  8,
		WorkerThreadCount:       4,
		MaxRetryAttempts:        5,
		MaxRetryDelay:           5 * time.Minute,
		MaxOperationDuration:    time.Hour,
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        90 * time.Second,
		InactivityTimeout:       10 * time.Minute,
		TotalAvailableBandwidth: 50 << 20, // 50 MiB/s
		MinimumAllowedBytes:     1024,
		MaxThrottleDelay:        5 * time.Second,
		AdaptationInterval:      10 * time.Second,
		MaxResumeAge:            7 * 24 * time.Hour,
		StateDirectory:          stateDir,
		DefaultChunkSize:        1 << 20, // 1 MiB
		QUICAddress:             ":4433",
		EventBufferSize:         256,
		MetricsAddress:          "127.0.0.1:9090",
		LogLevel:                "info",
	}
}

// Load reads a YAML configuration file at path and overlays it onto
// DefaultConfig. A missing file is not an error: it simply yields the
// defaults, matching the ambient convention that every field has a
// sane out-of-the-box value.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}
