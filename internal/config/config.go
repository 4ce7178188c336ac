// ============================================================================
// actorq Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// YAML layout:
//
//   log_level: info            # debug | info | warn | error
//   worker:
//     count: 8
//     queues: [default]        # empty = every declared queue
//     fetch_timeout: 100ms
//     dead_letter_aborted: false
//   broker:
//     codec: json              # json | proto
//     dead_letter_path: ""     # empty = in-memory dead letters
//   metrics:
//     enabled: true
//     port: 9090
//   admin:
//     enabled: true
//     addr: ":8080"
//   health:
//     enabled: false
//     port: 50051
//   actors:                    # per-actor option overrides, values in ms
//     send_email:
//       max_retries: 3
//       time_limit: 30000
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/pkg/actor"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Worker struct {
		Count             int           `yaml:"count"`
		Queues            []string      `yaml:"queues"`
		FetchTimeout      time.Duration `yaml:"fetch_timeout"`
		DeadLetterAborted bool          `yaml:"dead_letter_aborted"`
	} `yaml:"worker"`

	Broker struct {
		Codec          string `yaml:"codec"`
		DeadLetterPath string `yaml:"dead_letter_path"`
	} `yaml:"broker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"admin"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	// Actors maps actor names to raw option overrides.
	Actors map[string]map[string]any `yaml:"actors"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Worker.Count = 8
	cfg.Worker.FetchTimeout = 100 * time.Millisecond
	cfg.Broker.Codec = "json"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = ":8080"
	cfg.Health.Port = 50051
	return cfg
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges, names and actor overrides.
func (c *Config) Validate() error {
	if c.Worker.Count <= 0 {
		return fmt.Errorf("%w: worker.count must be positive, got %d", ErrInvalidConfig, c.Worker.Count)
	}
	if c.Worker.FetchTimeout <= 0 {
		return fmt.Errorf("%w: worker.fetch_timeout must be positive", ErrInvalidConfig)
	}
	for _, q := range c.Worker.Queues {
		if err := actor.ValidateQueueName(q); err != nil {
			return fmt.Errorf("%w: worker.queues: %w", ErrInvalidConfig, err)
		}
	}
	if _, err := codec.ByName(c.Broker.Codec); err != nil {
		return fmt.Errorf("%w: broker.codec: %w", ErrInvalidConfig, err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port out of range: %d", ErrInvalidConfig, c.Metrics.Port)
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("%w: health.port out of range: %d", ErrInvalidConfig, c.Health.Port)
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("%w: admin.addr is required when admin is enabled", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for name, raw := range c.Actors {
		if _, err := actor.OptionsFromMap(raw); err != nil {
			return fmt.Errorf("%w: actors.%s: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

// Level maps log_level to a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}

// ApplyActors pushes the actor overrides into registry. Overrides for
// actors that are not registered are skipped and reported.
func (c *Config) ApplyActors(registry *actor.Registry) (unknown []string, err error) {
	for name, raw := range c.Actors {
		if _, ok := registry.Lookup(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		if err := registry.Configure(name, raw); err != nil {
			return unknown, fmt.Errorf("configure actor %s: %w", name, err)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}
