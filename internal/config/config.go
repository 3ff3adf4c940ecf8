// Package config loads the YAML watch manifest consumed by cmd/watchd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"watchd/internal/logging"
	"watchd/internal/watch"

	"gopkg.in/yaml.v3"
)

// Config is the decoded manifest.
type Config struct {
	LogLevel   string        `yaml:"log_level"`
	Run        string        `yaml:"run"`
	QueueSize  int           `yaml:"queue_size"`
	MaxWatches int           `yaml:"max_watches"`
	Stream     StreamConfig  `yaml:"stream"`
	Watches    []WatchConfig `yaml:"watches"`
}

// StreamConfig configures the optional websocket notification stream.
type StreamConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WatchConfig is one watch entry. An empty kind list means any.
type WatchConfig struct {
	Path  string   `yaml:"path"`
	Kinds []string `yaml:"kinds"`
}

// Load reads and validates a manifest file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest, rejecting unknown fields, and validates it.
func Parse(data []byte) (Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("config is empty")
		}
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Watches) == 0 {
		return errors.New("at least one watch entry is required")
	}
	for index, entry := range c.Watches {
		if entry.Path == "" {
			return fmt.Errorf("watch %d: path is required", index)
		}
		for _, kind := range entry.Kinds {
			if _, ok := watch.ParseKind(kind); !ok {
				return fmt.Errorf("watch %d (%s): unknown kind %q", index, entry.Path, kind)
			}
		}
	}
	if c.Run != "" {
		duration, err := time.ParseDuration(c.Run)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if duration <= 0 {
			return errors.New("run must be positive")
		}
	}
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("unknown log_level %q", c.LogLevel)
		}
	}
	if c.QueueSize < 0 {
		return errors.New("queue_size must not be negative")
	}
	if c.MaxWatches < 0 {
		return errors.New("max_watches must not be negative")
	}
	return nil
}

// RunDuration returns the bounded run duration, or zero when the manifest
// asks for an unbounded run. Call only on a validated Config.
func (c Config) RunDuration() time.Duration {
	if c.Run == "" {
		return 0
	}
	duration, err := time.ParseDuration(c.Run)
	if err != nil {
		return 0
	}
	return duration
}

// ResolvedKinds resolves a watch entry's kind list, defaulting to any.
func (w WatchConfig) ResolvedKinds() []watch.Kind {
	if len(w.Kinds) == 0 {
		return []watch.Kind{watch.KindAny}
	}
	kinds := make([]watch.Kind, 0, len(w.Kinds))
	for _, value := range w.Kinds {
		if kind, ok := watch.ParseKind(value); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
