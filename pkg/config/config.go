// SPDX-License-Identifier: Apache-2.0

// Package config loads conduit configuration from yaml files and the
// environment (CONDUIT_ prefix), with defaults applied first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full configuration surface.
type Config struct {
	Servers   []ServerConfig  `koanf:"servers"`
	Circuit   CircuitConfig   `koanf:"circuit"`
	Retry     RetryConfig     `koanf:"retry"`
	Buffer    BufferConfig    `koanf:"buffer"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Conn      ConnConfig      `koanf:"conn"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig describes one MCP server entry.
type ServerConfig struct {
	Name    string            `koanf:"name"`
	Kind    string            `koanf:"kind"` // stdio, http, sse
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
	Tool    string            `koanf:"tool"`
	Timeout time.Duration     `koanf:"timeout"`
}

// CircuitConfig holds per-server circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold         int           `koanf:"failure_threshold"`
	WindowDuration           time.Duration `koanf:"window"`
	Cooldown                 time.Duration `koanf:"cooldown"`
	HalfOpenTrialLimit       int           `koanf:"halfopen_trials"`
	HalfOpenSuccessThreshold int           `koanf:"halfopen_successes"`
}

// RetryConfig holds the retry policy parameters.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// BufferConfig holds the response buffer sizing.
type BufferConfig struct {
	MinFlushSize        int  `koanf:"min_flush_size"`
	MaxBufferSize       int  `koanf:"max_buffer_size"`
	FlushOnBoundary     bool `koanf:"flush_on_boundary"`
	MaxConsumerFailures int  `koanf:"max_consumer_failures"`
}

// MetricsConfig holds error history settings.
type MetricsConfig struct {
	Retention time.Duration `koanf:"retention"`
}

// ConnConfig holds connection manager settings.
type ConnConfig struct {
	StalenessWindow time.Duration `koanf:"staleness_window"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// Load reads configuration: defaults, then the yaml file at path (when
// given), then CONDUIT_ environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("circuit.failure_threshold", 5)
	k.Set("circuit.window", "60s")
	k.Set("circuit.cooldown", "30s")
	k.Set("circuit.halfopen_trials", 1)
	k.Set("circuit.halfopen_successes", 1)

	k.Set("retry.max_attempts", 3)
	k.Set("retry.base_delay", "500ms")
	k.Set("retry.max_delay", "8s")

	k.Set("buffer.min_flush_size", 16)
	k.Set("buffer.max_buffer_size", 100)
	k.Set("buffer.flush_on_boundary", true)
	k.Set("buffer.max_consumer_failures", 5)

	k.Set("metrics.retention", "1h")
	k.Set("conn.staleness_window", "30s")

	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (CONDUIT_LOG_LEVEL -> log.level)
	if err := k.Load(env.Provider("CONDUIT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CONDUIT_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("config: server entry without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
