// Package config loads and validates scriptmill configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path,
// then applies defaults to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config
// found. Search order: ./scriptmill.yaml, ~/.scriptmill/config.yaml.
// When none exists, the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"scriptmill.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".scriptmill", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".scriptmill")
		} else {
			cfg.StateDir = ".scriptmill"
		}
	}
	if cfg.Executor.Command == "" {
		cfg.Executor.Command = "claude"
	}
	if len(cfg.Executor.Args) == 0 {
		cfg.Executor.Args = []string{"--print"}
	}
	if cfg.Pipeline.MaxRetainedRuns <= 0 {
		cfg.Pipeline.MaxRetainedRuns = 200
	}
	if cfg.Pipeline.StageTimeout == "" {
		cfg.Pipeline.StageTimeout = "30m"
	}
	if cfg.Pipeline.MaxStageRetries <= 0 {
		cfg.Pipeline.MaxStageRetries = 1
	}
	if cfg.Pipeline.MaxMiniSessions <= 0 {
		cfg.Pipeline.MaxMiniSessions = 5
	}
	if cfg.Pipeline.BatchWorkers <= 0 {
		cfg.Pipeline.BatchWorkers = 2
	}
	if cfg.Probe.WarnBelow <= 0 {
		cfg.Probe.WarnBelow = 70
	}
	if cfg.Probe.AbortBelow <= 0 {
		cfg.Probe.AbortBelow = 40
	}
	if cfg.Loop.MinCoverage <= 0 {
		cfg.Loop.MinCoverage = 0.6
	}
	if cfg.Loop.PhaseTimeout == "" {
		cfg.Loop.PhaseTimeout = "10m"
	}
	if cfg.Board.MaxEntries <= 0 {
		cfg.Board.MaxEntries = 200
	}
	if cfg.Web.Port <= 0 {
		cfg.Web.Port = 8642
	}
}

// StageTimeoutFor resolves the timeout for a stage, falling back to the
// pipeline default, then to 30 minutes.
func (c *Config) StageTimeoutFor(stage string) time.Duration {
	if raw, ok := c.Pipeline.StageTimeouts[stage]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	if d, err := time.ParseDuration(c.Pipeline.StageTimeout); err == nil {
		return d
	}
	return 30 * time.Minute
}

// PhaseTimeout resolves the cognitive-phase timeout.
func (c *Config) PhaseTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Loop.PhaseTimeout); err == nil {
		return d
	}
	return 10 * time.Minute
}

// CoderRetries resolves the review-loop regeneration budget. An absent
// key means the default of 2; an explicit zero disables inner retries.
func (c *Config) CoderRetries() int {
	if c.Loop.MaxCoderRetries == nil {
		return 2
	}
	return *c.Loop.MaxCoderRetries
}

// DryRunRetries resolves the verify-loop fix budget the same way,
// defaulting to 1.
func (c *Config) DryRunRetries() int {
	if c.Loop.MaxDryRunRetries == nil {
		return 1
	}
	return *c.Loop.MaxDryRunRetries
}
