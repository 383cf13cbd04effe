package config

import (
	"fmt"
	"time"
)

// Validate checks the configuration for values that would misbehave at
// runtime. Call after Load; defaults have already been applied.
func (c *Config) Validate() error {
	if c.Probe.AbortBelow > c.Probe.WarnBelow {
		return fmt.Errorf("probe: abort_below (%d) must not exceed warn_below (%d)",
			c.Probe.AbortBelow, c.Probe.WarnBelow)
	}
	if c.Probe.AbortBelow < 0 || c.Probe.WarnBelow > 100 {
		return fmt.Errorf("probe: thresholds must be within 0..100")
	}
	if c.Loop.MinCoverage < 0 || c.Loop.MinCoverage > 1 {
		return fmt.Errorf("loop: min_coverage must be within 0..1, got %v", c.Loop.MinCoverage)
	}
	if c.Loop.MaxCoderRetries != nil && *c.Loop.MaxCoderRetries < 0 {
		return fmt.Errorf("loop: max_coder_retries must not be negative, got %d", *c.Loop.MaxCoderRetries)
	}
	if c.Loop.MaxDryRunRetries != nil && *c.Loop.MaxDryRunRetries < 0 {
		return fmt.Errorf("loop: max_dryrun_retries must not be negative, got %d", *c.Loop.MaxDryRunRetries)
	}
	if _, err := time.ParseDuration(c.Pipeline.StageTimeout); err != nil {
		return fmt.Errorf("pipeline: invalid stage_timeout %q: %w", c.Pipeline.StageTimeout, err)
	}
	for stage, raw := range c.Pipeline.StageTimeouts {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("pipeline: invalid timeout %q for stage %q: %w", raw, stage, err)
		}
	}
	if _, err := time.ParseDuration(c.Loop.PhaseTimeout); err != nil {
		return fmt.Errorf("loop: invalid phase_timeout %q: %w", c.Loop.PhaseTimeout, err)
	}
	for _, tgt := range c.Probe.Targets {
		if tgt.Name == "" || tgt.URL == "" {
			return fmt.Errorf("probe: targets need both name and url, got %+v", tgt)
		}
		if tgt.Timeout != "" {
			if _, err := time.ParseDuration(tgt.Timeout); err != nil {
				return fmt.Errorf("probe: invalid timeout for target %q: %w", tgt.Name, err)
			}
		}
	}
	if c.Executor.Command == "" {
		return fmt.Errorf("executor: command must be set")
	}
	return nil
}
