package config

// Config is the top-level configuration parsed from scriptmill YAML.
type Config struct {
	StateDir string         `yaml:"state_dir"` // defaults to ~/.scriptmill
	Executor ExecutorConfig `yaml:"executor"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Probe    ProbeConfig    `yaml:"probe"`
	Loop     LoopConfig     `yaml:"loop"`
	Board    BoardConfig    `yaml:"blackboard"`
	Web      WebConfig      `yaml:"web"`
}

// ExecutorConfig describes how task-executor sessions are launched.
type ExecutorConfig struct {
	Command     string   `yaml:"command"` // agent CLI binary, e.g. "claude"
	Args        []string `yaml:"args"`
	Model       string   `yaml:"model"`
	TemplateDir string   `yaml:"template_dir"` // prompt overrides, "" = builtins only
}

// PipelineConfig bounds the outer pipeline.
type PipelineConfig struct {
	MaxRetainedRuns int               `yaml:"max_retained_runs"`
	StageTimeout    string            `yaml:"stage_timeout"`  // default for all stages
	StageTimeouts   map[string]string `yaml:"stage_timeouts"` // per-stage overrides
	MaxStageRetries int               `yaml:"max_stage_retries"`
	MaxMiniSessions int               `yaml:"max_mini_sessions"`
	BatchWorkers    int               `yaml:"batch_workers"`
}

// ProbeConfig configures the pre-run environment health probe.
type ProbeConfig struct {
	WarnBelow  int           `yaml:"warn_below"`  // score threshold: log a warning
	AbortBelow int           `yaml:"abort_below"` // score threshold: abort the run
	Targets    []ProbeTarget `yaml:"targets"`
}

// ProbeTarget is one external system the probe checks.
type ProbeTarget struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// LoopConfig bounds the cognitive generation loop. The retry budgets
// are pointers so an explicit zero (no inner retries) is distinguishable
// from an absent key.
type LoopConfig struct {
	MaxCoderRetries  *int    `yaml:"max_coder_retries"`
	MaxDryRunRetries *int    `yaml:"max_dryrun_retries"`
	MinCoverage      float64 `yaml:"min_coverage"`
	PhaseTimeout     string  `yaml:"phase_timeout"`
}

// BoardConfig bounds the blackboard.
type BoardConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// WebConfig configures the read-only status server.
type WebConfig struct {
	Port int `yaml:"port"`
}
