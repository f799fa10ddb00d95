// Package config loads the yaml configuration file and resolves the state
// directory layout every subsystem persists into.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvStateDir overrides the configured state directory. It wins over the
// yaml file so containerized deployments can relocate state without editing
// config.
const EnvStateDir = "AIOS_STATE_DIR"

// DefaultStateDir is used when neither the environment nor the config file
// says otherwise.
const DefaultStateDir = ".aios"

// RuleConfig is one monitored metric's threshold pair.
type RuleConfig struct {
	Metric      string  `yaml:"metric"`
	Trigger     float64 `yaml:"trigger"`
	Recover     float64 `yaml:"recover"`
	DurationSec int     `yaml:"duration_sec"`
	LowIsBad    bool    `yaml:"low_is_bad,omitempty"`
}

// MonitorConfig tunes sampling and the threshold rules.
type MonitorConfig struct {
	SampleIntervalSec int          `yaml:"sample_interval_sec"`
	Rules             []RuleConfig `yaml:"rules"`
}

// SchedulerConfig bounds task execution.
type SchedulerConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// BreakerConfig tunes the per-key circuit gates.
type BreakerConfig struct {
	MaxTriggersInWindow int `yaml:"max_triggers_in_window"`
	WindowSec           int `yaml:"window_sec"`
	MaxFailures         int `yaml:"max_failures"`
	FailureWindowSec    int `yaml:"failure_window_sec"`
	CooldownSec         int `yaml:"cooldown_sec"`
}

// ReactorConfig selects execution mode and the playbook catalog.
type ReactorConfig struct {
	Mode          string `yaml:"mode"`
	CatalogPath   string `yaml:"catalog_path"`
	FuseThreshold int    `yaml:"fuse_threshold"`
}

// ActionsConfig tunes the action queue guardrails.
type ActionsConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	CooldownSec int `yaml:"cooldown_sec"`
	QuotaMax    int `yaml:"quota_max"`
	QuotaHours  int `yaml:"quota_hours"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

// JournalConfig tunes event persistence.
type JournalConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Config is the full file. Unknown keys are rejected so typos fail loudly at
// startup instead of silently using defaults.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Reactor   ReactorConfig   `yaml:"reactor"`
	Actions   ActionsConfig   `yaml:"actions"`
	Journal   JournalConfig   `yaml:"journal"`
}

// Default returns the baseline configuration: CPU and memory watched at
// 80/70 with a 10 second confirmation window, five concurrent tasks, 14 days
// of journal retention.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Monitor: MonitorConfig{
			SampleIntervalSec: 5,
			Rules: []RuleConfig{
				{Metric: "cpu", Trigger: 80, Recover: 70, DurationSec: 10},
				{Metric: "mem", Trigger: 80, Recover: 70, DurationSec: 10},
			},
		},
		Scheduler: SchedulerConfig{MaxConcurrency: 5},
		Breaker: BreakerConfig{
			MaxTriggersInWindow: 3,
			WindowSec:           60,
			MaxFailures:         3,
			FailureWindowSec:    60,
			CooldownSec:         300,
		},
		Reactor: ReactorConfig{
			Mode:          "auto",
			FuseThreshold: 5,
		},
		Actions: ActionsConfig{
			MaxAttempts: 3,
			CooldownSec: 60,
			QuotaMax:    20,
			QuotaHours:  1,
			TimeoutSec:  60,
		},
		Journal: JournalConfig{RetentionDays: 14},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults stand. The AIOS_STATE_DIR environment variable is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env handling
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := strictUnmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	if env := os.Getenv(EnvStateDir); env != "" {
		cfg.StateDir = env
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func strictUnmarshal(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	for _, r := range c.Monitor.Rules {
		if r.Metric == "" {
			return fmt.Errorf("config: monitor rule missing metric")
		}
	}
	switch c.Reactor.Mode {
	case "auto", "confirm", "dry_run":
	default:
		return fmt.Errorf("config: unknown reactor mode %q", c.Reactor.Mode)
	}
	if c.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("config: max_concurrency must be >= 0")
	}
	return nil
}

// State directory layout. Everything the system persists lives under
// StateDir with fixed names.
func (c *Config) EventsDir() string   { return filepath.Join(c.StateDir, "events") }
func (c *Config) SpoolDir() string    { return filepath.Join(c.StateDir, "spool") }
func (c *Config) QueuePath() string   { return filepath.Join(c.StateDir, "queue.json") }
func (c *Config) CircuitPath() string { return filepath.Join(c.StateDir, "circuit.json") }
func (c *Config) FusePath() string    { return filepath.Join(c.StateDir, "fuse.json") }
func (c *Config) PBStatsPath() string { return filepath.Join(c.StateDir, "pb_stats.json") }
func (c *Config) ScorePath() string   { return filepath.Join(c.StateDir, "score_window.json") }
func (c *Config) LockPath() string    { return filepath.Join(c.StateDir, "aios.lock") }

// CatalogPath resolves the playbook catalog: explicit config wins, otherwise
// it sits next to the rest of the state.
func (c *Config) CatalogPath() string {
	if c.Reactor.CatalogPath != "" {
		return c.Reactor.CatalogPath
	}
	return filepath.Join(c.StateDir, "playbooks.json")
}

// EnsureStateDir creates the state layout.
func (c *Config) EnsureStateDir() error {
	for _, dir := range []string{c.StateDir, c.EventsDir(), c.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Duration helpers, so callers never re-derive units.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Monitor.SampleIntervalSec) * time.Second
}
func (c *Config) ActionCooldown() time.Duration {
	return time.Duration(c.Actions.CooldownSec) * time.Second
}
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Actions.TimeoutSec) * time.Second
}
func (c *Config) QuotaWindow() time.Duration {
	return time.Duration(c.Actions.QuotaHours) * time.Hour
}
