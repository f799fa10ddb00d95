package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
	if len(cfg.Monitor.Rules) != 2 || cfg.Monitor.Rules[0].Trigger != 80 || cfg.Monitor.Rules[0].Recover != 70 {
		t.Errorf("monitor rules = %+v", cfg.Monitor.Rules)
	}
	if cfg.Scheduler.MaxConcurrency != 5 {
		t.Errorf("max concurrency = %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Journal.RetentionDays != 14 {
		t.Errorf("retention = %d", cfg.Journal.RetentionDays)
	}
	if cfg.QuotaWindow() != time.Hour || cfg.SampleInterval() != 5*time.Second {
		t.Errorf("durations: quota=%s sample=%s", cfg.QuotaWindow(), cfg.SampleInterval())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
state_dir: /var/lib/aios
monitor:
  sample_interval_sec: 2
  rules:
    - metric: cpu
      trigger: 90
      recover: 75
      duration_sec: 5
scheduler:
  max_concurrency: 2
reactor:
  mode: confirm
  catalog_path: /etc/aios/playbooks.yaml
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/var/lib/aios" || cfg.Scheduler.MaxConcurrency != 2 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Monitor.Rules) != 1 || cfg.Monitor.Rules[0].Trigger != 90 {
		t.Errorf("rules = %+v", cfg.Monitor.Rules)
	}
	if cfg.Reactor.Mode != "confirm" {
		t.Errorf("mode = %q", cfg.Reactor.Mode)
	}
	if cfg.CatalogPath() != "/etc/aios/playbooks.yaml" {
		t.Errorf("catalog path = %q", cfg.CatalogPath())
	}
	// Untouched sections keep their defaults.
	if cfg.Actions.MaxAttempts != 3 || cfg.Breaker.CooldownSec != 300 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestEnvStateDirWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("state_dir: /from/yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvStateDir, "/from/env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/from/env" {
		t.Errorf("state dir = %q, want env override", cfg.StateDir)
	}
	if cfg.QueuePath() != "/from/env/queue.json" {
		t.Errorf("queue path = %q", cfg.QueuePath())
	}
	if cfg.CatalogPath() != "/from/env/playbooks.json" {
		t.Errorf("catalog path = %q", cfg.CatalogPath())
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "state_dirr: /tmp\n"},
		{"bad mode", "reactor:\n  mode: yolo\n"},
		{"rule without metric", "monitor:\n  rules:\n    - trigger: 80\n      recover: 70\n"},
		{"not yaml", ":\n:::\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
}

func TestEnsureStateDir(t *testing.T) {
	cfg := Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	if err := cfg.EnsureStateDir(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.StateDir, cfg.EventsDir(), cfg.SpoolDir()} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}
