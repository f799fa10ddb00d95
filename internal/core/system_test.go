package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/aioslab/aios/internal/actions"
	"github.com/aioslab/aios/internal/config"
	"github.com/aioslab/aios/internal/event"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	return cfg
}

func TestNewAssemblesEverySubsystem(t *testing.T) {
	cfg := testConfig(t)
	sys, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Journal.Close()

	if sys.Bus == nil || sys.Monitor == nil || sys.Sampler == nil ||
		sys.Score == nil || sys.Breaker == nil || sys.Scheduler == nil ||
		sys.Queue == nil || sys.Spool == nil || sys.Reactor == nil {
		t.Fatal("subsystem left nil")
	}
	for _, dir := range []string{cfg.EventsDir(), cfg.SpoolDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("state layout missing %s: %v", dir, err)
		}
	}
}

func TestNewToleratesMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	sys, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Journal.Close()
	if n := len(sys.Reactor.Status().Playbooks); n != 0 {
		t.Fatalf("expected empty catalog, got %d playbooks", n)
	}
}

func TestNewRejectsBadMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reactor.Mode = "yolo"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown reactor mode")
	}
}

func TestEventFlowsThroughToAction(t *testing.T) {
	cfg := testConfig(t)
	catalog := `{
  "playbooks": [
    {
      "id": "touch-on-spike",
      "trigger": {"event_pattern": "resource.threshold_confirmed"},
      "actions": [{"type": "shell", "target": "true"}],
      "cooldown_sec": 1
    }
  ]
}`
	if err := os.WriteFile(cfg.CatalogPath(), []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	sys, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sys.Scheduler.Start()
	defer func() {
		sys.Scheduler.Stop()
		sys.Journal.Close()
	}()

	e := event.New(event.TypeResourceThresholdConfirmed, "test")
	e.Severity = event.SeverityWarn
	if err := sys.Bus.Emit(e); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		hist := sys.Queue.History(1)
		if len(hist) == 1 && hist[0].Status == actions.StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("action never succeeded, history=%v", hist)
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := sys.Status()
	if st.Events == 0 {
		t.Error("status reports no journaled events")
	}
	if len(st.Reactor.Playbooks) != 1 {
		t.Errorf("status reports %d playbooks, want 1", len(st.Reactor.Playbooks))
	}
}

func TestRunHoldsTheInstanceLock(t *testing.T) {
	cfg := testConfig(t)
	sys, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()

	// The lock is held for as long as Run serves.
	other := flock.New(cfg.LockPath())
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := other.TryLock()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		other.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("Run never acquired the instance lock")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Released on shutdown.
	ok, err := other.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("lock still held after shutdown")
	}
	other.Unlock()
}

func TestRunPersistsStateOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	sys, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sys.Breaker.RecordTrigger("x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, path := range []string{cfg.CircuitPath(), cfg.FusePath(), cfg.ScorePath()} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected persisted state at %s: %v", filepath.Base(path), err)
		}
	}
}
