// Package core wires every subsystem into one running control plane: the
// journaled bus in the middle, sensors and the score engine feeding it, and
// the scheduler, action queue, and reactor acting on it.
package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/aioslab/aios/internal/actions"
	"github.com/aioslab/aios/internal/breaker"
	"github.com/aioslab/aios/internal/config"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
	"github.com/aioslab/aios/internal/monitor"
	"github.com/aioslab/aios/internal/reactor"
	"github.com/aioslab/aios/internal/scheduler"
	"github.com/aioslab/aios/internal/score"
	"github.com/aioslab/aios/internal/telemetry"
)

// pruneInterval is how often journal retention runs while serving.
const pruneInterval = time.Hour

// System is the assembled control plane.
type System struct {
	Config    *config.Config
	Bus       *eventbus.Bus
	Journal   *eventbus.Journal
	Monitor   *monitor.ThresholdMonitor
	Sampler   *monitor.Sampler
	Score     *score.Engine
	Breaker   *breaker.Breaker
	Scheduler *scheduler.Scheduler
	Registry  *actions.Registry
	Queue     *actions.Queue
	Spool     *actions.Spool
	Reactor   *reactor.Reactor

	lock *flock.Flock
}

// New assembles a system from configuration and restores persisted state.
// Nothing runs yet; Run starts the long-lived loops.
func New(cfg *config.Config) (*System, error) {
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	journal, err := eventbus.OpenJournal(cfg.EventsDir())
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	bus := eventbus.New(journal)

	brk := breaker.New(breaker.Config{
		MaxTriggersInWindow: cfg.Breaker.MaxTriggersInWindow,
		Window:              time.Duration(cfg.Breaker.WindowSec) * time.Second,
		MaxFailures:         cfg.Breaker.MaxFailures,
		FailureWindow:       time.Duration(cfg.Breaker.FailureWindowSec) * time.Second,
		Cooldown:            time.Duration(cfg.Breaker.CooldownSec) * time.Second,
	})
	brk.SetPersistPath(cfg.CircuitPath())
	if err := brk.Restore(); err != nil {
		return nil, fmt.Errorf("restore circuits: %w", err)
	}

	sched := scheduler.New(bus, cfg.Scheduler.MaxConcurrency)
	sched.AttachDecisions()

	registry := actions.NewRegistry()
	queue := actions.NewQueue(actions.Config{
		MaxAttempts: cfg.Actions.MaxAttempts,
		Cooldown:    cfg.ActionCooldown(),
		QuotaMax:    cfg.Actions.QuotaMax,
		QuotaWindow: cfg.QuotaWindow(),
		ExecTimeout: cfg.ActionTimeout(),
		PersistPath: cfg.QueuePath(),
	}, bus, brk, registry, sched)
	queue.AttachBudget()

	cat, err := loadCatalog(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}
	mode, err := reactor.ParseMode(cfg.Reactor.Mode)
	if err != nil {
		return nil, err
	}
	rc := reactor.New(reactor.Config{
		Mode:          mode,
		StatsPath:     cfg.PBStatsPath(),
		FuseThreshold: cfg.Reactor.FuseThreshold,
	}, bus, queue, brk, cat)
	rc.Fuse().SetPersistPath(cfg.FusePath())
	if err := rc.Fuse().Restore(); err != nil {
		return nil, fmt.Errorf("restore fuse: %w", err)
	}
	if err := rc.RestoreStats(); err != nil {
		return nil, fmt.Errorf("restore playbook stats: %w", err)
	}
	rc.Attach()

	eng := score.New(bus, 0, nil)
	eng.SetPersistPath(cfg.ScorePath())
	if err := eng.Restore(); err != nil {
		return nil, fmt.Errorf("restore score: %w", err)
	}
	eng.Attach()

	rules := make([]monitor.Rule, 0, len(cfg.Monitor.Rules))
	for _, r := range cfg.Monitor.Rules {
		rules = append(rules, monitor.Rule{
			Metric:   r.Metric,
			Trigger:  r.Trigger,
			Recover:  r.Recover,
			Duration: time.Duration(r.DurationSec) * time.Second,
			LowIsBad: r.LowIsBad,
		})
	}
	mon, err := monitor.NewThresholdMonitor(bus, rules)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	metrics, err := telemetry.NewBusMetrics()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	bus.Subscribe("**", func(e *event.Event) error {
		metrics.Observe(e)
		return nil
	})

	return &System{
		Config:    cfg,
		Bus:       bus,
		Journal:   journal,
		Monitor:   mon,
		Sampler:   monitor.NewSampler(mon, cfg.SampleInterval()),
		Score:     eng,
		Breaker:   brk,
		Scheduler: sched,
		Registry:  registry,
		Queue:     queue,
		Spool:     actions.NewSpool(cfg.SpoolDir(), queue),
		Reactor:   rc,
		lock:      flock.New(cfg.LockPath()),
	}, nil
}

// loadCatalog tolerates a missing catalog file: the reactor simply has no
// playbooks until one appears.
func loadCatalog(path string) (*reactor.Catalog, error) {
	cat, err := reactor.LoadCatalog(path)
	if os.IsNotExist(err) {
		log.Printf("[core] no playbook catalog at %s", path)
		return &reactor.Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return cat, nil
}

// Run serves until ctx is canceled: host sampling, spool ingestion, catalog
// watching, and journal retention, with the scheduler draining tasks
// throughout. Only one system may serve per state directory.
func (s *System) Run(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already serving %s", s.Config.StateDir)
	}
	defer s.lock.Unlock()

	if err := s.Queue.Restore(); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	if err := s.Journal.Prune(s.Config.Journal.RetentionDays); err != nil {
		log.Printf("[core] journal prune: %v", err)
	}
	s.Scheduler.Start()
	log.Printf("[core] serving (state=%s mode=%s)", s.Config.StateDir, s.Config.Reactor.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(s.Sampler.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.Spool.Watch(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.Reactor.WatchCatalog(gctx, s.Config.CatalogPath())) })
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Journal.Prune(s.Config.Journal.RetentionDays); err != nil {
					log.Printf("[core] journal prune: %v", err)
				}
			}
		}
	})

	err = g.Wait()
	s.shutdown()
	return err
}

func ignoreCanceled(err error) error {
	if err == nil || err == context.Canceled {
		return nil
	}
	return err
}

// shutdown drains the scheduler and persists everything that survives a
// restart.
func (s *System) shutdown() {
	s.Scheduler.Stop()
	if err := s.Breaker.Save(); err != nil {
		log.Printf("[core] save circuits: %v", err)
	}
	if err := s.Reactor.Fuse().Save(); err != nil {
		log.Printf("[core] save fuse: %v", err)
	}
	if err := s.Score.Save(); err != nil {
		log.Printf("[core] save score: %v", err)
	}
	if err := s.Journal.Close(); err != nil {
		log.Printf("[core] close journal: %v", err)
	}
	log.Printf("[core] stopped")
}

// Status is the aggregate snapshot the CLI renders.
type Status struct {
	Score     float64                      `json:"score"`
	Scheduler scheduler.Snapshot           `json:"scheduler"`
	Circuits  map[string]breaker.KeyStatus `json:"circuits"`
	Reactor   reactor.Status               `json:"reactor"`
	Active    []*actions.Action            `json:"active_actions"`
	Events    int64                        `json:"events_journaled"`
}

// Status snapshots every subsystem.
func (s *System) Status() Status {
	return Status{
		Score:     s.Score.Score(),
		Scheduler: s.Scheduler.Snapshot(),
		Circuits:  s.Breaker.Status(),
		Reactor:   s.Reactor.Status(),
		Active:    s.Queue.Active(),
		Events:    s.Journal.Appended(),
	}
}
