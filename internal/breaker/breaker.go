// Package breaker implements the per-key three-state circuit gate and the
// reactor's global fuse. A key opens on trigger bursts or repeated failures,
// cools down, then allows a single half-open probe.
package breaker

import (
	"sync"
	"time"

	"github.com/aioslab/aios/internal/statefile"
)

// State names the per-key gate position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config bounds trigger frequency and failure counts per key.
type Config struct {
	MaxTriggersInWindow int           `yaml:"max_triggers_in_window"`
	Window              time.Duration `yaml:"window"`
	MaxFailures         int           `yaml:"max_failures"`
	FailureWindow       time.Duration `yaml:"failure_window"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// DefaultConfig: 3 triggers or 3 failures per minute opens the key for five
// minutes.
func DefaultConfig() Config {
	return Config{
		MaxTriggersInWindow: 3,
		Window:              60 * time.Second,
		MaxFailures:         3,
		FailureWindow:       60 * time.Second,
		Cooldown:            5 * time.Minute,
	}
}

// keyState serializes all updates for one key on its own mutex; the table
// lock only guards the map itself.
type keyState struct {
	mu            sync.Mutex
	state         State
	triggers      []time.Time
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
}

// Breaker is the per-key gate table.
type Breaker struct {
	cfg Config

	mu   sync.Mutex
	keys map[string]*keyState

	persistPath string
	now         func() time.Time
}

// KeyStatus is the observable snapshot of one key, for status output and
// persistence.
type KeyStatus struct {
	State        State  `json:"state"`
	Triggers     int    `json:"triggers_in_window"`
	Failures     int    `json:"failures_in_window"`
	OpenedAtMS   int64  `json:"opened_at_ms,omitempty"`
	CooldownLeft string `json:"cooldown_left,omitempty"`
}

// New builds a breaker table. Zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxTriggersInWindow <= 0 {
		cfg.MaxTriggersInWindow = def.MaxTriggersInWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, keys: make(map[string]*keyState), now: time.Now}
}

// Key joins key parts with "|" so (event_type, playbook_id) composites and
// bare action types share one table.
func Key(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

func (b *Breaker) key(k string) *keyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.keys[k]
	if ks == nil {
		ks = &keyState{state: StateClosed}
		b.keys[k] = ks
	}
	return ks
}

func expire(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	return stamps[i:]
}

// Check reports whether key k may execute. An OPEN key transitions to
// HALF_OPEN once cooldown elapses, and exactly one caller wins the probe
// slot; everyone else keeps getting false until the probe is resolved by
// RecordSuccess or RecordFailure.
func (b *Breaker) Check(k string) bool {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := b.now()
	switch ks.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(ks.openedAt) < b.cfg.Cooldown {
			return false
		}
		ks.state = StateHalfOpen
		ks.probeInFlight = true
		return true
	case StateHalfOpen:
		if ks.probeInFlight {
			return false
		}
		ks.probeInFlight = true
		return true
	}
	return false
}

// CurrentState returns key k's position without side effects.
func (b *Breaker) CurrentState(k string) State {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// Blocked reports whether key k would refuse execution right now, without
// claiming the half-open probe slot. Admission-time guards use this; the
// executing caller still goes through Check.
func (b *Breaker) Blocked(k string) bool {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.state {
	case StateOpen:
		return b.now().Sub(ks.openedAt) < b.cfg.Cooldown
	case StateHalfOpen:
		return ks.probeInFlight
	}
	return false
}

// RecordTrigger notes one execution attempt for frequency accounting and
// opens the key when the window budget is exceeded.
func (b *Breaker) RecordTrigger(k string) {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := b.now()
	ks.triggers = append(expire(ks.triggers, now.Add(-b.cfg.Window)), now)
	if ks.state == StateClosed && len(ks.triggers) >= b.cfg.MaxTriggersInWindow {
		b.openLocked(ks, now)
	}
}

// RecordSuccess closes a half-open key and clears failure history.
func (b *Breaker) RecordSuccess(k string) {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state == StateHalfOpen {
		ks.state = StateClosed
		ks.triggers = nil
	}
	ks.probeInFlight = false
	ks.failures = nil
}

// RecordFailure notes one failed execution. A half-open probe failure
// reopens immediately with a fresh cooldown; otherwise the failure window
// decides.
func (b *Breaker) RecordFailure(k string) {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := b.now()
	if ks.state == StateHalfOpen {
		b.openLocked(ks, now)
		return
	}
	ks.failures = append(expire(ks.failures, now.Add(-b.cfg.FailureWindow)), now)
	if ks.state == StateClosed && len(ks.failures) >= b.cfg.MaxFailures {
		b.openLocked(ks, now)
	}
}

func (b *Breaker) openLocked(ks *keyState, now time.Time) {
	ks.state = StateOpen
	ks.openedAt = now
	ks.probeInFlight = false
}

// Reset forces a key back to CLOSED and clears its history.
func (b *Breaker) Reset(k string) {
	ks := b.key(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.state = StateClosed
	ks.triggers = nil
	ks.failures = nil
	ks.probeInFlight = false
}

// Status snapshots every known key.
func (b *Breaker) Status() map[string]KeyStatus {
	b.mu.Lock()
	names := make([]string, 0, len(b.keys))
	for k := range b.keys {
		names = append(names, k)
	}
	b.mu.Unlock()

	now := b.now()
	out := make(map[string]KeyStatus, len(names))
	for _, k := range names {
		ks := b.key(k)
		ks.mu.Lock()
		st := KeyStatus{
			State:    ks.state,
			Triggers: len(expire(ks.triggers, now.Add(-b.cfg.Window))),
			Failures: len(expire(ks.failures, now.Add(-b.cfg.FailureWindow))),
		}
		if ks.state == StateOpen {
			st.OpenedAtMS = ks.openedAt.UnixMilli()
			if left := b.cfg.Cooldown - now.Sub(ks.openedAt); left > 0 {
				st.CooldownLeft = left.Round(time.Second).String()
			}
		}
		ks.mu.Unlock()
		out[k] = st
	}
	return out
}

// SetPersistPath enables Save/Restore against circuit.json.
func (b *Breaker) SetPersistPath(path string) { b.persistPath = path }

type persisted struct {
	State      State `json:"state"`
	OpenedAtMS int64 `json:"opened_at_ms"`
}

// Save persists open/half-open keys. Closed keys carry no state worth
// keeping across restarts.
func (b *Breaker) Save() error {
	if b.persistPath == "" {
		return nil
	}
	snap := make(map[string]persisted)
	for k, st := range b.Status() {
		if st.State != StateClosed {
			snap[k] = persisted{State: st.State, OpenedAtMS: st.OpenedAtMS}
		}
	}
	return statefile.Save(b.persistPath, snap)
}

// Restore reloads persisted key states.
func (b *Breaker) Restore() error {
	if b.persistPath == "" {
		return nil
	}
	var snap map[string]persisted
	ok, err := statefile.Load(b.persistPath, &snap)
	if err != nil || !ok {
		return err
	}
	for k, p := range snap {
		ks := b.key(k)
		ks.mu.Lock()
		ks.state = p.State
		ks.openedAt = time.UnixMilli(p.OpenedAtMS)
		ks.mu.Unlock()
	}
	return nil
}
