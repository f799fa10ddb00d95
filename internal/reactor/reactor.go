package reactor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aioslab/aios/internal/actions"
	"github.com/aioslab/aios/internal/breaker"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

// Mode is the global execution policy.
type Mode string

const (
	ModeDryRun  Mode = "dry_run"
	ModeConfirm Mode = "confirm"
	ModeAuto    Mode = "auto"
)

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDryRun, ModeConfirm, ModeAuto:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown reactor mode %q (valid: dry_run, confirm, auto)", s)
}

// hitWindow bounds min_hit_count accounting.
const hitWindow = 60 * time.Second

// pendingTTL is how long an unconfirmed firing stays claimable.
const pendingTTL = 10 * time.Minute

// lowRateFactor stretches a playbook's cooldown while its success rate sits
// below half.
const lowRateFactor = 2

// causeVerify marks follow-up verification actions so their outcomes are
// attributed to the playbook that spawned them.
const causeVerify = "verify"

// Enqueuer is the slice of the action queue the reactor needs.
type Enqueuer interface {
	Enqueue(r actions.Request) (*actions.Action, error)
}

// Pending is a firing waiting for operator confirmation.
type Pending struct {
	ID         string    `json:"confirm_id"`
	PlaybookID string    `json:"playbook_id"`
	EventType  string    `json:"event_type"`
	EventID    string    `json:"event_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reactor is the playbook engine. It observes the bus, fires matching
// playbooks through the action queue, and learns from action.finalized
// outcomes.
type Reactor struct {
	bus   *eventbus.Bus
	queue Enqueuer
	brk   *breaker.Breaker
	fuse  *breaker.Fuse
	stats *statsTable
	mode  Mode

	mu        sync.Mutex
	index     *catalogIndex
	cooldowns map[string]time.Time // event_type|playbook_id -> earliest next firing
	hits      map[string][]time.Time
	pending   map[string]*Pending

	now func() time.Time
}

// Config wires a reactor.
type Config struct {
	Mode          Mode
	StatsPath     string
	FuseThreshold int
}

// New builds a reactor over an already-validated catalog.
func New(cfg Config, bus *eventbus.Bus, queue Enqueuer, brk *breaker.Breaker, cat *Catalog) *Reactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAuto
	}
	return &Reactor{
		bus:       bus,
		queue:     queue,
		brk:       brk,
		fuse:      breaker.NewFuse(cfg.FuseThreshold),
		stats:     newStatsTable(cfg.StatsPath),
		mode:      mode,
		index:     buildIndex(cat),
		cooldowns: make(map[string]time.Time),
		hits:      make(map[string][]time.Time),
		pending:   make(map[string]*Pending),
		now:       time.Now,
	}
}

// Fuse exposes the global trip switch for status output and persistence.
func (r *Reactor) Fuse() *breaker.Fuse { return r.fuse }

// RestoreStats reloads persisted playbook windows and disable flags.
func (r *Reactor) RestoreStats() error { return r.stats.restore() }

// Attach subscribes the reactor to the bus: the firehose for trigger
// matching, action.finalized for outcome learning, and the fuse reset
// signal.
func (r *Reactor) Attach() {
	r.bus.Subscribe("**", func(e *event.Event) error {
		r.HandleEvent(e)
		return nil
	})
	r.bus.Subscribe(event.TypeActionFinalized, func(e *event.Event) error {
		r.handleFinalized(e)
		return nil
	})
	r.bus.Subscribe(event.TypeReactorFuseReset, func(e *event.Event) error {
		r.fuse.Reset()
		log.Printf("[reactor] fuse reset")
		return nil
	})
}

// HandleEvent runs trigger matching for one event. The reactor's own output
// and the action queue's lifecycle are excluded to keep the loop open.
func (r *Reactor) HandleEvent(e *event.Event) {
	if event.MatchPattern("reactor.**", e.Type) || event.MatchPattern("action.**", e.Type) {
		return
	}
	for _, pb := range r.idx().candidates(e) {
		if !pb.Matches(e) {
			continue
		}
		r.fire(pb, e)
	}
}

// fire pushes one matched playbook through the admission ladder and, if it
// survives, executes per the mode.
func (r *Reactor) fire(pb *Playbook, e *event.Event) {
	if pb.Disabled || r.stats.isDisabled(pb.ID) {
		return
	}
	if !r.countHit(pb, e) {
		return
	}
	if r.fuse.Tripped() {
		log.Printf("[reactor] fuse tripped, suppressing %s for %s", pb.ID, e.Type)
		return
	}

	now := r.now()
	cdKey := e.Type + "|" + pb.ID
	r.mu.Lock()
	if until, ok := r.cooldowns[cdKey]; ok && now.Before(until) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	bkey := breaker.Key("reactor", e.Type, pb.ID)
	if r.brk.Blocked(bkey) {
		log.Printf("[reactor] circuit open for %s, suppressing %s", bkey, pb.ID)
		return
	}

	// Dry run reports the plan and stops before any bookkeeping, so the
	// breaker and cooldown state stay exactly as a live run would find them.
	if r.mode == ModeDryRun {
		r.emitDryRun(pb, e)
		return
	}

	r.brk.RecordTrigger(bkey)

	cd := time.Duration(pb.cooldown()) * time.Second
	if r.stats.successRate(pb.ID) < 0.5 {
		cd *= lowRateFactor
	}
	r.mu.Lock()
	r.cooldowns[cdKey] = now.Add(cd)
	r.mu.Unlock()

	if r.mode == ModeConfirm || pb.RequireConfirm {
		r.park(pb, e)
		return
	}
	r.execute(pb, e, false)
}

// countHit applies min_hit_count over a sliding window and reports whether
// this event is the one that crosses it.
func (r *Reactor) countHit(pb *Playbook, e *event.Event) bool {
	min := pb.Trigger.MinHitCount
	if min <= 1 {
		return true
	}
	now := r.now()
	key := pb.ID + "|" + e.Type

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.hits[key][:0]
	for _, ts := range r.hits[key] {
		if now.Sub(ts) <= hitWindow {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	if len(kept) >= min {
		// Crossing consumes the window; the count restarts.
		r.hits[key] = nil
		return true
	}
	r.hits[key] = kept
	return false
}

// park records a pending confirmation and announces it.
func (r *Reactor) park(pb *Playbook, e *event.Event) {
	p := &Pending{
		ID:         event.NewID(),
		PlaybookID: pb.ID,
		EventType:  e.Type,
		EventID:    e.ID,
		CreatedAt:  r.now(),
	}
	r.mu.Lock()
	r.prunePendingLocked()
	r.pending[p.ID] = p
	r.mu.Unlock()

	ev := event.New(event.TypeReactorPendingConfirm, "reactor")
	ev.Layer = "reactor"
	ev.Severity = event.SeverityWarn
	ev.With("confirm_id", p.ID).
		With("playbook_id", pb.ID).
		With("cause_type", e.Type).
		With("cause_id", e.ID)
	r.emit(ev)
}

func (r *Reactor) prunePendingLocked() {
	cutoff := r.now().Add(-pendingTTL)
	for id, p := range r.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(r.pending, id)
		}
	}
}

// Confirm executes a parked firing. Confirmation doubles as approval for
// high-risk actions.
func (r *Reactor) Confirm(confirmID string) error {
	r.mu.Lock()
	p, ok := r.pending[confirmID]
	if ok {
		delete(r.pending, confirmID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: no pending confirmation %q", confirmID)
	}
	pb := r.lookup(p.PlaybookID)
	if pb == nil {
		return fmt.Errorf("reactor: playbook %q no longer in catalog", p.PlaybookID)
	}

	ev := event.New(event.TypeReactorConfirm, "reactor")
	ev.Layer = "reactor"
	ev.With("confirm_id", confirmID).With("playbook_id", pb.ID)
	r.emit(ev)

	cause := event.New(p.EventType, "reactor")
	cause.ID = p.EventID
	r.execute(pb, cause, true)
	return nil
}

// PendingConfirmations lists parked firings, newest last.
func (r *Reactor) PendingConfirmations() []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prunePendingLocked()
	out := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

// execute enqueues the playbook's actions. Outcome learning happens later,
// driven by action.finalized events.
func (r *Reactor) execute(pb *Playbook, cause *event.Event, approved bool) {
	r.stats.recordFired(pb.ID)
	for _, spec := range pb.Actions {
		req := actions.Request{
			Type:        spec.Type,
			Target:      spec.Target,
			Params:      spec.Params,
			ProcessName: spec.ProcessName,
			Risk:        pb.risk(),
			Priority:    pb.priority(),
			Approved:    approved,
			PlaybookID:  pb.ID,
			CauseType:   cause.Type,
		}
		if _, err := r.queue.Enqueue(req); err != nil {
			log.Printf("[reactor] enqueue %s/%s: %v", pb.ID, spec.Type, err)
			r.recordOutcome(pb.ID, false, "", fmt.Sprintf("enqueue: %v", err))
		}
	}
}

func (r *Reactor) emitDryRun(pb *Playbook, e *event.Event) {
	ev := event.New(event.TypeReactorDryRun, "reactor")
	ev.Layer = "reactor"
	ev.With("playbook_id", pb.ID).
		With("cause_type", e.Type).
		With("cause_id", e.ID).
		With("action_count", len(pb.Actions))
	r.emit(ev)
	log.Printf("[reactor] dry run: %s would fire %d action(s) for %s", pb.ID, len(pb.Actions), e.Type)
}

// handleFinalized turns an action outcome into playbook learning. Skipped
// actions teach nothing; verification outcomes stand in for their playbook.
func (r *Reactor) handleFinalized(e *event.Event) {
	pbID, _ := e.Payload["playbook_id"].(string)
	if pbID == "" {
		return
	}
	status, _ := e.Payload["status"].(string)
	causeType, _ := e.Payload["cause_type"].(string)
	actionID, _ := e.Payload["action_id"].(string)
	reason, _ := e.Payload["reason"].(string)

	switch actions.Status(status) {
	case actions.StatusSkipped:
		return
	case actions.StatusFailed:
		r.recordOutcome(pbID, false, actionID, reason)
	case actions.StatusSucceeded:
		pb := r.lookup(pbID)
		if pb != nil && pb.Verify != nil && causeType != causeVerify {
			r.launchVerify(pb)
			return
		}
		r.recordOutcome(pbID, true, actionID, "")
	}
}

// launchVerify enqueues the post-remediation check; its outcome decides the
// playbook's.
func (r *Reactor) launchVerify(pb *Playbook) {
	req := actions.Request{
		Risk:       actions.RiskLow,
		Priority:   pb.priority(),
		PlaybookID: pb.ID,
		CauseType:  causeVerify,
	}
	switch {
	case pb.Verify.Command != "":
		req.Type = "shell"
		req.Target = pb.Verify.Command
	case pb.Verify.PlaybookID != "":
		// Chained verification delegates to another playbook's first action.
		other := r.lookup(pb.Verify.PlaybookID)
		if other == nil || len(other.Actions) == 0 {
			r.recordOutcome(pb.ID, false, "", "verify playbook missing")
			return
		}
		req.Type = other.Actions[0].Type
		req.Target = other.Actions[0].Target
		req.Params = other.Actions[0].Params
	default:
		r.recordOutcome(pb.ID, true, "", "")
		return
	}
	if _, err := r.queue.Enqueue(req); err != nil {
		r.recordOutcome(pb.ID, false, "", fmt.Sprintf("verify enqueue: %v", err))
	}
}

// recordOutcome updates stats, the fuse, and announces the result.
func (r *Reactor) recordOutcome(pbID string, success bool, actionID, reason string) {
	if success {
		r.fuse.RecordSuccess()
		ev := event.New(event.TypeReactorSuccess, "reactor")
		ev.Layer = "reactor"
		ev.With("playbook_id", pbID)
		if actionID != "" {
			ev.With("action_id", actionID)
		}
		r.emit(ev)
		r.stats.recordOutcome(pbID, true)
		return
	}

	ev := event.New(event.TypeReactorFailure, "reactor")
	ev.Layer = "reactor"
	ev.Severity = event.SeverityErr
	ev.With("playbook_id", pbID)
	if actionID != "" {
		ev.With("action_id", actionID)
	}
	if reason != "" {
		ev.With("reason", reason)
	}
	r.emit(ev)

	if disabled := r.stats.recordOutcome(pbID, false); disabled {
		dev := event.New(event.TypeReactorPlaybookDisabled, "reactor")
		dev.Layer = "reactor"
		dev.Severity = event.SeverityWarn
		dev.With("playbook_id", pbID).With("reason", "success_rate_below_floor")
		r.emit(dev)
		log.Printf("[reactor] playbook %s disabled (success rate below %.2f)", pbID, disableFloor)
	}
	if tripped := r.fuse.RecordFailure(); tripped {
		fev := event.New(event.TypeReactorFuseTripped, "reactor")
		fev.Layer = "reactor"
		fev.Severity = event.SeverityCrit
		fev.With("streak", r.fuse.Streak())
		r.emit(fev)
		log.Printf("[reactor] fuse tripped after %d consecutive failures", r.fuse.Streak())
	}
}

// Reload swaps in a new catalog, keeping stats and cooldowns.
func (r *Reactor) Reload(cat *Catalog) {
	r.mu.Lock()
	r.index = buildIndex(cat)
	r.mu.Unlock()
	log.Printf("[reactor] catalog reloaded (%d playbooks)", len(cat.Playbooks))
}

// DisablePlaybook pulls a playbook from rotation and announces it.
func (r *Reactor) DisablePlaybook(id string) error {
	if r.lookup(id) == nil {
		return fmt.Errorf("reactor: unknown playbook %q", id)
	}
	if r.stats.setDisabled(id, true) {
		ev := event.New(event.TypeReactorPlaybookDisabled, "reactor")
		ev.Layer = "reactor"
		ev.With("playbook_id", id).With("reason", "operator")
		r.emit(ev)
	}
	return nil
}

// EnablePlaybook returns a playbook to rotation with a fresh window.
func (r *Reactor) EnablePlaybook(id string) error {
	if r.lookup(id) == nil {
		return fmt.Errorf("reactor: unknown playbook %q", id)
	}
	r.stats.setDisabled(id, false)
	return nil
}

// Status describes the reactor for CLI output.
type Status struct {
	Mode        Mode                     `json:"mode"`
	FuseTripped bool                     `json:"fuse_tripped"`
	FuseStreak  int                      `json:"fuse_streak"`
	Playbooks   []PlaybookStatus         `json:"playbooks"`
	Pending     []*Pending               `json:"pending,omitempty"`
	Stats       map[string]PlaybookStats `json:"stats"`
}

// PlaybookStatus is one catalog entry's live view.
type PlaybookStatus struct {
	ID          string  `json:"id"`
	Pattern     string  `json:"pattern"`
	Disabled    bool    `json:"disabled"`
	SuccessRate float64 `json:"success_rate"`
	Fired       int64   `json:"fired"`
}

// Status snapshots the engine.
func (r *Reactor) Status() Status {
	stats := r.stats.snapshot()
	st := Status{
		Mode:        r.mode,
		FuseTripped: r.fuse.Tripped(),
		FuseStreak:  r.fuse.Streak(),
		Pending:     r.PendingConfirmations(),
		Stats:       stats,
	}
	for _, pb := range r.idx().all() {
		s := stats[pb.ID]
		st.Playbooks = append(st.Playbooks, PlaybookStatus{
			ID:          pb.ID,
			Pattern:     pb.Trigger.EventPattern,
			Disabled:    pb.Disabled || s.Disabled,
			SuccessRate: (&s).SuccessRate(),
			Fired:       s.Fired,
		})
	}
	return st
}

// idx reads the current index; Reload swaps it under the same lock.
func (r *Reactor) idx() *catalogIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

func (r *Reactor) lookup(id string) *Playbook { return r.idx().lookup(id) }

func (r *Reactor) emit(e *event.Event) {
	if err := r.bus.Emit(e); err != nil {
		log.Printf("[reactor] emit %s: %v", e.Type, err)
	}
}
