package actions

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/aioslab/aios/internal/breaker"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
	"github.com/aioslab/aios/internal/scheduler"
	"github.com/aioslab/aios/internal/statefile"
)

// Defaults for the queue's execution contract.
const (
	DefaultMaxAttempts        = 3
	DefaultUnknownMaxAttempts = 2
	DefaultCooldown           = 60 * time.Second
	DefaultQuotaMax           = 20
	DefaultQuotaWindow        = time.Hour
	DefaultExecTimeout        = 60 * time.Second
)

// Config tunes the queue guardrails. Zero values take defaults.
type Config struct {
	MaxAttempts        int
	UnknownMaxAttempts int
	Cooldown           time.Duration
	QuotaMax           int
	QuotaWindow        time.Duration
	ExecTimeout        time.Duration
	PersistPath        string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.UnknownMaxAttempts <= 0 {
		c.UnknownMaxAttempts = DefaultUnknownMaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.QuotaMax <= 0 {
		c.QuotaMax = DefaultQuotaMax
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = DefaultQuotaWindow
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
}

// Runner is the slice of the scheduler the queue needs. Tests substitute an
// inline runner.
type Runner interface {
	Submit(t *scheduler.Task) error
}

// Queue accepts action requests, deduplicates them by idempotency key, runs
// the guardrail chain, and hands surviving actions to the scheduler. The
// queue owns no worker pool of its own.
type Queue struct {
	cfg Config
	bus *eventbus.Bus
	brk *breaker.Breaker
	reg *Registry
	run Runner

	mu          sync.Mutex
	active      map[string]*Action // idempotency key -> non-terminal action
	history     []*Action          // finalized, oldest first
	lastSuccess map[string]time.Time
	quota       map[string][]time.Time // action type -> recent admissions
	pressure    bool

	now            func() time.Time
	processRunning func(name string) bool
}

// NewQueue wires the queue to its collaborators.
func NewQueue(cfg Config, bus *eventbus.Bus, brk *breaker.Breaker, reg *Registry, run Runner) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:            cfg,
		bus:            bus,
		brk:            brk,
		reg:            reg,
		run:            run,
		active:         make(map[string]*Action),
		lastSuccess:    make(map[string]time.Time),
		quota:          make(map[string][]time.Time),
		now:            time.Now,
		processRunning: processRunning,
	}
}

// AttachBudget subscribes the score signals that gate non-trivial actions.
// Under budget pressure only LOW risk actions are admitted.
func (q *Queue) AttachBudget() {
	q.bus.Subscribe(event.TypeScoreDegraded, func(e *event.Event) error {
		q.mu.Lock()
		q.pressure = true
		q.mu.Unlock()
		log.Printf("[actions] budget pressure on")
		return nil
	})
	q.bus.Subscribe(event.TypeScoreRecovered, func(e *event.Event) error {
		q.mu.Lock()
		q.pressure = false
		q.mu.Unlock()
		log.Printf("[actions] budget pressure off")
		return nil
	})
}

// Enqueue admits one request. A duplicate of a still-active action returns
// the existing action without re-running guardrails. A guardrail rejection
// returns a SKIPPED action, not an error; errors mean the request itself is
// malformed.
func (q *Queue) Enqueue(r Request) (*Action, error) {
	if r.Type == "" {
		return nil, fmt.Errorf("actions: request requires a type")
	}
	if _, ok := q.reg.Lookup(r.Type); !ok {
		return nil, fmt.Errorf("actions: no executor for type %q", r.Type)
	}

	now := q.now()
	a := newAction(r, now.UnixMilli())

	q.mu.Lock()
	if existing, ok := q.active[a.IdempotencyKey]; ok {
		q.mu.Unlock()
		return existing, nil
	}
	if reason := q.guardLocked(a, now); reason != "" {
		a.Status = StatusSkipped
		a.SkipReason = reason
		a.FinalizedAt = now.UnixMilli()
		q.history = append(q.history, a)
		q.mu.Unlock()
		q.persist()
		q.emitSkipped(a)
		q.emitFinalized(a)
		return a, nil
	}
	q.admitLocked(a, now)
	q.mu.Unlock()

	q.persist()
	q.emitEnqueued(a)
	if err := q.submit(a); err != nil {
		q.finalize(a, StatusFailed, "", fmt.Sprintf("submit: %v", err), nil)
		return a, nil
	}
	return a, nil
}

// guardLocked runs the chain in its fixed order and returns the first skip
// reason, or "".
func (q *Queue) guardLocked(a *Action, now time.Time) string {
	if a.Risk == RiskHigh && !a.Approved {
		return SkipNeedsApproval
	}
	window := q.quota[a.Type]
	cut := now.Add(-q.cfg.QuotaWindow)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cut) {
			kept = append(kept, ts)
		}
	}
	q.quota[a.Type] = kept
	if len(kept) >= q.cfg.QuotaMax {
		return SkipQuotaExceeded
	}
	if last, ok := q.lastSuccess[a.IdempotencyKey]; ok && now.Sub(last) < q.cfg.Cooldown {
		return SkipCooldown
	}
	if q.brk.Blocked(q.breakerKey(a)) {
		return SkipCircuitBreaker
	}
	if q.pressure && a.Risk != RiskLow {
		return SkipBudgetPressure
	}
	return ""
}

func (q *Queue) admitLocked(a *Action, now time.Time) {
	q.active[a.IdempotencyKey] = a
	q.quota[a.Type] = append(q.quota[a.Type], now)
}

// breakerKey keys circuits per action type: targets of one type share a
// circuit, so a thrashing type is cut off as a whole.
func (q *Queue) breakerKey(a *Action) string {
	return breaker.Key("action", a.Type)
}

// submit hands the action to the scheduler. The task's retry budget mirrors
// the action's attempt budget; the handler converts non-retryable outcomes
// into permanent errors so the scheduler stops early.
func (q *Queue) submit(a *Action) error {
	t := scheduler.NewTask("action:"+a.Type, a.Priority, q.handler(a), map[string]any{
		"action_id": a.ID,
		"target":    a.Target,
	})
	t.MaxRetries = q.cfg.MaxAttempts - 1
	t.Timeout = q.cfg.ExecTimeout
	return q.run.Submit(t)
}

// handler builds the per-action task body. Each invocation is one attempt.
func (q *Queue) handler(a *Action) scheduler.Handler {
	var sawRetryable bool
	return func(ctx context.Context, _ map[string]any) (any, error) {
		q.mu.Lock()
		if a.Status.Terminal() {
			q.mu.Unlock()
			return nil, nil
		}
		a.Status = StatusRunning
		a.Attempts++
		attempt := a.Attempts
		q.mu.Unlock()

		if a.ProcessName != "" && q.processRunning(a.ProcessName) {
			q.finalize(a, StatusSkipped, SkipAlreadyRunning,
				fmt.Sprintf("process %q already running", a.ProcessName), nil)
			return nil, nil
		}
		key := q.breakerKey(a)
		if !q.brk.Check(key) {
			q.finalize(a, StatusSkipped, SkipCircuitBreaker, "circuit open for "+key, nil)
			return nil, nil
		}
		probe := q.brk.CurrentState(key) == breaker.StateHalfOpen

		exec, ok := q.reg.Lookup(a.Type)
		if !ok {
			q.finalize(a, StatusFailed, "", fmt.Sprintf("no executor for type %q", a.Type), nil)
			return nil, scheduler.Permanent(fmt.Errorf("no executor for type %q", a.Type))
		}

		out := exec.Execute(ctx, a)
		if out.OK {
			q.brk.RecordSuccess(key)
			q.mu.Lock()
			q.lastSuccess[a.IdempotencyKey] = q.now()
			q.mu.Unlock()
			q.finalize(a, StatusSucceeded, "", "", out.Result)
			return out.Result, nil
		}

		// The first retryable fault of an action does not count against the
		// circuit; persistent faults do. A half-open probe failure always
		// counts, otherwise the probe slot would never resolve.
		if probe || out.Kind != KindRetryable || sawRetryable {
			q.brk.RecordFailure(key)
		}
		if out.Kind == KindRetryable {
			sawRetryable = true
		}

		err := fmt.Errorf("%s", out.Detail)
		switch {
		case out.Kind == KindNonRetryable:
			q.finalize(a, StatusFailed, "", out.Detail, out.Result)
			return nil, scheduler.Permanent(err)
		case out.Kind == KindUnknown && attempt >= q.cfg.UnknownMaxAttempts:
			q.finalize(a, StatusFailed, "", out.Detail, out.Result)
			return nil, scheduler.Permanent(err)
		case attempt >= q.cfg.MaxAttempts:
			q.finalize(a, StatusFailed, "", out.Detail, out.Result)
			return nil, scheduler.Permanent(err)
		}
		return nil, err
	}
}

// finalize records the terminal state, retires the idempotency key, persists,
// and announces the result.
func (q *Queue) finalize(a *Action, status Status, skipReason, detail string, result map[string]any) {
	q.mu.Lock()
	if a.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	a.Status = status
	a.SkipReason = skipReason
	a.Detail = detail
	a.Result = result
	a.FinalizedAt = q.now().UnixMilli()
	delete(q.active, a.IdempotencyKey)
	q.history = append(q.history, a)
	q.mu.Unlock()

	q.persist()
	q.emitFinalized(a)
}

func (q *Queue) emitEnqueued(a *Action) {
	e := event.New(event.TypeActionEnqueued, "actions")
	e.Layer = "actions"
	e.With("action_id", a.ID).
		With("action_type", a.Type).
		With("target", a.Target).
		With("risk", string(a.Risk)).
		With("idempotency_key", a.IdempotencyKey)
	if err := q.bus.Emit(e); err != nil {
		log.Printf("[actions] emit enqueued: %v", err)
	}
}

func (q *Queue) emitSkipped(a *Action) {
	e := event.New(event.TypeActionSkipped, "actions")
	e.Layer = "actions"
	e.Severity = event.SeverityWarn
	e.With("action_id", a.ID).
		With("action_type", a.Type).
		With("target", a.Target).
		With("reason", a.SkipReason)
	if err := q.bus.Emit(e); err != nil {
		log.Printf("[actions] emit skipped: %v", err)
	}
}

func (q *Queue) emitFinalized(a *Action) {
	e := event.New(event.TypeActionFinalized, "actions")
	e.Layer = "actions"
	if a.Status == StatusFailed {
		e.Severity = event.SeverityErr
	}
	e.With("action_id", a.ID).
		With("action_type", a.Type).
		With("target", a.Target).
		With("status", string(a.Status)).
		With("attempts", a.Attempts).
		With("trace_id", a.ID)
	if a.PlaybookID != "" {
		e.With("playbook_id", a.PlaybookID)
	}
	if a.CauseType != "" {
		e.With("cause_type", a.CauseType)
	}
	if a.SkipReason != "" {
		e.With("reason", a.SkipReason)
	} else if a.Detail != "" {
		e.With("reason", a.Detail)
	}
	if err := q.bus.Emit(e); err != nil {
		log.Printf("[actions] emit finalized: %v", err)
	}
}

// History returns finalized actions, newest first, capped at limit
// (limit <= 0 means all).
func (q *Queue) History(limit int) []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Action, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, q.history[i])
	}
	return out
}

// Active returns the non-terminal actions.
func (q *Queue) Active() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Action, 0, len(q.active))
	for _, a := range q.active {
		out = append(out, a)
	}
	return out
}

type queueState struct {
	Active  []*Action `json:"active"`
	History []*Action `json:"history"`
}

// LoadHistory reads terminal actions from a persisted queue file without
// constructing a queue, newest first. A missing file yields an empty slice.
func LoadHistory(path string, limit int) ([]*Action, error) {
	var st queueState
	if _, err := statefile.Load(path, &st); err != nil {
		return nil, err
	}
	out := make([]*Action, 0, len(st.History))
	for i := len(st.History) - 1; i >= 0; i-- {
		out = append(out, st.History[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *Queue) persist() {
	if q.cfg.PersistPath == "" {
		return
	}
	q.mu.Lock()
	st := queueState{History: q.history}
	for _, a := range q.active {
		st.Active = append(st.Active, a)
	}
	q.mu.Unlock()
	if err := statefile.Save(q.cfg.PersistPath, st); err != nil {
		log.Printf("[actions] persist queue: %v", err)
	}
}

// Restore reloads persisted state and resubmits actions that never reached a
// terminal status. Attempt counts restart from zero after a crash.
func (q *Queue) Restore() error {
	if q.cfg.PersistPath == "" {
		return nil
	}
	var st queueState
	ok, err := statefile.Load(q.cfg.PersistPath, &st)
	if err != nil || !ok {
		return err
	}

	q.mu.Lock()
	q.history = st.History
	var resubmit []*Action
	for _, a := range st.Active {
		a.Status = StatusQueued
		a.Attempts = 0
		q.active[a.IdempotencyKey] = a
		resubmit = append(resubmit, a)
	}
	q.mu.Unlock()

	for _, a := range resubmit {
		if err := q.submit(a); err != nil {
			q.finalize(a, StatusFailed, "", fmt.Sprintf("resubmit: %v", err), nil)
		}
	}
	return nil
}

// processRunning reports whether any live process matches name.
func processRunning(name string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		if n, err := p.Name(); err == nil && n == name {
			return true
		}
	}
	return false
}
