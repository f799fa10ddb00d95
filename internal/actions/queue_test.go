package actions

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aioslab/aios/internal/breaker"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
	"github.com/aioslab/aios/internal/scheduler"
)

// inlineRunner executes submitted tasks synchronously, honoring the retry
// budget the way the scheduler would but without goroutines or backoff.
type inlineRunner struct {
	mu    sync.Mutex
	tasks []*scheduler.Task
}

func (r *inlineRunner) Submit(t *scheduler.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	for i := 0; i <= t.MaxRetries; i++ {
		if _, err := t.Handler(context.Background(), t.Payload); err == nil {
			break
		}
	}
	return nil
}

func (r *inlineRunner) submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// captureRunner records tasks without executing them.
type captureRunner struct {
	mu    sync.Mutex
	tasks []*scheduler.Task
}

func (r *captureRunner) Submit(t *scheduler.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return nil
}

func (r *captureRunner) submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// failExecutor fails every attempt with a fixed outcome kind.
type failExecutor struct {
	kind   Kind
	detail string
	calls  int
}

func (x *failExecutor) Execute(ctx context.Context, a *Action) Outcome {
	x.calls++
	return Outcome{Kind: x.kind, Detail: x.detail}
}

type okExecutor struct{ calls int }

func (x *okExecutor) Execute(ctx context.Context, a *Action) Outcome {
	x.calls++
	return Outcome{OK: true, Result: map[string]any{"ran": true}}
}

func newTestQueue(t *testing.T, cfg Config, run Runner) (*Queue, *eventbus.Bus, *breaker.Breaker, *Registry) {
	t.Helper()
	bus := eventbus.New(nil)
	brk := breaker.New(breaker.Config{})
	reg := &Registry{executors: make(map[string]Executor)}
	q := NewQueue(cfg, bus, brk, reg, run)
	q.processRunning = func(string) bool { return false }
	return q, bus, brk, reg
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("shell", "restart nginx", map[string]any{"grace": 5, "signal": "TERM"})
	b := IdempotencyKey("shell", "restart nginx", map[string]any{"signal": "TERM", "grace": 5})
	if a != b {
		t.Errorf("key varies with param insertion order: %s vs %s", a, b)
	}
	if c := IdempotencyKey("shell", "restart apache", map[string]any{"grace": 5, "signal": "TERM"}); c == a {
		t.Error("different targets produced the same key")
	}
	if c := IdempotencyKey("http", "restart nginx", map[string]any{"grace": 5, "signal": "TERM"}); c == a {
		t.Error("different types produced the same key")
	}
	if IdempotencyKey("shell", "ls", nil) != IdempotencyKey("shell", "ls", map[string]any{}) {
		t.Error("nil and empty params should hash equally")
	}
}

func TestEnqueueDedupReturnsExisting(t *testing.T) {
	run := &captureRunner{}
	q, _, _, reg := newTestQueue(t, Config{}, run)
	reg.Register("tool", &okExecutor{})

	req := Request{Type: "tool", Target: "compact", Priority: scheduler.P2}
	first, err := q.Enqueue(req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(req)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("duplicate of an active action should return the existing action")
	}
	if got := run.submitted(); got != 1 {
		t.Errorf("submitted tasks = %d, want 1", got)
	}
}

func TestDedupResetsAfterFinalize(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{Cooldown: time.Nanosecond}, run)
	reg.Register("tool", &okExecutor{})

	req := Request{Type: "tool", Target: "compact", Priority: scheduler.P2}
	first, _ := q.Enqueue(req)
	if first.Status != StatusSucceeded {
		t.Fatalf("first status = %s, want SUCCEEDED", first.Status)
	}
	time.Sleep(time.Millisecond) // clear the cooldown
	second, _ := q.Enqueue(req)
	if second == first {
		t.Error("finalized action should not absorb new requests")
	}
	if second.Status != StatusSucceeded {
		t.Errorf("second status = %s, want SUCCEEDED", second.Status)
	}
}

func TestGuardrailOrder(t *testing.T) {
	tests := []struct {
		name string
		prep func(q *Queue, brk *breaker.Breaker)
		req  Request
		want string
	}{
		{
			name: "high risk without approval",
			req:  Request{Type: "tool", Target: "wipe", Risk: RiskHigh},
			want: SkipNeedsApproval,
		},
		{
			name: "approval outranks quota",
			prep: func(q *Queue, _ *breaker.Breaker) {
				q.quota["tool"] = []time.Time{q.now(), q.now()}
			},
			req:  Request{Type: "tool", Target: "wipe", Risk: RiskHigh},
			want: SkipNeedsApproval,
		},
		{
			name: "quota exceeded",
			prep: func(q *Queue, _ *breaker.Breaker) {
				q.quota["tool"] = []time.Time{q.now(), q.now()}
			},
			req:  Request{Type: "tool", Target: "cleanup", Risk: RiskLow},
			want: SkipQuotaExceeded,
		},
		{
			name: "cooldown after recent success",
			prep: func(q *Queue, _ *breaker.Breaker) {
				key := IdempotencyKey("tool", "cleanup", nil)
				q.lastSuccess[key] = q.now()
			},
			req:  Request{Type: "tool", Target: "cleanup", Risk: RiskLow},
			want: SkipCooldown,
		},
		{
			name: "open circuit",
			prep: func(q *Queue, brk *breaker.Breaker) {
				key := breaker.Key("action", "tool")
				for i := 0; i < 3; i++ {
					brk.RecordFailure(key)
				}
			},
			req:  Request{Type: "tool", Target: "cleanup", Risk: RiskLow},
			want: SkipCircuitBreaker,
		},
		{
			name: "budget pressure blocks medium risk",
			prep: func(q *Queue, _ *breaker.Breaker) { q.pressure = true },
			req:  Request{Type: "tool", Target: "cleanup", Risk: RiskMedium},
			want: SkipBudgetPressure,
		},
		{
			name: "budget pressure admits low risk",
			prep: func(q *Queue, _ *breaker.Breaker) { q.pressure = true },
			req:  Request{Type: "tool", Target: "cleanup", Risk: RiskLow},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, brk, reg := newTestQueue(t, Config{QuotaMax: 2}, &captureRunner{})
			reg.Register("tool", &okExecutor{})
			if tt.prep != nil {
				tt.prep(q, brk)
			}
			a, err := q.Enqueue(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if tt.want == "" {
				if a.Status != StatusQueued {
					t.Errorf("status = %s (%s), want QUEUED", a.Status, a.SkipReason)
				}
				return
			}
			if a.Status != StatusSkipped || a.SkipReason != tt.want {
				t.Errorf("status = %s reason %q, want SKIPPED %q", a.Status, a.SkipReason, tt.want)
			}
		})
	}
}

func TestRepeatedFailuresOpenCircuit(t *testing.T) {
	run := &inlineRunner{}
	q, bus, brk, reg := newTestQueue(t, Config{}, run)
	exec := &failExecutor{kind: KindNonRetryable, detail: "permission denied"}
	reg.Register("shell", exec)

	var skipped []string
	bus.Subscribe(event.TypeActionSkipped, func(e *event.Event) error {
		skipped = append(skipped, e.Payload["reason"].(string))
		return nil
	})

	req := Request{Type: "shell", Target: "systemctl restart app", Priority: scheduler.P2}
	for i := 0; i < 3; i++ {
		a, err := q.Enqueue(req)
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != StatusFailed {
			t.Fatalf("attempt %d: status = %s, want FAILED", i+1, a.Status)
		}
	}
	key := breaker.Key("action", "shell")
	if st := brk.CurrentState(key); st != breaker.StateOpen {
		t.Fatalf("breaker state = %s after 3 failures, want OPEN", st)
	}

	fourth, err := q.Enqueue(req)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Status != StatusSkipped || fourth.SkipReason != SkipCircuitBreaker {
		t.Errorf("fourth request: status = %s reason %q, want SKIPPED %q",
			fourth.Status, fourth.SkipReason, SkipCircuitBreaker)
	}
	if len(skipped) != 1 || skipped[0] != SkipCircuitBreaker {
		t.Errorf("skipped events = %v, want one %q", skipped, SkipCircuitBreaker)
	}
	if exec.calls != 3 {
		t.Errorf("executor calls = %d, want 3 (the skip never executes)", exec.calls)
	}
}

func TestFailuresAcrossTargetsShareTheTypeCircuit(t *testing.T) {
	run := &inlineRunner{}
	q, _, brk, reg := newTestQueue(t, Config{}, run)
	reg.Register("shell", &failExecutor{kind: KindNonRetryable, detail: "permission denied"})

	// Three failures spread over different targets still open the shell
	// circuit: the key is the action type, not the individual command.
	for _, target := range []string{"systemctl restart app", "systemctl restart db", "logrotate -f"} {
		a, err := q.Enqueue(Request{Type: "shell", Target: target, Priority: scheduler.P2})
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != StatusFailed {
			t.Fatalf("target %q: status = %s, want FAILED", target, a.Status)
		}
	}
	if st := brk.CurrentState(breaker.Key("action", "shell")); st != breaker.StateOpen {
		t.Fatalf("breaker state = %s after failures across targets, want OPEN", st)
	}

	a, err := q.Enqueue(Request{Type: "shell", Target: "df -h", Priority: scheduler.P2})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusSkipped || a.SkipReason != SkipCircuitBreaker {
		t.Errorf("status = %s reason %q, want SKIPPED %q", a.Status, a.SkipReason, SkipCircuitBreaker)
	}
}

func TestNonRetryableStopsAfterOneAttempt(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{}, run)
	exec := &failExecutor{kind: KindNonRetryable, detail: "invalid config"}
	reg.Register("tool", exec)

	a, err := q.Enqueue(Request{Type: "tool", Target: "reload"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusFailed || a.Attempts != 1 {
		t.Errorf("status = %s attempts = %d, want FAILED after 1", a.Status, a.Attempts)
	}
	if exec.calls != 1 {
		t.Errorf("executor calls = %d, want 1", exec.calls)
	}
}

func TestUnknownFailuresCappedAtTwoAttempts(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{}, run)
	exec := &failExecutor{kind: KindUnknown, detail: "weird state"}
	reg.Register("tool", exec)

	a, err := q.Enqueue(Request{Type: "tool", Target: "probe"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusFailed || a.Attempts != 2 {
		t.Errorf("status = %s attempts = %d, want FAILED after 2", a.Status, a.Attempts)
	}
}

func TestRetryableGetsFullBudgetAndGracePeriod(t *testing.T) {
	run := &inlineRunner{}
	q, _, brk, reg := newTestQueue(t, Config{}, run)
	exec := &failExecutor{kind: KindRetryable, detail: "connection reset"}
	reg.Register("tool", exec)

	a, err := q.Enqueue(Request{Type: "tool", Target: "sync"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusFailed || a.Attempts != 3 {
		t.Errorf("status = %s attempts = %d, want FAILED after 3", a.Status, a.Attempts)
	}
	// First retryable fault is forgiven: 3 attempts but only 2 counted
	// failures, so the circuit stays closed.
	key := breaker.Key("action", "tool")
	if st := brk.CurrentState(key); st != breaker.StateClosed {
		t.Errorf("breaker state = %s, want CLOSED", st)
	}
}

func TestSuccessRecordsCooldown(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{Cooldown: time.Hour}, run)
	reg.Register("tool", &okExecutor{})

	req := Request{Type: "tool", Target: "compact"}
	first, _ := q.Enqueue(req)
	if first.Status != StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", first.Status)
	}
	second, _ := q.Enqueue(req)
	if second.Status != StatusSkipped || second.SkipReason != SkipCooldown {
		t.Errorf("status = %s reason %q, want SKIPPED %q", second.Status, second.SkipReason, SkipCooldown)
	}
}

func TestBudgetPressureFollowsScore(t *testing.T) {
	run := &inlineRunner{}
	q, bus, _, reg := newTestQueue(t, Config{}, run)
	reg.Register("tool", &okExecutor{})
	q.AttachBudget()

	if err := bus.Emit(event.New(event.TypeScoreDegraded, "score")); err != nil {
		t.Fatal(err)
	}
	a, _ := q.Enqueue(Request{Type: "tool", Target: "expensive", Risk: RiskMedium})
	if a.SkipReason != SkipBudgetPressure {
		t.Errorf("reason = %q, want %q under pressure", a.SkipReason, SkipBudgetPressure)
	}

	if err := bus.Emit(event.New(event.TypeScoreRecovered, "score")); err != nil {
		t.Fatal(err)
	}
	b, _ := q.Enqueue(Request{Type: "tool", Target: "expensive", Risk: RiskMedium})
	if b.Status != StatusSucceeded {
		t.Errorf("status = %s after recovery, want SUCCEEDED", b.Status)
	}
}

func TestProcessPreflightSkips(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{}, run)
	exec := &okExecutor{}
	reg.Register("tool", exec)
	q.processRunning = func(name string) bool { return name == "nginx" }

	a, err := q.Enqueue(Request{Type: "tool", Target: "start-nginx", ProcessName: "nginx"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusSkipped || a.SkipReason != SkipAlreadyRunning {
		t.Errorf("status = %s reason %q, want SKIPPED %q", a.Status, a.SkipReason, SkipAlreadyRunning)
	}
	if exec.calls != 0 {
		t.Errorf("executor ran %d times despite preflight", exec.calls)
	}
}

func TestFinalizedEventCarriesCorrelation(t *testing.T) {
	run := &inlineRunner{}
	q, bus, _, reg := newTestQueue(t, Config{}, run)
	reg.Register("tool", &okExecutor{})

	var got *event.Event
	bus.Subscribe(event.TypeActionFinalized, func(e *event.Event) error {
		got = e
		return nil
	})

	a, err := q.Enqueue(Request{
		Type:       "tool",
		Target:     "compact",
		PlaybookID: "pb-memory-pressure",
		CauseType:  event.TypeResourceThresholdConfirmed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no finalized event")
	}
	if got.Payload["playbook_id"] != "pb-memory-pressure" {
		t.Errorf("playbook_id = %v", got.Payload["playbook_id"])
	}
	if got.Payload["cause_type"] != event.TypeResourceThresholdConfirmed {
		t.Errorf("cause_type = %v", got.Payload["cause_type"])
	}
	if got.Payload["status"] != string(StatusSucceeded) {
		t.Errorf("status = %v", got.Payload["status"])
	}
	if got.Payload["action_id"] != a.ID {
		t.Errorf("action_id = %v, want %s", got.Payload["action_id"], a.ID)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{Cooldown: time.Nanosecond}, run)
	reg.Register("tool", &okExecutor{})

	for _, target := range []string{"one", "two", "three"} {
		if _, err := q.Enqueue(Request{Type: "tool", Target: target}); err != nil {
			t.Fatal(err)
		}
	}
	got := q.History(2)
	if len(got) != 2 || got[0].Target != "three" || got[1].Target != "two" {
		targets := make([]string, len(got))
		for i, a := range got {
			targets[i] = a.Target
		}
		t.Errorf("History(2) targets = %v, want [three two]", targets)
	}
	if all := q.History(0); len(all) != 3 {
		t.Errorf("History(0) = %d entries, want 3", len(all))
	}
}

func TestPersistAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	capture := &captureRunner{}
	q, _, _, reg := newTestQueue(t, Config{PersistPath: path}, capture)
	reg.Register("tool", &okExecutor{})
	if _, err := q.Enqueue(Request{Type: "tool", Target: "pending"}); err != nil {
		t.Fatal(err)
	}

	run2 := &inlineRunner{}
	q2, _, _, reg2 := newTestQueue(t, Config{PersistPath: path}, run2)
	exec := &okExecutor{}
	reg2.Register("tool", exec)
	if err := q2.Restore(); err != nil {
		t.Fatal(err)
	}
	if exec.calls != 1 {
		t.Errorf("restored action executed %d times, want 1", exec.calls)
	}
	hist := q2.History(0)
	if len(hist) != 1 || hist[0].Status != StatusSucceeded {
		t.Errorf("restored history = %+v, want one SUCCEEDED entry", hist)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{}, &captureRunner{})
	if _, err := q.Enqueue(Request{Type: "teleport", Target: "x"}); err == nil {
		t.Error("unknown action type should error")
	}
	if _, err := q.Enqueue(Request{Target: "x"}); err == nil {
		t.Error("missing type should error")
	}
}

func TestClassifyRisk(t *testing.T) {
	tests := []struct {
		req  Request
		want Risk
	}{
		{Request{Risk: RiskLow, Priority: scheduler.P0}, RiskLow},
		{Request{Priority: scheduler.P0}, RiskHigh},
		{Request{Priority: scheduler.P1}, RiskHigh},
		{Request{Priority: scheduler.P2}, RiskMedium},
		{Request{Priority: scheduler.P3}, RiskLow},
	}
	for _, tt := range tests {
		if got := classifyRisk(tt.req); got != tt.want {
			t.Errorf("classifyRisk(risk=%s pri=%s) = %s, want %s",
				tt.req.Risk, tt.req.Priority, got, tt.want)
		}
	}
}

func TestSpoolIngest(t *testing.T) {
	dir := t.TempDir()
	run := &inlineRunner{}
	q, _, _, reg := newTestQueue(t, Config{}, run)
	exec := &okExecutor{}
	reg.Register("tool", exec)
	spool := NewSpool(dir, q)

	single := `{"type":"tool","target":"compact","priority":2}`
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(single), 0o644); err != nil {
		t.Fatal(err)
	}
	batch := `[{"type":"tool","target":"one"},{"type":"tool","target":"two"}]`
	if err := os.WriteFile(filepath.Join(dir, "b.json"), []byte(batch), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	spool.Sweep()

	if exec.calls != 3 {
		t.Errorf("executed %d actions from spool, want 3", exec.calls)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := map[string]bool{"broken.json.bad": true, "notes.txt": true}
	if len(names) != 2 || !want[names[0]] || !want[names[1]] {
		t.Errorf("leftover spool entries = %v, want quarantined file and non-json only", names)
	}

	// A second sweep is a no-op; nothing gets re-ingested.
	spool.Sweep()
	if exec.calls != 3 {
		t.Errorf("resweep executed actions again: %d calls", exec.calls)
	}
}

func TestDecodeSpoolFile(t *testing.T) {
	if _, err := decodeSpoolFile([]byte("  ")); err == nil {
		t.Error("empty file should error")
	}
	if _, err := decodeSpoolFile([]byte(`[{"type":"tool"}`)); err == nil {
		t.Error("truncated array should error")
	}
	reqs, err := decodeSpoolFile([]byte(`{"type":"shell","target":"ls"}`))
	if err != nil || len(reqs) != 1 || reqs[0].Type != "shell" {
		t.Errorf("single decode = %v, %v", reqs, err)
	}
	reqs, err = decodeSpoolFile([]byte("{\"type\":\"shell\",\"target\":\"ls\"}\n{\"type\":\"tool\",\"target\":\"gc\"}\n"))
	if err != nil || len(reqs) != 2 || reqs[1].Type != "tool" {
		t.Errorf("line-appended decode = %v, %v", reqs, err)
	}
}
