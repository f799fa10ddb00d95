package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
	"github.com/aioslab/aios/internal/telemetry"
)

// DefaultMaxConcurrency bounds in-flight tasks.
const DefaultMaxConcurrency = 5

// Backoff schedule for retries: base * factor^attempt, clamped.
const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
	retryFactor    = 2
)

// Stats counts lifecycle outcomes since start.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
	Retried   int64 `json:"retried"`
}

// Snapshot is the observable scheduler state for status output.
type Snapshot struct {
	Queued  int   `json:"queued"`
	Running int   `json:"running"`
	Stats   Stats `json:"stats"`
}

// Scheduler runs a single dispatcher loop that keeps at most
// maxConcurrency workers in flight, popping the priority heap as slots
// free up.
type Scheduler struct {
	bus            *eventbus.Bus
	maxConcurrency int

	mu      sync.Mutex
	queue   taskHeap
	running map[string]*Task
	seq     int64
	stats   Stats
	stopped bool
	started bool

	wake           chan struct{}
	dispatcherDone chan struct{}
	workers        sync.WaitGroup

	// delay is the retry schedule; tests shrink it.
	delay func(attempt int) time.Duration
}

// New builds a stopped scheduler. maxConcurrency <= 0 uses the default.
func New(bus *eventbus.Bus, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{
		bus:            bus,
		maxConcurrency: maxConcurrency,
		running:        make(map[string]*Task),
		wake:           make(chan struct{}, 1),
		dispatcherDone: make(chan struct{}),
		delay:          retryDelay,
	}
}

// permanentError marks a handler failure that must not be retried, the same
// way backoff.Permanent short-circuits a retry loop.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the scheduler terminates the task instead of
// retrying. Handlers return it for non-retryable failures (permission,
// config, parse errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryDelay computes the backoff for the given completed attempt count.
func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = retryFactor
	bo.MaxInterval = retryMaxDelay
	bo.MaxElapsedTime = 0
	d := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Submit queues a task and emits scheduler.task_submitted. Submitting after
// Stop returns an error; in-flight work is unaffected.
func (s *Scheduler) Submit(t *Task) error {
	if t == nil || t.Handler == nil {
		return fmt.Errorf("scheduler: task requires a handler")
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: stopped")
	}
	s.seq++
	t.seq = s.seq
	t.State = StateQueued
	heap.Push(&s.queue, t)
	s.stats.Submitted++
	s.mu.Unlock()

	s.emit(event.TypeTaskSubmitted, t, nil)
	s.kick()
	return nil
}

// Start launches the dispatcher loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.dispatch()
	log.Printf("[scheduler] started (max_concurrency=%d)", s.maxConcurrency)
}

// Stop stops accepting new work, lets in-flight tasks run to completion or
// timeout, then returns. Queued tasks that never started stay queued; there
// is no forced kill.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.kick()
	if started {
		<-s.dispatcherDone
	}
	s.workers.Wait()
	log.Printf("[scheduler] stopped")
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatcherDone)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		var next *Task
		if len(s.running) < s.maxConcurrency && s.queue.Len() > 0 {
			next = heap.Pop(&s.queue).(*Task)
			next.State = StateRunning
			s.running[next.ID] = next
		}
		s.mu.Unlock()

		if next == nil {
			<-s.wake
			continue
		}
		s.workers.Add(1)
		go s.run(next)
	}
}

// run executes one attempt, applying the timeout and retry contracts.
func (s *Scheduler) run(t *Task) {
	defer s.workers.Done()

	s.emit(event.TypeTaskStarted, t, map[string]any{"attempt": t.Retries + 1})

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	// One span per attempt; with telemetry disabled this is the noop tracer.
	ctx, span := telemetry.Tracer("scheduler").Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.name", t.Name),
			attribute.String("task.priority", t.Priority.String()),
			attribute.Int("task.attempt", t.Retries+1),
		))

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := t.Handler(ctx, t.Payload)
		done <- outcome{result: res, err: err}
	}()

	var timedOut bool
	var out outcome
	select {
	case out = <-done:
		timedOut = false
	case <-ctx.Done():
		timedOut = true
		out = outcome{err: fmt.Errorf("task %s timed out after %s", t.ID, t.Timeout)}
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	span.End()

	s.mu.Lock()
	delete(s.running, t.ID)
	canRetry := t.Retries < t.MaxRetries && !s.stopped && !isPermanent(out.err)

	switch {
	case !timedOut && out.err == nil:
		t.State = StateCompleted
		t.Result = out.result
		s.stats.Completed++
		s.mu.Unlock()
		s.emit(event.TypeTaskCompleted, t, nil)

	case canRetry:
		t.Retries++
		t.State = StateQueued
		t.Err = out.err.Error()
		s.stats.Retried++
		delay := s.delay(t.Retries - 1)
		s.mu.Unlock()
		time.AfterFunc(delay, func() { s.requeue(t) })

	case timedOut:
		t.State = StateTimeout
		t.Err = out.err.Error()
		s.stats.Timeout++
		s.mu.Unlock()
		s.emit(event.TypeTaskTimeout, t, map[string]any{"reason": t.Err, "trace_id": t.ID})

	default:
		t.State = StateFailed
		t.Err = out.err.Error()
		s.stats.Failed++
		s.mu.Unlock()
		s.emit(event.TypeTaskFailed, t, map[string]any{"reason": t.Err, "trace_id": t.ID})
	}

	s.kick()
}

// requeue returns a retried task to the heap at its original priority.
func (s *Scheduler) requeue(t *Task) {
	s.mu.Lock()
	if s.stopped {
		// The scheduler shut down while the backoff timer ran; the retry
		// is abandoned and the task recorded as failed.
		t.State = StateFailed
		s.stats.Failed++
		s.mu.Unlock()
		s.emit(event.TypeTaskFailed, t, map[string]any{"reason": t.Err, "trace_id": t.ID})
		return
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.mu.Unlock()
	s.kick()
}

// emit publishes a lifecycle event; bus errors are logged, never propagated
// into task state.
func (s *Scheduler) emit(typ string, t *Task, extra map[string]any) {
	e := event.New(typ, "scheduler")
	e.Layer = "scheduler"
	e.With("task_id", t.ID).With("name", t.Name).With("priority", t.Priority.String())
	for k, v := range extra {
		e.With(k, v)
	}
	switch typ {
	case event.TypeTaskFailed, event.TypeTaskTimeout:
		e.Severity = event.SeverityErr
	}
	if err := s.bus.Emit(e); err != nil {
		log.Printf("[scheduler] emit %s: %v", typ, err)
	}
}

// Snapshot returns current queue depth, running count, and counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Queued: s.queue.Len(), Running: len(s.running), Stats: s.stats}
}
