// Package scheduler executes tasks under a bounded concurrency budget with
// priority ordering, per-task timeouts, and bounded retries with
// exponential backoff.
package scheduler

import (
	"context"
	"time"

	"github.com/aioslab/aios/internal/event"
)

// Priority orders tasks; smaller values run first. Starvation of lower
// priorities is accepted by design.
type Priority int

const (
	P0 Priority = iota // critical: system degraded
	P1                 // high: resource alarms
	P2                 // medium: agent errors
	P3                 // low: routine work
)

// ParsePriority maps "P0".."P3" to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "P0":
		return P0, true
	case "P1":
		return P1, true
	case "P2":
		return P2, true
	case "P3":
		return P3, true
	}
	return P3, false
}

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	}
	return "P3"
}

// State is the task lifecycle position. A terminal task never re-enters the
// queue; re-submission creates a new task.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimeout   State = "TIMEOUT"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// Handler runs one task attempt. Cancellation is cooperative via ctx; a
// handler that ignores the deadline may overrun it slightly, but the task is
// still marked TIMEOUT.
type Handler func(ctx context.Context, payload map[string]any) (any, error)

// Defaults applied by Submit when the caller leaves fields zero.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3
)

// Task is owned exclusively by the scheduler; other components observe it
// through emitted lifecycle events only.
type Task struct {
	ID        string
	Name      string
	Priority  Priority
	CreatedAt time.Time
	Handler   Handler
	Payload   map[string]any

	Timeout    time.Duration
	MaxRetries int

	// Mutated only under the scheduler lock.
	Retries int
	State   State
	Result  any
	Err     string

	seq       int64 // FIFO tiebreak within a priority class
	heapIndex int
}

// NewTask builds a queued task with defaults filled in.
func NewTask(name string, pri Priority, h Handler, payload map[string]any) *Task {
	return &Task{
		ID:         event.NewID(),
		Name:       name,
		Priority:   pri,
		CreatedAt:  time.Now(),
		Handler:    h,
		Payload:    payload,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		State:      StateQueued,
	}
}
