// Package score maintains the sliding-window evolution score: a number in
// [0,1] summarizing recent operational health, recomputed lazily and
// published as score.degraded / score.recovered on hysteretic crossings.
package score

import (
	"log"
	"sync"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
	"github.com/aioslab/aios/internal/statefile"
)

const (
	// DefaultWindow is the ring capacity (number of recent events scored).
	DefaultWindow = 1000

	base       = 0.5
	hysteresis = 0.05
)

// DefaultWeights is the signed per-event contribution table. Unlisted types
// contribute zero.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		event.TypeReactorSuccess:             +0.02,
		event.TypeReactorFailure:             -0.03,
		event.TypeAgentError:                 -0.03,
		event.TypeResourceThresholdConfirmed: -0.05,
		event.TypeResourceRecovered:          +0.02,
		event.TypePipelineCompleted:          +0.01,
		event.TypeTaskCompleted:              +0.01,
		event.TypeTaskFailed:                 -0.02,
		event.TypeTaskTimeout:                -0.02,
	}
}

// Engine scores the last W events. It subscribes to the full stream; its own
// score.* events are excluded from the window to avoid self-feedback.
type Engine struct {
	bus     *eventbus.Bus
	weights map[string]float64

	mu     sync.Mutex
	window []string // event types, ring of size cap
	start  int
	count  int

	dirty  bool
	cached float64
	high   bool // last published side of the 0.5 line

	persistPath string
}

// New builds an engine with the given window size (0 means DefaultWindow)
// and weight table (nil means DefaultWeights).
func New(bus *eventbus.Bus, windowSize int, weights map[string]float64) *Engine {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Engine{
		bus:     bus,
		weights: weights,
		window:  make([]string, windowSize),
		dirty:   true,
		high:    true,
	}
}

// Attach subscribes the engine to the full event stream.
func (s *Engine) Attach() *eventbus.Subscription {
	return s.bus.Subscribe("**", s.onEvent)
}

func (s *Engine) onEvent(e *event.Event) error {
	if e.Type == event.TypeScoreDegraded || e.Type == event.TypeScoreRecovered {
		return nil
	}

	s.mu.Lock()
	if s.count == len(s.window) {
		s.start = (s.start + 1) % len(s.window)
	} else {
		s.count++
	}
	s.window[(s.start+s.count-1)%len(s.window)] = e.Type
	s.dirty = true

	value := s.computeLocked()
	var emitType string
	if s.high && value < base-hysteresis {
		s.high = false
		emitType = event.TypeScoreDegraded
	} else if !s.high && value > base+hysteresis {
		s.high = true
		emitType = event.TypeScoreRecovered
	}
	s.mu.Unlock()

	if emitType == "" {
		return nil
	}
	out := event.New(emitType, "score_engine")
	out.Layer = "score"
	if emitType == event.TypeScoreDegraded {
		out.Severity = event.SeverityWarn
	}
	out.With("score", value)
	if err := s.bus.Emit(out); err != nil {
		log.Printf("[score] emit %s: %v", emitType, err)
	}
	return nil
}

// Score returns the current value, recomputing only when the window changed.
func (s *Engine) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeLocked()
}

func (s *Engine) computeLocked() float64 {
	if !s.dirty {
		return s.cached
	}
	v := base
	for i := 0; i < s.count; i++ {
		v += s.weights[s.window[(s.start+i)%len(s.window)]]
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	s.cached = v
	s.dirty = false
	return v
}

type snapshot struct {
	Window []string `json:"window"`
	High   bool     `json:"high"`
}

// SetPersistPath enables Save/Restore against score_window.json.
func (s *Engine) SetPersistPath(path string) { s.persistPath = path }

// Save writes the current window snapshot.
func (s *Engine) Save() error {
	if s.persistPath == "" {
		return nil
	}
	s.mu.Lock()
	snap := snapshot{High: s.high, Window: make([]string, 0, s.count)}
	for i := 0; i < s.count; i++ {
		snap.Window = append(snap.Window, s.window[(s.start+i)%len(s.window)])
	}
	s.mu.Unlock()
	return statefile.Save(s.persistPath, snap)
}

// Restore loads a previously saved window, if any.
func (s *Engine) Restore() error {
	if s.persistPath == "" {
		return nil
	}
	var snap snapshot
	ok, err := statefile.Load(s.persistPath, &snap)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.count = 0, 0
	for _, typ := range snap.Window {
		if s.count == len(s.window) {
			s.start = (s.start + 1) % len(s.window)
		} else {
			s.count++
		}
		s.window[(s.start+s.count-1)%len(s.window)] = typ
	}
	s.high = snap.High
	s.dirty = true
	return nil
}
