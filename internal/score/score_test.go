package score

import (
	"path/filepath"
	"testing"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

func TestBaseScore(t *testing.T) {
	s := New(eventbus.New(nil), 10, nil)
	if got := s.Score(); got != 0.5 {
		t.Errorf("empty window score = %v, want 0.5", got)
	}
}

func TestContributions(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 100, nil)
	s.Attach()

	for i := 0; i < 3; i++ {
		if err := bus.Emit(event.New(event.TypeReactorSuccess, "test")); err != nil {
			t.Fatal(err)
		}
	}
	want := 0.5 + 3*0.02
	if got := s.Score(); !almostEqual(got, want) {
		t.Errorf("score = %v, want %v", got, want)
	}

	if err := bus.Emit(event.New(event.TypeResourceThresholdConfirmed, "test")); err != nil {
		t.Fatal(err)
	}
	want -= 0.05
	if got := s.Score(); !almostEqual(got, want) {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestWindowEviction(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 5, nil)
	s.Attach()

	// 5 errors fill the window, then 5 successes evict them all.
	for i := 0; i < 5; i++ {
		_ = bus.Emit(event.New(event.TypeAgentError, "test"))
	}
	for i := 0; i < 5; i++ {
		_ = bus.Emit(event.New(event.TypeReactorSuccess, "test"))
	}
	want := 0.5 + 5*0.02
	if got := s.Score(); !almostEqual(got, want) {
		t.Errorf("score = %v, want %v (old entries must age out)", got, want)
	}
}

func TestClamping(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 100, nil)
	s.Attach()

	for i := 0; i < 50; i++ {
		_ = bus.Emit(event.New(event.TypeResourceThresholdConfirmed, "test"))
	}
	if got := s.Score(); got != 0 {
		t.Errorf("score = %v, want clamp at 0", got)
	}
}

func TestHysteresisCrossings(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 100, nil)
	s.Attach()

	var crossings []string
	bus.Subscribe("score.*", func(e *event.Event) error {
		crossings = append(crossings, e.Type)
		return nil
	})

	// Each agent.error is -0.03: two keep us inside the 0.45 band, the
	// third crosses it.
	_ = bus.Emit(event.New(event.TypeAgentError, "test"))
	if len(crossings) != 0 {
		t.Fatalf("degraded fired inside hysteresis band: %v", crossings)
	}
	_ = bus.Emit(event.New(event.TypeAgentError, "test"))
	_ = bus.Emit(event.New(event.TypeAgentError, "test"))
	if len(crossings) != 1 || crossings[0] != event.TypeScoreDegraded {
		t.Fatalf("crossings = %v, want one degraded", crossings)
	}

	// Climb back: must exceed 0.55 before recovered fires, and it fires once.
	for i := 0; i < 10; i++ {
		_ = bus.Emit(event.New(event.TypeReactorSuccess, "test"))
	}
	if len(crossings) != 2 || crossings[1] != event.TypeScoreRecovered {
		t.Fatalf("crossings = %v, want degraded then recovered", crossings)
	}
}

func TestScoreEventsExcludedFromWindow(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 100, nil)
	s.Attach()

	for i := 0; i < 3; i++ {
		_ = bus.Emit(event.New(event.TypeAgentError, "test"))
	}
	before := s.Score()
	// The degraded event itself must not shift the score.
	if got := s.Score(); got != before {
		t.Errorf("score moved after its own event: %v -> %v", before, got)
	}
}

func TestSaveRestore(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, 100, nil)
	s.Attach()
	s.SetPersistPath(filepath.Join(t.TempDir(), "score_window.json"))

	for i := 0; i < 4; i++ {
		_ = bus.Emit(event.New(event.TypeReactorSuccess, "test"))
	}
	want := s.Score()
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2 := New(eventbus.New(nil), 100, nil)
	s2.SetPersistPath(s.persistPath)
	if err := s2.Restore(); err != nil {
		t.Fatal(err)
	}
	if got := s2.Score(); !almostEqual(got, want) {
		t.Errorf("restored score = %v, want %v", got, want)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
