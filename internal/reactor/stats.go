package reactor

import (
	"sync"

	"github.com/aioslab/aios/internal/statefile"
)

// Outcome windows per playbook: the last statsWindow results decide the
// success rate that drives cooldown stretching and auto-disable.
const (
	statsWindow = 20

	// minSamplesForRate guards the rate against tiny windows.
	minSamplesForRate = 4

	// disableFloor is the success rate below which a playbook is pulled from
	// rotation until an operator re-enables it.
	disableFloor = 0.1
)

// PlaybookStats is one playbook's observable track record.
type PlaybookStats struct {
	Window    []bool `json:"window"` // oldest first, true = success
	Fired     int64  `json:"fired"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	Disabled  bool   `json:"disabled"`
}

// SuccessRate is successes/len over the window; 1.0 when the window is too
// small to judge.
func (s *PlaybookStats) SuccessRate() float64 {
	if len(s.Window) < minSamplesForRate {
		return 1.0
	}
	ok := 0
	for _, v := range s.Window {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(s.Window))
}

// statsTable tracks every playbook's window and persists across restarts.
type statsTable struct {
	mu          sync.Mutex
	byID        map[string]*PlaybookStats
	persistPath string
}

func newStatsTable(persistPath string) *statsTable {
	return &statsTable{byID: make(map[string]*PlaybookStats), persistPath: persistPath}
}

func (t *statsTable) get(id string) *PlaybookStats {
	s := t.byID[id]
	if s == nil {
		s = &PlaybookStats{}
		t.byID[id] = s
	}
	return s
}

// recordFired counts a firing without judging its outcome yet.
func (t *statsTable) recordFired(id string) {
	t.mu.Lock()
	t.get(id).Fired++
	t.mu.Unlock()
	t.persist()
}

// recordOutcome appends to the window and reports whether this outcome
// pushed the playbook under the disable floor.
func (t *statsTable) recordOutcome(id string, success bool) (disabled bool) {
	t.mu.Lock()
	s := t.get(id)
	s.Window = append(s.Window, success)
	if len(s.Window) > statsWindow {
		s.Window = s.Window[len(s.Window)-statsWindow:]
	}
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	if !s.Disabled && s.SuccessRate() < disableFloor {
		s.Disabled = true
		disabled = true
	}
	t.mu.Unlock()
	t.persist()
	return disabled
}

func (t *statsTable) successRate(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).SuccessRate()
}

func (t *statsTable) isDisabled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).Disabled
}

// setDisabled flips the operator override and reports whether it changed.
func (t *statsTable) setDisabled(id string, disabled bool) bool {
	t.mu.Lock()
	s := t.get(id)
	changed := s.Disabled != disabled
	s.Disabled = disabled
	if !disabled {
		// Re-enabling wipes the window so one old losing streak cannot
		// immediately re-disable the playbook.
		s.Window = nil
	}
	t.mu.Unlock()
	if changed {
		t.persist()
	}
	return changed
}

// snapshot copies the table for status output.
func (t *statsTable) snapshot() map[string]PlaybookStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]PlaybookStats, len(t.byID))
	for id, s := range t.byID {
		cp := *s
		cp.Window = append([]bool(nil), s.Window...)
		out[id] = cp
	}
	return out
}

func (t *statsTable) persist() {
	if t.persistPath == "" {
		return
	}
	t.mu.Lock()
	snap := make(map[string]*PlaybookStats, len(t.byID))
	for id, s := range t.byID {
		cp := *s
		cp.Window = append([]bool(nil), s.Window...)
		snap[id] = &cp
	}
	t.mu.Unlock()
	// Persistence is best effort; the next outcome rewrites the file anyway.
	_ = statefile.Save(t.persistPath, snap)
}

func (t *statsTable) restore() error {
	if t.persistPath == "" {
		return nil
	}
	var snap map[string]*PlaybookStats
	ok, err := statefile.Load(t.persistPath, &snap)
	if err != nil || !ok {
		return err
	}
	t.mu.Lock()
	t.byID = snap
	if t.byID == nil {
		t.byID = make(map[string]*PlaybookStats)
	}
	t.mu.Unlock()
	return nil
}
