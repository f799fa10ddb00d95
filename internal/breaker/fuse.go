package breaker

import (
	"sync"

	"github.com/aioslab/aios/internal/statefile"
)

// DefaultFuseThreshold is how many consecutive reactor action failures trip
// the global fuse.
const DefaultFuseThreshold = 5

// Fuse is the reactor-wide trip switch: a continuous failure streak at or
// above the threshold blocks all reactor execution until an explicit reset.
type Fuse struct {
	mu        sync.Mutex
	threshold int
	streak    int
	tripped   bool

	persistPath string
}

// NewFuse builds a fuse; threshold <= 0 uses DefaultFuseThreshold.
func NewFuse(threshold int) *Fuse {
	if threshold <= 0 {
		threshold = DefaultFuseThreshold
	}
	return &Fuse{threshold: threshold}
}

// Tripped reports whether execution is globally blocked.
func (f *Fuse) Tripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

// RecordFailure extends the failure streak. It returns true when this
// failure is the one that trips the fuse.
func (f *Fuse) RecordFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tripped {
		return false
	}
	f.streak++
	if f.streak >= f.threshold {
		f.tripped = true
		return true
	}
	return false
}

// RecordSuccess breaks the failure streak. A tripped fuse stays tripped.
func (f *Fuse) RecordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streak = 0
}

// Reset clears the trip and the streak. Only an explicit operator or
// reactor.fuse.reset event path calls this.
func (f *Fuse) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = false
	f.streak = 0
}

// Streak returns the current consecutive failure count.
func (f *Fuse) Streak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streak
}

// SetPersistPath enables Save/Restore against fuse.json.
func (f *Fuse) SetPersistPath(path string) { f.persistPath = path }

type fuseState struct {
	Tripped bool `json:"tripped"`
	Streak  int  `json:"streak"`
}

// Save persists the trip state so a restart cannot silently re-arm a
// tripped reactor.
func (f *Fuse) Save() error {
	if f.persistPath == "" {
		return nil
	}
	f.mu.Lock()
	snap := fuseState{Tripped: f.tripped, Streak: f.streak}
	f.mu.Unlock()
	return statefile.Save(f.persistPath, snap)
}

// Restore reloads persisted trip state.
func (f *Fuse) Restore() error {
	if f.persistPath == "" {
		return nil
	}
	var snap fuseState
	ok, err := statefile.Load(f.persistPath, &snap)
	if err != nil || !ok {
		return err
	}
	f.mu.Lock()
	f.tripped = snap.Tripped
	f.streak = snap.Streak
	f.mu.Unlock()
	return nil
}
