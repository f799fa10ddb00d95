package eventbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aioslab/aios/internal/event"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalReplay(t *testing.T) {
	j := newTestJournal(t)

	var want []string
	for i := 0; i < 10; i++ {
		e := event.New("agent.error", "test")
		want = append(want, e.ID)
		if err := j.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.LoadEvents(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("replayed %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("event %d: id %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestJournalSkipsPartialFinalLine(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := j.Append(event.New("pipeline.completed", "test")); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: append a torn line to the shard.
	shards, _ := os.ReadDir(dir)
	if len(shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(shards))
	}
	path := filepath.Join(dir, shards[0].Name())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"01TRUNCATED","type":"pipe`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	// Restart: a fresh journal over the same dir must return the intact
	// records and silently skip the torn one.
	j2, err := OpenJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j2.Close() }()

	got, err := j2.LoadEvents(Filter{})
	if err != nil {
		t.Fatalf("LoadEvents after torn line: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestJournalFilter(t *testing.T) {
	j := newTestJournal(t)

	mk := func(typ string, ts int64) {
		e := event.New(typ, "test")
		e.Timestamp = ts
		if err := j.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	mk("resource.cpu_spike", 1000)
	mk("resource.mem_spike", 2000)
	mk("agent.error", 3000)
	mk("resource.cpu_spike", 4000)

	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"all", Filter{}, 4},
		{"exact type", Filter{Type: "agent.error"}, 1},
		{"pattern type", Filter{Type: "resource.*"}, 3},
		{"since", Filter{SinceTS: 2500}, 2},
		{"until", Filter{UntilTS: 2000}, 2},
		{"window", Filter{SinceTS: 1500, UntilTS: 3500}, 2},
		{"limit", Filter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.LoadEvents(tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("LoadEvents(%+v) = %d events, want %d", tt.f, len(got), tt.want)
			}
			n, err := j.CountEvents(tt.f)
			if err != nil {
				t.Fatal(err)
			}
			// Count ignores Limit; everything else must agree.
			if tt.f.Limit == 0 && n != tt.want {
				t.Errorf("CountEvents(%+v) = %d, want %d", tt.f, n, tt.want)
			}
		})
	}

	// Limit keeps the most recent records.
	got, err := j.LoadEvents(Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Timestamp != 3000 || got[1].Timestamp != 4000 {
		t.Errorf("limit should keep the newest records, got ts %d,%d", got[0].Timestamp, got[1].Timestamp)
	}
}

func TestJournalTimestampOrderAcrossShards(t *testing.T) {
	j := newTestJournal(t)

	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return day }
	e1 := event.New("agent.error", "a")
	e1.Timestamp = 500
	if err := j.Append(e1); err != nil {
		t.Fatal(err)
	}

	j.now = func() time.Time { return day.AddDate(0, 0, 1) }
	e2 := event.New("agent.error", "b")
	e2.Timestamp = 100 // earlier timestamp lands in a later shard
	if err := j.Append(e2); err != nil {
		t.Fatal(err)
	}

	got, err := j.LoadEvents(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Timestamp != 100 {
		t.Errorf("expected timestamp order across shards, got %+v", got)
	}
}

func TestJournalPrune(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for _, back := range []int{0, 5, 20} {
		d := now.AddDate(0, 0, -back)
		j.now = func() time.Time { return d }
		if err := j.Append(event.New("agent.error", "test")); err != nil {
			t.Fatal(err)
		}
	}
	j.now = func() time.Time { return now }

	if err := j.Prune(14); err != nil {
		t.Fatal(err)
	}

	shards, _ := os.ReadDir(dir)
	if len(shards) != 2 {
		names := make([]string, 0, len(shards))
		for _, s := range shards {
			names = append(names, s.Name())
		}
		t.Errorf("after prune: shards %v, want 2", names)
	}
}

func TestBusJournalIntegration(t *testing.T) {
	j := newTestJournal(t)
	b := New(j)

	if err := b.Emit(event.New("reactor.success", "test")); err != nil {
		t.Fatal(err)
	}

	n, err := j.CountEvents(Filter{Type: "reactor.success"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("journal count = %d, want 1", n)
	}
}
