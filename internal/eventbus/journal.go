package eventbus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aioslab/aios/internal/event"
)

// DefaultSyncEvery is how many appends may accumulate before the journal
// fsyncs. Per-batch rather than per-event: a crash can lose up to a batch,
// which the at-least-once model tolerates.
const DefaultSyncEvery = 64

// DefaultRetentionDays bounds how long daily shards are kept. The source
// left retention open; 14 days keeps replay useful without unbounded growth.
const DefaultRetentionDays = 14

const shardExt = ".ndjson"

// Journal persists events as newline-delimited JSON in daily shard files
// under a single directory. One writer appends; readers scan concurrently.
type Journal struct {
	dir       string
	syncEvery int

	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	shardName string
	unsynced  int
	appended  int64

	now func() time.Time
}

// Filter selects journal records for LoadEvents and CountEvents. Type may be
// an exact type or a wildcard pattern. Zero timestamps mean unbounded; a
// zero Limit means all.
type Filter struct {
	Type    string
	SinceTS int64
	UntilTS int64
	Limit   int
}

// OpenJournal creates the shard directory if needed and prepares the writer.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	return &Journal{dir: dir, syncEvery: DefaultSyncEvery, now: time.Now}, nil
}

// SetSyncEvery overrides the fsync batch size. 1 means sync every append.
func (j *Journal) SetSyncEvery(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n < 1 {
		n = 1
	}
	j.syncEvery = n
}

func shardFor(t time.Time) string {
	return t.UTC().Format("2006-01-02") + shardExt
}

// Append writes one event line to the current daily shard. Errors are fatal
// to the caller's emit: the journal is the source of truth for replay.
func (j *Journal) Append(e *event.Event) error {
	line, err := e.EncodeLine()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	shard := shardFor(j.now())
	if j.file == nil || shard != j.shardName {
		if err := j.rotateLocked(shard); err != nil {
			return err
		}
	}

	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	j.appended++
	j.unsynced++
	if j.unsynced >= j.syncEvery {
		return j.syncLocked()
	}
	return nil
}

func (j *Journal) rotateLocked(shard string) error {
	if j.file != nil {
		if err := j.syncLocked(); err != nil {
			return err
		}
		_ = j.file.Close()
	}
	f, err := os.OpenFile(filepath.Join(j.dir, shard), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal shard: %w", err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	j.shardName = shard
	return nil
}

func (j *Journal) syncLocked() error {
	if j.w == nil {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal fsync: %w", err)
	}
	j.unsynced = 0
	return nil
}

// Sync flushes buffered lines to disk immediately.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

// Close flushes and closes the current shard.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.syncLocked()
	_ = j.file.Close()
	j.file = nil
	j.w = nil
	return err
}

// Appended returns the number of events written since open.
func (j *Journal) Appended() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appended
}

// LoadEvents reads journal records matching the filter, in timestamp order
// with ties broken by insertion order. Lines that fail to parse (a partial
// final line after a crash) are skipped, never surfaced.
func (j *Journal) LoadEvents(f Filter) ([]*event.Event, error) {
	if err := j.Sync(); err != nil {
		return nil, err
	}

	shards, err := j.shards()
	if err != nil {
		return nil, err
	}

	var out []*event.Event
	for _, shard := range shards {
		if err := j.scanShard(shard, func(e *event.Event) {
			if f.matches(e) {
				out = append(out, e)
			}
		}); err != nil {
			return nil, err
		}
	}

	// Shards are date-ordered and appends are time-ordered within a shard,
	// but distinct emitters may interleave; a stable sort preserves
	// insertion order for equal timestamps.
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].Timestamp < out[k].Timestamp
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// CountEvents returns the cardinality of LoadEvents without materializing
// the limit cut.
func (j *Journal) CountEvents(f Filter) (int, error) {
	if err := j.Sync(); err != nil {
		return 0, err
	}
	shards, err := j.shards()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, shard := range shards {
		if err := j.scanShard(shard, func(e *event.Event) {
			if f.matches(e) {
				n++
			}
		}); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (f Filter) matches(e *event.Event) bool {
	if f.Type != "" {
		if strings.ContainsRune(f.Type, '*') {
			if !event.MatchPattern(f.Type, e.Type) {
				return false
			}
		} else if e.Type != f.Type {
			return false
		}
	}
	if f.SinceTS != 0 && e.Timestamp < f.SinceTS {
		return false
	}
	if f.UntilTS != 0 && e.Timestamp > f.UntilTS {
		return false
	}
	return true
}

func (j *Journal) shards() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("reading journal dir: %w", err)
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), shardExt) {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names) // date-named, so lexical order is chronological
	return names, nil
}

func (j *Journal) scanShard(name string, visit func(*event.Event)) error {
	f, err := os.Open(filepath.Join(j.dir, name))
	if err != nil {
		return fmt.Errorf("opening journal shard: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := event.DecodeLine(line)
		if err != nil {
			continue // torn or foreign line; readers skip, never raise
		}
		visit(e)
	}
	return sc.Err()
}

// Prune removes shards older than the retention window. Runs at startup and
// once per day from the serve loop.
func (j *Journal) Prune(retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := shardFor(j.now().AddDate(0, 0, -retentionDays))
	shards, err := j.shards()
	if err != nil {
		return err
	}
	for _, name := range shards {
		if name < cutoff {
			if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
				return fmt.Errorf("pruning shard %s: %w", name, err)
			}
		}
	}
	return nil
}
