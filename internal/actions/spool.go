package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// spoolSweepInterval backstops fsnotify; some filesystems drop events.
const spoolSweepInterval = 10 * time.Second

// Spool ingests action requests dropped as JSON files into a directory.
// Each file holds one request or an array of requests. A file is renamed to
// a .ingest suffix before parsing so a crash mid-ingest never double-runs
// it, then removed once its requests are enqueued.
type Spool struct {
	dir   string
	queue *Queue
}

func NewSpool(dir string, queue *Queue) *Spool {
	return &Spool{dir: dir, queue: queue}
}

// Sweep ingests every pending spool file once.
func (s *Spool) Sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[actions] spool read %s: %v", s.dir, err)
		}
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		s.ingest(filepath.Join(s.dir, name))
	}
}

func (s *Spool) ingest(path string) {
	claimed := path + ".ingest"
	if err := os.Rename(path, claimed); err != nil {
		// Another sweep claimed it first.
		return
	}
	data, err := os.ReadFile(claimed)
	if err != nil {
		log.Printf("[actions] spool read %s: %v", claimed, err)
		return
	}

	reqs, err := decodeSpoolFile(data)
	if err != nil {
		// Malformed files are quarantined, not retried forever.
		bad := path + ".bad"
		if renameErr := os.Rename(claimed, bad); renameErr != nil {
			log.Printf("[actions] spool quarantine %s: %v", claimed, renameErr)
		}
		log.Printf("[actions] spool rejected %s: %v", filepath.Base(path), err)
		return
	}
	for _, r := range reqs {
		if _, err := s.queue.Enqueue(r); err != nil {
			log.Printf("[actions] spool enqueue from %s: %v", filepath.Base(path), err)
		}
	}
	if err := os.Remove(claimed); err != nil {
		log.Printf("[actions] spool remove %s: %v", claimed, err)
	}
}

// decodeSpoolFile accepts a single request object or an array of them.
func decodeSpoolFile(data []byte) ([]Request, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("empty file")
	}
	if strings.HasPrefix(trimmed, "[") {
		var reqs []Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, err
		}
		return reqs, nil
	}
	var r Request
	if err := json.Unmarshal(data, &r); err == nil {
		return []Request{r}, nil
	}
	// Appenders write one record per line.
	var reqs []Request
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var r Request
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// Watch runs until ctx is canceled, ingesting on filesystem events with a
// periodic sweep as a fallback.
func (s *Spool) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("spool watch %s: %w", s.dir, err)
	}

	s.Sweep()
	ticker := time.NewTicker(spoolSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 &&
				strings.HasSuffix(ev.Name, ".json") {
				s.ingest(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[actions] spool watcher: %v", err)
		}
	}
}
