// Package event defines the immutable record every subsystem exchanges over
// the bus, plus the dotted-type vocabulary and wildcard pattern matching.
package event

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity classifies how urgent an event is. The journal format is shared
// with external producers, so the wire values are fixed.
type Severity string

const (
	SeverityInfo Severity = "INFO"
	SeverityWarn Severity = "WARN"
	SeverityErr  Severity = "ERR"
	SeverityCrit Severity = "CRIT"
)

// ParseSeverity maps a wire string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarn, SeverityErr, SeverityCrit:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q (valid: INFO, WARN, ERR, CRIT)", s)
}

// Event is an append-only record. Once emitted it is never mutated; handlers
// that need to react publish new events instead.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"` // milliseconds since epoch
	Severity  Severity       `json:"severity"`
	Layer     string         `json:"layer"`
	Payload   map[string]any `json:"payload"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh 128-bit ULID. IDs are time-sortable, which keeps
// journal insertion order and ID order aligned within a single emitter.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New creates an INFO event with a fresh ID and the current timestamp.
func New(typ, source string) *Event {
	return &Event{
		ID:        NewID(),
		Type:      typ,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Severity:  SeverityInfo,
		Payload:   map[string]any{},
	}
}

// With sets a payload field and returns the event for chained construction.
// Only valid before the event is emitted.
func (e *Event) With(key string, value any) *Event {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.Payload[key] = value
	return e
}

// Message returns the payload "message" field, or "" when absent. Playbook
// keyword triggers match against this.
func (e *Event) Message() string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload["message"].(string)
	return s
}

// RuleID returns the payload "rule_id" field, or "" when absent.
func (e *Event) RuleID() string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload["rule_id"].(string)
	return s
}

// EncodeLine serializes the event as a single journal line (no trailing
// newline). Unknown fields from foreign producers survive a load/store cycle
// only in their own journals; this writer emits the canonical field set.
func (e *Event) EncodeLine() ([]byte, error) {
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("event missing id or type")
	}
	return json.Marshal(e)
}

// DecodeLine parses one journal line. Unknown fields are ignored so journals
// written by richer producers stay readable.
func DecodeLine(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("parsing journal line: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("journal line missing id or type")
	}
	return &e, nil
}
