// Package reactor matches bus events against a playbook catalog and turns
// confirmed signals into remediation actions, with cooldowns, a per-playbook
// circuit gate, outcome tracking, and a global fuse.
package reactor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/aioslab/aios/internal/actions"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/scheduler"
	"github.com/aioslab/aios/internal/statefile"
)

// Trigger is the match predicate of one playbook.
type Trigger struct {
	EventPattern    string   `yaml:"event_pattern" json:"event_pattern"`
	Severities      []string `yaml:"severities,omitempty" json:"severities,omitempty"`
	RuleID          string   `yaml:"rule_id,omitempty" json:"rule_id,omitempty"`
	MessageContains string   `yaml:"message_contains,omitempty" json:"message_contains,omitempty"`
	MinHitCount     int      `yaml:"min_hit_count,omitempty" json:"min_hit_count,omitempty"`
}

// ActionSpec is one remediation step.
type ActionSpec struct {
	Type        string         `yaml:"type" json:"type"`
	Target      string         `yaml:"target" json:"target"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	ProcessName string         `yaml:"process_name,omitempty" json:"process_name,omitempty"`
}

// Verify describes the optional post-remediation check.
type Verify struct {
	Command    string `yaml:"command,omitempty" json:"command,omitempty"`
	PlaybookID string `yaml:"playbook_id,omitempty" json:"playbook_id,omitempty"`
}

// Playbook binds a trigger to remediation actions.
type Playbook struct {
	ID             string       `yaml:"id" json:"id"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger        Trigger      `yaml:"trigger" json:"trigger"`
	Actions        []ActionSpec `yaml:"actions" json:"actions"`
	CooldownSec    int          `yaml:"cooldown_sec,omitempty" json:"cooldown_sec,omitempty"`
	RequireConfirm bool         `yaml:"require_confirm,omitempty" json:"require_confirm,omitempty"`
	Risk           string       `yaml:"risk,omitempty" json:"risk,omitempty"`
	Priority       string       `yaml:"priority,omitempty" json:"priority,omitempty"`
	Verify         *Verify      `yaml:"verify,omitempty" json:"verify,omitempty"`
	Disabled       bool         `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// DefaultCooldownSec applies when a playbook omits cooldown_sec.
const DefaultCooldownSec = 60

// catalogSchema is the structural contract every catalog must satisfy before
// any playbook is indexed.
const catalogSchema = `{
  "type": "object",
  "required": ["playbooks"],
  "properties": {
    "playbooks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "trigger", "actions"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
          "description": {"type": "string"},
          "trigger": {
            "type": "object",
            "required": ["event_pattern"],
            "properties": {
              "event_pattern": {"type": "string", "minLength": 1},
              "severities": {"type": "array", "items": {"enum": ["INFO", "WARN", "ERR", "CRIT"]}},
              "rule_id": {"type": "string"},
              "message_contains": {"type": "string"},
              "min_hit_count": {"type": "integer", "minimum": 1}
            }
          },
          "actions": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["type", "target"],
              "properties": {
                "type": {"type": "string", "minLength": 1},
                "target": {"type": "string", "minLength": 1}
              }
            }
          },
          "cooldown_sec": {"type": "integer", "minimum": 0},
          "require_confirm": {"type": "boolean"},
          "risk": {"enum": ["LOW", "MEDIUM", "HIGH"]},
          "priority": {"enum": ["P0", "P1", "P2", "P3"]},
          "verify": {
            "type": "object",
            "properties": {
              "command": {"type": "string"},
              "playbook_id": {"type": "string"}
            }
          },
          "disabled": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("playbooks.schema.json", catalogSchema)

// Catalog is the parsed, validated playbook set.
type Catalog struct {
	Playbooks []*Playbook `yaml:"playbooks" json:"playbooks"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog validates raw YAML against the schema, then decodes it.
// Validation happens on a JSON round-trip of the YAML tree so the schema
// sees the same shapes a JSON document would produce.
func ParseCatalog(data []byte) (*Catalog, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("catalog yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("catalog normalize: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog normalize: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	seen := make(map[string]bool, len(cat.Playbooks))
	for _, pb := range cat.Playbooks {
		if seen[pb.ID] {
			return nil, fmt.Errorf("catalog: duplicate playbook id %q", pb.ID)
		}
		seen[pb.ID] = true
		if err := pb.validate(); err != nil {
			return nil, fmt.Errorf("playbook %q: %w", pb.ID, err)
		}
	}
	return &cat, nil
}

// validate covers the constraints the schema cannot express.
func (p *Playbook) validate() error {
	if !validPattern(p.Trigger.EventPattern) {
		return fmt.Errorf("invalid event pattern %q", p.Trigger.EventPattern)
	}
	if p.Verify != nil && p.Verify.Command != "" && p.Verify.PlaybookID != "" {
		return fmt.Errorf("verify: command and playbook_id are mutually exclusive")
	}
	for i, a := range p.Actions {
		if a.Type == "" || a.Target == "" {
			return fmt.Errorf("action %d: type and target required", i)
		}
	}
	return nil
}

// validPattern enforces the dotted grammar: "**" only as the final segment.
func validPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		if s == "" {
			return false
		}
		if s == "**" && i != len(segs)-1 {
			return false
		}
	}
	return true
}

// cooldown returns the base cooldown in seconds.
func (p *Playbook) cooldown() int {
	if p.CooldownSec > 0 {
		return p.CooldownSec
	}
	return DefaultCooldownSec
}

// risk maps the playbook's declared risk onto the action queue's scale.
func (p *Playbook) risk() actions.Risk {
	switch p.Risk {
	case "LOW":
		return actions.RiskLow
	case "MEDIUM":
		return actions.RiskMedium
	case "HIGH":
		return actions.RiskHigh
	}
	return ""
}

// priority defaults to P2 when the playbook does not say.
func (p *Playbook) priority() scheduler.Priority {
	if p.Priority == "" {
		return scheduler.P2
	}
	pri, ok := scheduler.ParsePriority(p.Priority)
	if !ok {
		return scheduler.P2
	}
	return pri
}

// matchesSeverity is part of the trigger predicate; an empty list matches
// everything.
func (t *Trigger) matchesSeverity(sev event.Severity) bool {
	if len(t.Severities) == 0 {
		return true
	}
	for _, s := range t.Severities {
		if event.Severity(s) == sev {
			return true
		}
	}
	return false
}

// Matches applies the full trigger predicate apart from hit counting.
func (p *Playbook) Matches(e *event.Event) bool {
	t := &p.Trigger
	if !event.MatchPattern(t.EventPattern, e.Type) {
		return false
	}
	if !t.matchesSeverity(e.Severity) {
		return false
	}
	if t.RuleID != "" && e.RuleID() != t.RuleID {
		return false
	}
	if t.MessageContains != "" &&
		!strings.Contains(strings.ToLower(e.Message()), strings.ToLower(t.MessageContains)) {
		return false
	}
	return true
}

// SaveCatalog writes the catalog back out as YAML, atomically.
func SaveCatalog(path string, cat *Catalog) error {
	data, err := yaml.Marshal(cat)
	if err != nil {
		return err
	}
	return statefile.WriteAtomic(path, data)
}
