// Package actions implements the idempotent action queue: deduplication by
// stable key, risk classification, a guardrail chain, an executor registry,
// and delegation of execution to the scheduler as ordinary tasks.
package actions

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/scheduler"
)

// Risk classifies an action's blast radius.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Status is the action lifecycle position.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Skip reasons, carried on SKIPPED actions and their events.
const (
	SkipNeedsApproval  = "needs_approval"
	SkipQuotaExceeded  = "quota_exceeded"
	SkipCooldown       = "cooldown"
	SkipCircuitBreaker = "circuit_breaker"
	SkipBudgetPressure = "budget_pressure"
	SkipAlreadyRunning = "noop_already_running"
)

// Kind is the executor error taxonomy.
type Kind string

const (
	KindRetryable    Kind = "RETRYABLE"
	KindNonRetryable Kind = "NON_RETRYABLE"
	KindUnknown      Kind = "UNKNOWN"
)

// Outcome is the typed result every executor reports. Executors never
// attempt local recovery; the caller decides retry versus terminate.
type Outcome struct {
	OK     bool
	Kind   Kind
	Detail string
	Result map[string]any
}

// Request is an action submission, from the reactor, the spool file, or the
// CLI.
type Request struct {
	Type        string             `json:"type"`
	Target      string             `json:"target"`
	Params      map[string]any     `json:"params,omitempty"`
	Risk        Risk               `json:"risk,omitempty"`
	Priority    scheduler.Priority `json:"priority"`
	Approved    bool               `json:"approved,omitempty"`
	ProcessName string             `json:"process_name,omitempty"`
	PlaybookID  string             `json:"playbook_id,omitempty"`
	CauseType   string             `json:"cause_type,omitempty"`
}

// Action is the queue's record of one request.
type Action struct {
	ID             string             `json:"action_id"`
	Type           string             `json:"type"`
	Target         string             `json:"target"`
	Params         map[string]any     `json:"params,omitempty"`
	Risk           Risk               `json:"risk"`
	Priority       scheduler.Priority `json:"priority"`
	IdempotencyKey string             `json:"idempotency_key"`

	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Result     map[string]any `json:"result,omitempty"`

	Approved    bool   `json:"approved,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	PlaybookID  string `json:"playbook_id,omitempty"`
	CauseType   string `json:"cause_type,omitempty"`

	EnqueuedAt  int64 `json:"enqueued_at"`
	FinalizedAt int64 `json:"finalized_at,omitempty"`
}

// classifyRisk derives risk when the request leaves it blank: explicit risk
// wins; otherwise priority decides.
func classifyRisk(r Request) Risk {
	switch r.Risk {
	case RiskLow, RiskMedium, RiskHigh:
		return r.Risk
	}
	switch r.Priority {
	case scheduler.P0, scheduler.P1:
		return RiskHigh
	case scheduler.P3:
		return RiskLow
	}
	return RiskMedium
}

// IdempotencyKey digests (type, target, canonicalized params) so equivalent
// requests collide. encoding/json sorts map keys, which canonicalizes params
// up to nested non-map values; numeric formatting follows Go's defaults on
// both enqueue paths, so equal inputs hash equally.
func IdempotencyKey(typ, target string, params map[string]any) string {
	h := blake3.New()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(target))
	_, _ = h.Write([]byte{0})
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(params[k])
			_, _ = h.Write([]byte(k))
			_, _ = h.Write([]byte{0})
			_, _ = h.Write(v)
			_, _ = h.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

func newAction(r Request, nowMS int64) *Action {
	return &Action{
		ID:             event.NewID(),
		Type:           r.Type,
		Target:         r.Target,
		Params:         r.Params,
		Risk:           classifyRisk(r),
		Priority:       r.Priority,
		IdempotencyKey: IdempotencyKey(r.Type, r.Target, r.Params),
		Status:         StatusQueued,
		Approved:       r.Approved,
		ProcessName:    r.ProcessName,
		PlaybookID:     r.PlaybookID,
		CauseType:      r.CauseType,
		EnqueuedAt:     nowMS,
	}
}
