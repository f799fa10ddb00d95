// Package monitor turns noisy continuous signals into debounced, hysteretic
// resource events. A value must hold above the trigger threshold for a full
// duration before a confirmed event fires, and a confirmed metric recovers
// only once the value clears the lower recover threshold.
package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

// Rule configures one metric key. For high-is-bad metrics Recover must be
// below Trigger; set LowIsBad for metrics where low values are the problem
// (then Recover must be above Trigger).
type Rule struct {
	Metric   string        `yaml:"metric"`
	Trigger  float64       `yaml:"trigger_threshold"`
	Recover  float64       `yaml:"recover_threshold"`
	Duration time.Duration `yaml:"duration"`
	LowIsBad bool          `yaml:"low_is_bad"`
}

func (r Rule) validate() error {
	if r.Metric == "" {
		return fmt.Errorf("monitor rule missing metric name")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("monitor rule %s: duration must be positive", r.Metric)
	}
	if !r.LowIsBad && r.Recover >= r.Trigger {
		return fmt.Errorf("monitor rule %s: recover %.2f must be below trigger %.2f", r.Metric, r.Recover, r.Trigger)
	}
	if r.LowIsBad && r.Recover <= r.Trigger {
		return fmt.Errorf("monitor rule %s: recover %.2f must be above trigger %.2f", r.Metric, r.Recover, r.Trigger)
	}
	return nil
}

// breached reports whether v is on the bad side of the trigger threshold.
func (r Rule) breached(v float64) bool {
	if r.LowIsBad {
		return v <= r.Trigger
	}
	return v >= r.Trigger
}

// recovered reports whether v has cleared the recover threshold.
func (r Rule) recovered(v float64) bool {
	if r.LowIsBad {
		return v > r.Recover
	}
	return v < r.Recover
}

type phase int

const (
	phaseIdle phase = iota
	phaseCandidate
	phaseConfirmed
)

type metricState struct {
	phase          phase
	candidateSince time.Time
}

// ThresholdMonitor runs the per-metric state machine and publishes
// resource.threshold_candidate / threshold_confirmed / recovered events.
type ThresholdMonitor struct {
	bus *eventbus.Bus

	mu     sync.Mutex
	rules  map[string]Rule
	states map[string]*metricState

	now func() time.Time
}

// NewThresholdMonitor validates the rules and builds a monitor.
func NewThresholdMonitor(bus *eventbus.Bus, rules []Rule) (*ThresholdMonitor, error) {
	m := &ThresholdMonitor{
		bus:    bus,
		rules:  make(map[string]Rule, len(rules)),
		states: make(map[string]*metricState),
		now:    time.Now,
	}
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		m.rules[r.Metric] = r
	}
	return m, nil
}

// Observe feeds one sample into the state machine for its metric. Metrics
// without a rule are ignored.
func (m *ThresholdMonitor) Observe(metric string, value float64) {
	m.mu.Lock()
	rule, ok := m.rules[metric]
	if !ok {
		m.mu.Unlock()
		return
	}
	st := m.states[metric]
	if st == nil {
		st = &metricState{}
		m.states[metric] = st
	}

	var emitType string
	var sev event.Severity
	now := m.now()

	switch st.phase {
	case phaseIdle:
		if rule.breached(value) {
			st.phase = phaseCandidate
			st.candidateSince = now
			emitType = event.TypeResourceThresholdCandidate
			sev = event.SeverityWarn
		}
	case phaseCandidate:
		if !rule.breached(value) {
			// Transient spike: back to idle, no event, no re-candidate
			// until the threshold is crossed again.
			st.phase = phaseIdle
		} else if now.Sub(st.candidateSince) >= rule.Duration {
			st.phase = phaseConfirmed
			emitType = event.TypeResourceThresholdConfirmed
			sev = event.SeverityErr
		}
	case phaseConfirmed:
		// Values between recover and trigger preserve state (hysteresis).
		if rule.recovered(value) {
			st.phase = phaseIdle
			emitType = event.TypeResourceRecovered
			sev = event.SeverityInfo
		}
	}
	m.mu.Unlock()

	if emitType == "" {
		return
	}
	e := event.New(emitType, "threshold_monitor")
	e.Severity = sev
	e.Layer = "resource"
	e.With("metric", metric).With("value", value).
		With("trigger_threshold", rule.Trigger).
		With("recover_threshold", rule.Recover).
		With("message", fmt.Sprintf("%s %s at %.1f", metric, emitType, value))
	if err := m.bus.Emit(e); err != nil {
		log.Printf("[monitor] emit %s: %v", emitType, err)
	}
}

// State returns the current phase name for a metric, for status output.
func (m *ThresholdMonitor) State(metric string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[metric]
	if st == nil {
		return "IDLE"
	}
	switch st.phase {
	case phaseCandidate:
		return "CANDIDATE"
	case phaseConfirmed:
		return "CONFIRMED"
	}
	return "IDLE"
}
