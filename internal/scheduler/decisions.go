package scheduler

import (
	"log"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

// decisionRule maps a high-level cue to a policy decision. Decisions are
// ordinary events: the reactor and other consumers choose whether to act.
type decisionRule struct {
	pattern  string
	action   string
	priority Priority
}

var decisionRules = []decisionRule{
	{pattern: event.TypeResourceThresholdConfirmed, action: "trigger_reactor", priority: P1},
	{pattern: event.TypeAgentError, action: "diagnose_agent", priority: P2},
	{pattern: event.TypeScoreDegraded, action: "trigger_reactor", priority: P0},
	{pattern: event.TypePipelineCompleted, action: "log", priority: P3},
}

// AttachDecisions subscribes the scheduler's policy cues and publishes
// scheduler.decision events for each.
func (s *Scheduler) AttachDecisions() []*eventbus.Subscription {
	subs := make([]*eventbus.Subscription, 0, len(decisionRules))
	for _, rule := range decisionRules {
		r := rule
		subs = append(subs, s.bus.Subscribe(r.pattern, func(e *event.Event) error {
			d := event.New(event.TypeDecision, "scheduler")
			d.Layer = "scheduler"
			d.With("action", r.action).
				With("priority", r.priority.String()).
				With("cause_type", e.Type).
				With("cause_id", e.ID)
			if err := s.bus.Emit(d); err != nil {
				log.Printf("[scheduler] emit decision: %v", err)
			}
			return nil
		}))
	}
	return subs
}
