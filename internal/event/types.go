package event

// Well-known event types. The dotted namespace doubles as the subscription
// pattern space: "resource.*" matches one trailing segment, "resource.**"
// matches any remainder.
const (
	// Resource signals (raw and debounced).
	TypeResourceCPUSpike           = "resource.cpu_spike"
	TypeResourceMemSpike           = "resource.mem_spike"
	TypeResourceThresholdCandidate = "resource.threshold_candidate"
	TypeResourceThresholdConfirmed = "resource.threshold_confirmed"
	TypeResourceRecovered          = "resource.recovered"

	// Agent and pipeline signals from external collaborators.
	TypeAgentError        = "agent.error"
	TypePipelineCompleted = "pipeline.completed"

	// Scheduler lifecycle.
	TypeTaskSubmitted = "scheduler.task_submitted"
	TypeTaskStarted   = "scheduler.task_started"
	TypeTaskCompleted = "scheduler.task_completed"
	TypeTaskFailed    = "scheduler.task_failed"
	TypeTaskTimeout   = "scheduler.task_timeout"
	TypeDecision      = "scheduler.decision"

	// Action queue lifecycle.
	TypeActionEnqueued  = "action.enqueued"
	TypeActionSkipped   = "action.skipped"
	TypeActionFinalized = "action.finalized"

	// Reactor lifecycle.
	TypeReactorSuccess          = "reactor.success"
	TypeReactorDryRun           = "reactor.dry_run"
	TypeReactorFailure          = "reactor.failure"
	TypeReactorPendingConfirm   = "reactor.pending_confirm"
	TypeReactorConfirm          = "reactor.confirm"
	TypeReactorFuseTripped      = "reactor.fuse.tripped"
	TypeReactorFuseReset        = "reactor.fuse.reset"
	TypeReactorPlaybookDisabled = "reactor.playbook_disabled"

	// Collaboration plans.
	TypeCollabTaskAssigned = "collab.task_assigned"
	TypeCollabPlanFinished = "collab.plan_finished"

	// Score engine crossings.
	TypeScoreDegraded  = "score.degraded"
	TypeScoreRecovered = "score.recovered"
)
