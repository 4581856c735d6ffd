package schema

// Event type constants published on the run event hub and recorded in the journal.
const (
	EventRunStarted   = "run_started"
	EventRunHydrated  = "run_hydrated"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunPersisted = "run_persisted"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIteration      = "loop_iteration"
	EventLoopCeilingReached = "loop_ceiling_reached"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"
	EventTimeoutFired       = "timeout_fired"
)
