package eventbus

// Event types published by the dispatcher. Data carries the dispatcher's
// Outcome (per user and trigger) or Report (per tick).
const (
	TypeFired   = "dispatch.fired"
	TypeFailed  = "dispatch.failed"
	TypeSkipped = "dispatch.skipped"
	TypeTick    = "dispatch.tick"
)

// Event types published by the task engine. Data carries the task name.
const (
	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskSkipped  = "task.skipped"
)
