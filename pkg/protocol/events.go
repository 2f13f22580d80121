package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventQueue    = "queue"
	EventHealth   = "health"
	EventCron     = "cron"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
)

// Queue event subtypes (in payload.type)
const (
	QueueEventEnqueued       = "queue.enqueued"
	QueueEventDuplicate      = "queue.duplicate"
	QueueEventDropped        = "queue.dropped"
	QueueEventDrainStarted   = "queue.drain.started"
	QueueEventDrainCompleted = "queue.drain.completed"
	QueueEventDeliverFailed  = "queue.deliver.failed"
)
