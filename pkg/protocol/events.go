package protocol

// Monitor-bus event names. These are the canonical names used on the
// in-process bus and forwarded verbatim to gateway WebSocket clients.

// Task lifecycle events (payload: tasks.Task snapshot or id-keyed map).
const (
	EventTaskCreated        = "task_created"
	EventTaskQueued         = "task_queued"
	EventTaskRunning        = "task_running"
	EventTaskRetryScheduled = "task_retry_scheduled" // {taskId, attempt, nextRetryAt, backoffMs}
	EventTaskTimeoutWarning = "task_timeout_warning" // {taskId, msUntilTimeout}
	EventTaskTimeout        = "task_timeout"         // {taskId, reason, timestamp}
	EventTaskSucceeded      = "task_succeeded"       // {taskId, result}
	EventTaskFailed         = "task_failed"          // {taskId, error}
	EventSubagentSpawned    = "subagent_spawned"     // {subagentId, task, parentSessionKey, parentTaskId}
)

// Message routing events.
const (
	EventMessageReceived   = "message_received"
	EventMessageQueued     = "message_queued"
	EventMessageDropped    = "message_dropped" // {reason}
	EventMessageProcessing = "message_processing"
	EventMessageProcessed  = "message_processed" // {duration, success}
)

// EventErrorOccurred is the catch-all failure event.
// Payload: {errorType, severity, message, context}.
const EventErrorOccurred = "error_occurred"

// Gateway / process events.
const (
	EventAgent    = "agent" // agent-loop progress (payload.type below)
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventCompaction   = "compaction"
)
