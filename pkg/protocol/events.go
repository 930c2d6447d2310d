package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent           = "agent"
	EventChat            = "chat"
	EventHealth          = "health"
	EventPresence        = "presence"
	EventShutdown        = "shutdown"
	EventCron            = "cron"
	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.resolved"
	EventExecDenied      = "exec.denied"
	EventConfigChanged   = "config.changed"
	EventRestartPending  = "restart.pending"
	EventNodeConnected   = "node.connected"
	EventNodeDisconnect  = "node.disconnected"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
