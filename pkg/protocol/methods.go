package protocol

// RPC method name constants.

// Chat and session driving.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"

	MethodSessionsList   = "sessions.list"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"
)

// Config mutation. Set/patch/apply all require baseHash.
const (
	MethodConfigGet    = "config.get"
	MethodConfigSet    = "config.set"
	MethodConfigApply  = "config.apply"
	MethodConfigPatch  = "config.patch"
	MethodConfigSchema = "config.schema"
)

// Node hosts and exec approvals.
const (
	MethodNodeList   = "node.list"
	MethodNodeInvoke = "node.invoke"

	MethodApprovalRequest = "exec.approval.request"
	MethodApprovalResolve = "exec.approval.resolve"
	MethodApprovalList    = "exec.approval.list"

	MethodApprovalsFileGet = "exec.approvals.get"
	MethodApprovalsFileSet = "exec.approvals.set"
)

// Cron wakeups.
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
)

// Node-side commands forwarded via node.invoke. NodeCommandSystemExecApprovals is
// blocked at the gateway — the approvals file is mutated only through
// exec.approvals.set with its baseHash check.
const (
	NodeCommandSystemRun           = "system.run"
	NodeCommandSystemExecApprovals = "system.execApprovals.set"
)

// Capabilities checked by the method router.
const (
	CapOperatorRead      = "operator.read"
	CapOperatorWrite     = "operator.write"
	CapOperatorApprovals = "operator.approvals"
	CapOperatorConfig    = "operator.config"
	CapNode              = "node"
)
