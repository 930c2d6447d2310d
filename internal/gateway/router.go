package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// methodHandler executes one RPC method for a connection.
type methodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape)

type methodEntry struct {
	handler     methodHandler
	requiredCap string // empty = any connected peer
}

// MethodRouter maps method names to handlers with capability checks.
type MethodRouter struct {
	mu      sync.RWMutex
	methods map[string]methodEntry
}

// NewMethodRouter registers the core method set for a server.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{methods: make(map[string]methodEntry)}

	r.register(protocol.MethodConnect, "", func(ctx context.Context, c *Client, p json.RawMessage) (interface{}, *protocol.ErrorShape) {
		return c.handleConnect(p)
	})
	r.register(protocol.MethodHealth, "", s.handleHealthMethod)
	r.register(protocol.MethodStatus, protocol.CapOperatorRead, s.handleStatus)

	r.register(protocol.MethodChatSend, protocol.CapOperatorWrite, s.handleChatSend)
	r.register(protocol.MethodChatAbort, protocol.CapOperatorWrite, s.handleChatAbort)
	r.register(protocol.MethodChatHistory, protocol.CapOperatorRead, s.handleChatHistory)

	r.register(protocol.MethodSessionsList, protocol.CapOperatorRead, s.handleSessionsList)
	r.register(protocol.MethodSessionsReset, protocol.CapOperatorWrite, s.handleSessionsReset)
	r.register(protocol.MethodSessionsDelete, protocol.CapOperatorWrite, s.handleSessionsDelete)

	r.register(protocol.MethodConfigGet, protocol.CapOperatorRead, s.handleConfigGet)
	r.register(protocol.MethodConfigSchema, protocol.CapOperatorRead, s.handleConfigSchema)
	r.register(protocol.MethodConfigSet, protocol.CapOperatorConfig, s.handleConfigSet)
	r.register(protocol.MethodConfigPatch, protocol.CapOperatorConfig, s.handleConfigPatch)
	r.register(protocol.MethodConfigApply, protocol.CapOperatorConfig, s.handleConfigApply)

	r.register(protocol.MethodNodeList, protocol.CapOperatorRead, s.handleNodeList)
	r.register(protocol.MethodNodeInvoke, protocol.CapOperatorWrite, s.handleNodeInvoke)

	r.register(protocol.MethodApprovalRequest, protocol.CapOperatorWrite, s.handleApprovalRequest)
	r.register(protocol.MethodApprovalResolve, protocol.CapOperatorApprovals, s.handleApprovalResolve)
	r.register(protocol.MethodApprovalList, protocol.CapOperatorRead, s.handleApprovalList)
	r.register(protocol.MethodApprovalsFileGet, protocol.CapOperatorRead, s.handleApprovalsFileGet)
	r.register(protocol.MethodApprovalsFileSet, protocol.CapOperatorApprovals, s.handleApprovalsFileSet)

	r.register(protocol.MethodCronList, protocol.CapOperatorRead, s.handleCronList)
	r.register(protocol.MethodCronAdd, protocol.CapOperatorConfig, s.handleCronAdd)
	r.register(protocol.MethodCronRemove, protocol.CapOperatorConfig, s.handleCronRemove)
	r.register(protocol.MethodCronRun, protocol.CapOperatorWrite, s.handleCronRun)

	return r
}

func (r *MethodRouter) register(name, requiredCap string, h methodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = methodEntry{handler: h, requiredCap: requiredCap}
}

// Dispatch routes one request frame. Everything except connect requires a
// completed handshake.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) (interface{}, *protocol.ErrorShape) {
	r.mu.RLock()
	entry, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrMethodNotFound, "unknown method "+req.Method)
	}

	if req.Method != protocol.MethodConnect {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if !connected {
			return nil, protocol.NewError(protocol.ErrUnauthorized, "connect first")
		}
		if entry.requiredCap != "" && !c.HasCap(entry.requiredCap) {
			return nil, protocol.NewError(protocol.ErrUnauthorized, "missing capability "+entry.requiredCap)
		}
	}

	ctx, span := telemetry.StartRPCSpan(ctx, req.Method)
	defer span.End()
	return entry.handler(ctx, c, req.Params)
}
