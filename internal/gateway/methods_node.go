package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/switchboard/internal/approvals"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func (s *Server) handleNodeList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	s.mu.RLock()
	nodes := make([]map[string]interface{}, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.describeNode())
	}
	s.mu.RUnlock()
	return nodes, nil
}

type nodeInvokeParams struct {
	NodeID         string                 `json:"nodeId"`
	Command        string                 `json:"command"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// handleNodeInvoke forwards a command to a node host. system.run is
// mediated by the exec approval ledger and the approvals-file allowlist;
// system.execApprovals.set is blocked outright.
func (s *Server) handleNodeInvoke(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p nodeInvokeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad node.invoke params: "+err.Error())
	}
	if p.Command == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "command required")
	}

	if p.Command == protocol.NodeCommandSystemExecApprovals {
		return nil, protocol.NewError(protocol.ErrInvalidRequest,
			"the approvals file is mutated via exec.approvals.set, not node.invoke")
	}

	node, ok := s.nodeByID(p.NodeID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnavailable, "node offline: "+p.NodeID)
	}

	forward := p.Params
	if p.Command == protocol.NodeCommandSystemRun {
		rebuilt, errShape := s.mediateSystemRun(c, p.Params)
		if errShape != nil {
			return nil, errShape
		}
		forward = rebuilt
	}

	payload, errShape := node.Invoke(ctx, p.Command, forward)
	if errShape != nil {
		return nil, errShape
	}
	var out interface{}
	if len(payload) > 0 {
		json.Unmarshal(payload, &out)
	}
	return out, nil
}

// mediateSystemRun applies the exec approval policy to a system.run
// invocation and returns the rebuilt parameter set to forward.
func (s *Server) mediateSystemRun(c *Client, params map[string]interface{}) (map[string]interface{}, *protocol.ErrorShape) {
	if params == nil {
		params = map[string]interface{}{}
	}
	command, _ := params["command"].(string)
	agentID, _ := params["agentId"].(string)

	hasOverride := false
	if v, ok := params["approved"].(bool); ok && v {
		hasOverride = true
	}
	if v, ok := params["approvalDecision"].(string); ok && v != "" {
		hasOverride = true
	}
	if v, ok := params["runId"].(string); ok && v != "" {
		hasOverride = true
	}

	if hasOverride {
		caller := c.approvalCaller()
		rebuilt, errShape := s.ledger.AuthorizeRun(approvals.Caller{
			ConnID:          caller.connID,
			DeviceID:        caller.deviceID,
			HasApprovalsCap: caller.hasApprovals,
		}, params)
		if errShape != nil {
			s.Broadcast(protocol.EventExecDenied, map[string]interface{}{
				"reason":  "approval-required",
				"command": command,
				"code":    detailCodeOf(errShape),
			})
			return nil, errShape
		}
		return rebuilt, nil
	}

	// No override flags: an agent-scoped allowlist match bypasses the ask
	// step entirely.
	if s.approvals != nil && command != "" {
		if _, ok := s.approvals.MatchAllowlist(agentID, command); ok {
			rebuilt := map[string]interface{}{}
			for k, v := range params {
				rebuilt[k] = v
			}
			delete(rebuilt, "approvalDecision")
			rebuilt["approved"] = true
			return rebuilt, nil
		}
	}

	s.Broadcast(protocol.EventExecDenied, map[string]interface{}{
		"reason":  "approval-required",
		"command": command,
	})
	return nil, protocol.NewErrorWithDetail(protocol.ErrUnavailable,
		"command requires approval — call exec.approval.request first",
		protocol.ApprovalErrRequired)
}

func detailCodeOf(e *protocol.ErrorShape) string {
	if e == nil || e.Details == nil {
		return ""
	}
	code, _ := e.Details["code"].(string)
	return code
}
